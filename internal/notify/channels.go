package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	appconfig "github.com/lumenforge/generation-service/config"
)

// Channel delivers a persisted record to one external system. Delivery
// failures are the caller's to log; they never affect the record itself.
type Channel interface {
	Name() string
	Allows(level Level) bool
	Deliver(ctx context.Context, r *Record) error
}

// BuildChannels constructs delivery channels from config, skipping disabled
// entries and unknown kinds.
func BuildChannels(cfgs []appconfig.ChannelConfig) []Channel {
	channels := make([]Channel, 0, len(cfgs))
	for _, cfg := range cfgs {
		if !cfg.Enabled {
			continue
		}
		switch cfg.Kind {
		case "slack":
			channels = append(channels, newSlackChannel(cfg))
		case "pager":
			channels = append(channels, newPagerChannel(cfg))
		}
	}
	return channels
}

func levelSet(levels []string) map[Level]struct{} {
	set := make(map[Level]struct{}, len(levels))
	for _, l := range levels {
		set[ParseLevel(l)] = struct{}{}
	}
	return set
}

func postJSON(ctx context.Context, client *http.Client, url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("deliver: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("deliver: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// slackChannel posts a webhook message with the level tag in the body and
// metadata rendered as an attachment field block.
type slackChannel struct {
	name      string
	url       string
	username  string
	iconEmoji string
	levels    map[Level]struct{}
	client    *http.Client
}

func newSlackChannel(cfg appconfig.ChannelConfig) *slackChannel {
	return &slackChannel{
		name:      cfg.Name,
		url:       cfg.URL,
		username:  cfg.Username,
		iconEmoji: cfg.IconEmoji,
		levels:    levelSet(cfg.Levels),
		client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *slackChannel) Name() string { return s.name }

func (s *slackChannel) Allows(level Level) bool {
	_, ok := s.levels[level]
	return ok
}

type slackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

type slackAttachment struct {
	Fields []slackField `json:"fields"`
}

type slackPayload struct {
	Text        string            `json:"text"`
	Username    string            `json:"username,omitempty"`
	IconEmoji   string            `json:"icon_emoji,omitempty"`
	Attachments []slackAttachment `json:"attachments,omitempty"`
}

func (s *slackChannel) Deliver(ctx context.Context, r *Record) error {
	payload := slackPayload{
		Text:      fmt.Sprintf("[%s] %s\n%s", levelTag(r.Level), r.Title, r.Message),
		Username:  s.username,
		IconEmoji: s.iconEmoji,
	}
	if len(r.Metadata) > 0 {
		fields := make([]slackField, 0, len(r.Metadata))
		for k, v := range r.Metadata {
			fields = append(fields, slackField{Title: k, Value: fmt.Sprint(v), Short: true})
		}
		payload.Attachments = []slackAttachment{{Fields: fields}}
	}
	return postJSON(ctx, s.client, s.url, payload)
}

func levelTag(l Level) string {
	switch l {
	case LevelWarning:
		return "WARNING"
	case LevelError:
		return "ERROR"
	case LevelCritical:
		return "CRITICAL"
	default:
		return "INFO"
	}
}

// pagerChannel enqueues an incident event. The dedup key is derived from the
// record id so repeated deliveries of the same record collapse into one
// incident on the receiving side.
type pagerChannel struct {
	name        string
	url         string
	routingKey  string
	source      string
	dedupPrefix string
	levels      map[Level]struct{}
	client      *http.Client
}

func newPagerChannel(cfg appconfig.ChannelConfig) *pagerChannel {
	source := cfg.Source
	if source == "" {
		source = "generation-service"
	}
	return &pagerChannel{
		name:        cfg.Name,
		url:         cfg.URL,
		routingKey:  cfg.RoutingKey,
		source:      source,
		dedupPrefix: cfg.DedupPrefix,
		levels:      levelSet(cfg.Levels),
		client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *pagerChannel) Name() string { return p.name }

func (p *pagerChannel) Allows(level Level) bool {
	_, ok := p.levels[level]
	return ok
}

// DedupKey is deterministic per record: same record, same key, across any
// number of delivery attempts.
func (p *pagerChannel) DedupKey(r *Record) string {
	return p.dedupPrefix + r.ID
}

type pagerEventPayload struct {
	Summary       string         `json:"summary"`
	Source        string         `json:"source"`
	Severity      string         `json:"severity"`
	Timestamp     string         `json:"timestamp"`
	CustomDetails map[string]any `json:"custom_details,omitempty"`
}

type pagerEvent struct {
	RoutingKey  string            `json:"routing_key"`
	EventAction string            `json:"event_action"`
	DedupKey    string            `json:"dedup_key"`
	Payload     pagerEventPayload `json:"payload"`
}

func (p *pagerChannel) Deliver(ctx context.Context, r *Record) error {
	event := pagerEvent{
		RoutingKey:  p.routingKey,
		EventAction: "trigger",
		DedupKey:    p.DedupKey(r),
		Payload: pagerEventPayload{
			Summary:       fmt.Sprintf("[%s] %s: %s", levelTag(r.Level), r.Title, r.Message),
			Source:        p.source,
			Severity:      string(r.Level),
			Timestamp:     r.CreatedAt.UTC().Format(time.RFC3339),
			CustomDetails: r.Metadata,
		},
	}
	return postJSON(ctx, p.client, p.url, event)
}
