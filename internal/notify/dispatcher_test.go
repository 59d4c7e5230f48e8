package notify

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/lumenforge/generation-service/config"
)

type fakeRecordStore struct {
	insertErr error
	inserted  []*Record
}

func (f *fakeRecordStore) Insert(ctx context.Context, r *Record) error {
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, r)
	return nil
}

func (f *fakeRecordStore) PurgeStale(ctx context.Context, retentionDays int) (int64, error) {
	return 0, nil
}

// captureServer records every JSON body posted to it.
type captureServer struct {
	srv *httptest.Server

	mu     sync.Mutex
	bodies []map[string]any
	status int
}

func newCaptureServer(t *testing.T, status int) *captureServer {
	t.Helper()
	cs := &captureServer{status: status}
	cs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err == nil {
			cs.mu.Lock()
			cs.bodies = append(cs.bodies, body)
			cs.mu.Unlock()
		}
		w.WriteHeader(cs.status)
	}))
	t.Cleanup(cs.srv.Close)
	return cs
}

func (cs *captureServer) received() []map[string]any {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]map[string]any(nil), cs.bodies...)
}

func slackConfig(name, url string, levels []string) appconfig.ChannelConfig {
	return appconfig.ChannelConfig{
		Name:    name,
		Kind:    "slack",
		Enabled: true,
		URL:     url,
		Levels:  levels,
	}
}

func pagerConfig(name, url string, levels []string) appconfig.ChannelConfig {
	return appconfig.ChannelConfig{
		Name:        name,
		Kind:        "pager",
		Enabled:     true,
		URL:         url,
		RoutingKey:  "rk-test",
		DedupPrefix: "gen-",
		Levels:      levels,
	}
}

func newTestDispatcher(store RecordStore, cfgs ...appconfig.ChannelConfig) *Dispatcher {
	logger := zerolog.Nop()
	return NewDispatcher(store, BuildChannels(cfgs), &logger)
}

func TestPushPersistsAndDelivers(t *testing.T) {
	slack := newCaptureServer(t, http.StatusOK)
	store := &fakeRecordStore{}
	d := newTestDispatcher(store, slackConfig("ops-slack", slack.srv.URL, []string{"error", "critical"}))

	record, err := d.Push(context.Background(), LevelError, "Generation job failed", "render crashed", "generation",
		map[string]any{"job_id": "j1"}, []string{"worker"})
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.NotEmpty(t, record.ID)

	require.Len(t, store.inserted, 1)
	assert.Equal(t, record.ID, store.inserted[0].ID)

	bodies := slack.received()
	require.Len(t, bodies, 1)
	assert.Contains(t, bodies[0]["text"], "[ERROR] Generation job failed")
	assert.Contains(t, bodies[0]["text"], "render crashed")
}

func TestPushStoreFailureAbortsDelivery(t *testing.T) {
	slack := newCaptureServer(t, http.StatusOK)
	store := &fakeRecordStore{insertErr: errors.New("database down")}
	d := newTestDispatcher(store, slackConfig("ops-slack", slack.srv.URL, []string{"error"}))

	record, err := d.Push(context.Background(), LevelError, "t", "m", "c", nil, nil)
	require.Error(t, err)
	assert.Nil(t, record)
	assert.Empty(t, slack.received(), "nothing may be delivered when persistence fails")
}

func TestPushSurvivesChannelFailure(t *testing.T) {
	failing := newCaptureServer(t, http.StatusInternalServerError)
	healthy := newCaptureServer(t, http.StatusOK)
	store := &fakeRecordStore{}
	d := newTestDispatcher(store,
		slackConfig("broken", failing.srv.URL, []string{"error"}),
		slackConfig("healthy", healthy.srv.URL, []string{"error"}),
	)

	record, err := d.Push(context.Background(), LevelError, "t", "m", "c", nil, nil)
	require.NoError(t, err, "channel failures never invalidate the record")
	require.NotNil(t, record)

	assert.Len(t, store.inserted, 1)
	assert.Len(t, healthy.received(), 1, "the other channel still delivers")
}

func TestPushLevelFilter(t *testing.T) {
	slack := newCaptureServer(t, http.StatusOK)
	store := &fakeRecordStore{}
	d := newTestDispatcher(store, slackConfig("ops-slack", slack.srv.URL, []string{"critical"}))

	_, err := d.Push(context.Background(), LevelInfo, "routine", "all good", "ops", nil, nil)
	require.NoError(t, err)

	assert.Len(t, store.inserted, 1, "the record is persisted regardless of channel filters")
	assert.Empty(t, slack.received(), "filtered level must not reach the channel")
}

func TestPagerEventShape(t *testing.T) {
	pager := newCaptureServer(t, http.StatusAccepted)
	store := &fakeRecordStore{}
	d := newTestDispatcher(store, pagerConfig("oncall", pager.srv.URL, []string{"critical"}))

	record, err := d.Push(context.Background(), LevelCritical, "Broker unreachable", "redis timed out", "infra",
		map[string]any{"addr": "redis:6379"}, nil)
	require.NoError(t, err)

	bodies := pager.received()
	require.Len(t, bodies, 1)
	event := bodies[0]
	assert.Equal(t, "rk-test", event["routing_key"])
	assert.Equal(t, "trigger", event["event_action"])
	assert.Equal(t, "gen-"+record.ID, event["dedup_key"])

	payload := event["payload"].(map[string]any)
	assert.Contains(t, payload["summary"], "[CRITICAL] Broker unreachable")
	assert.Equal(t, "critical", payload["severity"])
}

func TestPagerDedupKeysDistinctPerRecord(t *testing.T) {
	pager := newCaptureServer(t, http.StatusAccepted)
	store := &fakeRecordStore{}
	d := newTestDispatcher(store, pagerConfig("oncall", pager.srv.URL, []string{"critical"}))

	_, err := d.Push(context.Background(), LevelCritical, "first", "m", "c", nil, nil)
	require.NoError(t, err)
	_, err = d.Push(context.Background(), LevelCritical, "second", "m", "c", nil, nil)
	require.NoError(t, err)

	bodies := pager.received()
	require.Len(t, bodies, 2)
	assert.NotEqual(t, bodies[0]["dedup_key"], bodies[1]["dedup_key"], "distinct records must not collapse into one incident")
}

func TestBuildChannelsSkipsDisabledAndUnknown(t *testing.T) {
	channels := BuildChannels([]appconfig.ChannelConfig{
		{Name: "off", Kind: "slack", Enabled: false},
		{Name: "mystery", Kind: "carrier-pigeon", Enabled: true},
		slackConfig("on", "http://example.invalid", []string{"info"}),
	})

	require.Len(t, channels, 1)
	assert.Equal(t, "on", channels[0].Name())
}
