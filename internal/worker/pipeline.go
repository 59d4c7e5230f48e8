package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/lumenforge/generation-service/internal/jobstore"
)

// Pipeline invokes the actual generation backend. The call is opaque and
// long-running; it accepts a job id and payload and reports success or
// failure when the run finishes.
type Pipeline interface {
	Run(ctx context.Context, job jobstore.Job) error
}

// HTTPPipeline drives a generation backend over HTTP.
type HTTPPipeline struct {
	url    string
	client *http.Client
}

func NewHTTPPipeline(url string) *HTTPPipeline {
	return &HTTPPipeline{
		url: url,
		// generation runs are long; the pipeline endpoint blocks until done
		client: &http.Client{Timeout: 2 * time.Hour},
	}
}

type pipelineRequest struct {
	JobID  string          `json:"job_id"`
	Type   string          `json:"type"`
	Params json.RawMessage `json:"params"`
}

func (p *HTTPPipeline) Run(ctx context.Context, job jobstore.Job) error {
	body, err := json.Marshal(pipelineRequest{
		JobID:  job.ID,
		Type:   string(job.Type),
		Params: job.Payload,
	})
	if err != nil {
		return fmt.Errorf("marshal pipeline request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build pipeline request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("pipeline call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("pipeline returned status %d", resp.StatusCode)
	}
	return nil
}
