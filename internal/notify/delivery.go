package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Delivery takes planned envelopes out of the process. Implementations must
// tolerate partial failure: one bad recipient never blocks the rest.
type Delivery interface {
	Deliver(ctx context.Context, envs []Envelope) error
}

// Dispatch runs every sink best-effort and logs failures instead of
// propagating them; notification trouble never rolls back a state change.
func Dispatch(ctx context.Context, sinks []Delivery, envs []Envelope) {
	if len(envs) == 0 {
		return
	}
	for _, sink := range sinks {
		if err := sink.Deliver(ctx, envs); err != nil {
			log.Printf("notify: deliver: %v", err)
		}
	}
}

// LogSink writes envelopes to the process log. Default sink when no webhook
// is configured, and the audit trail either way.
type LogSink struct {
	Logger *log.Logger
}

func (s LogSink) Deliver(_ context.Context, envs []Envelope) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	for _, e := range envs {
		payload, _ := json.Marshal(e.Payload)
		logger.Printf("notify %s project=%s/%s mode=%s to=%v %s",
			e.Intent, e.CommunityID, e.ProjectID, e.Mode, e.Recipients, payload)
	}
	return nil
}

// WebhookSink POSTs each envelope as JSON to a configured endpoint. The
// receiving bridge owns rendering and the actual chat delivery.
type WebhookSink struct {
	URL    string
	Client *http.Client
}

func NewWebhookSink(url string) *WebhookSink {
	return &WebhookSink{
		URL:    url,
		Client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *WebhookSink) Deliver(ctx context.Context, envs []Envelope) error {
	var firstErr error
	for _, e := range envs {
		if err := s.post(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *WebhookSink) post(ctx context.Context, e Envelope) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := s.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("post %s: %w", s.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %s: status %d", s.URL, resp.StatusCode)
	}
	return nil
}
