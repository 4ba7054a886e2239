package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

// Webhook POSTs node.offline alerts as JSON to a fixed URL. Delivery happens
// on a background goroutine so Notify never waits on the network.
type Webhook struct {
	url    string
	client *http.Client
	queue  chan Event
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
		queue:  make(chan Event, 128),
	}
}

func (w *Webhook) Notify(_ context.Context, evt Event) {
	if evt.Type != NodeOffline {
		return
	}
	select {
	case w.queue <- evt:
	default:
		log.Warn().Str("component", "webhook").Str("node", evt.NodeID).Msg("alert queue full, dropping")
	}
}

// Run delivers queued alerts until ctx is done.
func (w *Webhook) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt := <-w.queue:
			if err := w.post(ctx, evt); err != nil {
				log.Error().Err(err).Str("component", "webhook").Str("node", evt.NodeID).Msg("alert delivery failed")
			}
		}
	}
}

func (w *Webhook) post(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}
