package feed

import (
	"context"
	"time"

	"github.com/dunamismax/reelflow/internal/webhook"
)

// WebhookSink forwards terminal job events to an HTTP endpoint. Delivery
// runs in the background so a slow receiver never delays job completion.
type WebhookSink struct {
	client   *webhook.Client
	endpoint string
	timeout  time.Duration
	onError  func(error)
}

func NewWebhookSink(client *webhook.Client, endpoint string, onError func(error)) *WebhookSink {
	if onError == nil {
		onError = func(error) {}
	}
	return &WebhookSink{client: client, endpoint: endpoint, timeout: time.Minute, onError: onError}
}

func (s *WebhookSink) Publish(ctx context.Context, ev Event) error {
	if !ev.Job.Terminal() {
		return nil
	}
	go func() {
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.client.Send(sendCtx, s.endpoint, "job."+ev.Job.Status, ev); err != nil {
			s.onError(err)
		}
	}()
	return nil
}
