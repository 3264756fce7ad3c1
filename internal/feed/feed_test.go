package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dunamismax/reelflow/internal/domain"
	"github.com/dunamismax/reelflow/internal/webhook"
)

func jobEvent(id, status string) Event {
	return NewEvent(EventUpdate, domain.Job{ID: id, GenerationID: "gen-1", Status: status})
}

func TestHubDeliversInOrderPerGeneration(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Subscribe(ctx, "gen-1")
	require.NoError(t, err)

	other, err := hub.Subscribe(ctx, "gen-2")
	require.NoError(t, err)

	require.NoError(t, hub.Publish(ctx, jobEvent("job-1", domain.JobStatusGenerating)))
	require.NoError(t, hub.Publish(ctx, jobEvent("job-1", domain.JobStatusCompleted)))

	first := <-events
	second := <-events
	assert.Equal(t, domain.JobStatusGenerating, first.Job.Status)
	assert.Equal(t, domain.JobStatusCompleted, second.Job.Status)

	select {
	case ev := <-other:
		t.Fatalf("unexpected event for other generation: %+v", ev)
	default:
	}
}

func TestHubClosesOnCancel(t *testing.T) {
	hub := NewHub()
	ctx, cancel := context.WithCancel(context.Background())
	events, err := hub.Subscribe(ctx, "gen-1")
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("subscription not closed after cancel")
	}
	assert.Eventually(t, func() bool { return hub.Subscribers("gen-1") == 0 }, time.Second, 5*time.Millisecond)
}

func TestHubDropsSlowSubscriber(t *testing.T) {
	hub := NewHub()
	hub.buffer = 2
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := hub.Subscribe(ctx, "gen-1")
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, hub.Publish(ctx, jobEvent("job-1", domain.JobStatusGenerating)))
	}

	received := 0
	for range events {
		received++
	}
	assert.Equal(t, 2, received)
	assert.Equal(t, 0, hub.Subscribers("gen-1"))
}

type recordingPublisher struct {
	events []Event
	err    error
}

func (p *recordingPublisher) Publish(_ context.Context, ev Event) error {
	p.events = append(p.events, ev)
	return p.err
}

func TestFanoutIgnoresSinkErrors(t *testing.T) {
	var sinkErrs []error
	failing := &recordingPublisher{err: errors.New("sink down")}
	ok := &recordingPublisher{}

	f := NewFanout(NewHub(), func(err error) { sinkErrs = append(sinkErrs, err) }, failing, ok)
	require.NoError(t, f.Publish(context.Background(), jobEvent("job-1", domain.JobStatusFailed)))

	assert.Len(t, failing.events, 1)
	assert.Len(t, ok.events, 1)
	assert.Len(t, sinkErrs, 1)
}

func TestWebhookSinkSendsTerminalEventsOnly(t *testing.T) {
	got := make(chan string, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- r.Header.Get(webhook.HeaderEvent)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewWebhookSink(webhook.NewClient(webhook.Config{MaxAttempts: 1}), srv.URL, nil)
	require.NoError(t, sink.Publish(context.Background(), jobEvent("job-1", domain.JobStatusGenerating)))
	require.NoError(t, sink.Publish(context.Background(), jobEvent("job-1", domain.JobStatusCompleted)))

	select {
	case evt := <-got:
		assert.Equal(t, "job.completed", evt)
	case <-time.After(2 * time.Second):
		t.Fatal("webhook not delivered")
	}
	select {
	case evt := <-got:
		t.Fatalf("unexpected extra delivery %q", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestChannelName(t *testing.T) {
	assert.Equal(t, "reelflow:feed:gen-1", Channel("gen-1"))
}
