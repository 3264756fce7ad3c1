package feed

import (
	"context"
	"time"

	"github.com/dunamismax/reelflow/internal/domain"
)

type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
)

// Event is one change to a job row. Delivery is at-least-once; consumers
// must tolerate duplicates.
type Event struct {
	Type EventType  `json:"type"`
	Job  domain.Job `json:"job"`
	At   time.Time  `json:"at"`
}

func NewEvent(t EventType, job domain.Job) Event {
	return Event{Type: t, Job: job, At: time.Now().UTC()}
}

type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Subscriber streams events for a single generation. The channel closes when
// ctx ends or the subscription is dropped; consumers re-subscribe and
// refetch.
type Subscriber interface {
	Subscribe(ctx context.Context, generationID string) (<-chan Event, error)
}

type Broker interface {
	Publisher
	Subscriber
}

// Fanout publishes to the primary broker and then to every sink. Sink
// errors never fail the publish.
type Fanout struct {
	Broker
	sinks   []Publisher
	onError func(error)
}

func NewFanout(primary Broker, onError func(error), sinks ...Publisher) *Fanout {
	if onError == nil {
		onError = func(error) {}
	}
	return &Fanout{Broker: primary, sinks: sinks, onError: onError}
}

func (f *Fanout) Publish(ctx context.Context, ev Event) error {
	if err := f.Broker.Publish(ctx, ev); err != nil {
		return err
	}
	for _, sink := range f.sinks {
		if err := sink.Publish(ctx, ev); err != nil {
			f.onError(err)
		}
	}
	return nil
}
