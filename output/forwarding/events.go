package forwarding

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType names a connection lifecycle event
type EventType string

const (
	EventEstablished EventType = "established"
	EventFailed      EventType = "failed"
	EventLost        EventType = "lost"
	EventRestored    EventType = "restored"
	EventRemoved     EventType = "removed"
	EventDropped     EventType = "dropped"
)

// Event is published for every connection state change
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Destination string    `json:"destination,omitempty"`
	Session     string    `json:"session,omitempty"`
	LocalPort   int       `json:"local_port,omitempty"`
	Error       string    `json:"error,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// Publisher delivers encoded events. *natsclient.Client implements it.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

const eventQueueSize = 256

// eventSink decouples publishing from the forwarding lock. Events are
// dropped when the queue is full.
type eventSink struct {
	publisher Publisher
	subject   string
	logger    *slog.Logger

	queue chan Event
	done  chan struct{}
	once  sync.Once
}

func newEventSink(p Publisher, subject string, logger *slog.Logger) *eventSink {
	if p == nil {
		return nil
	}
	return &eventSink{
		publisher: p,
		subject:   subject,
		logger:    logger,
		queue:     make(chan Event, eventQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *eventSink) emit(ev Event) {
	if s == nil {
		return
	}
	ev.ID = uuid.NewString()
	ev.Timestamp = time.Now().UTC()

	select {
	case s.queue <- ev:
	default:
		s.logger.Debug("Event queue full, dropping event", "type", ev.Type, "destination", ev.Destination)
	}
}

// connectionEvent reports a state change of conn
func (f *Forwarder) connectionEvent(typ EventType, conn *Connection, err error) {
	if f.events == nil {
		return
	}
	ev := Event{
		Type:        typ,
		Destination: conn.group.label(),
		Session:     conn.session.String(),
		LocalPort:   conn.transport.LocalPort(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	f.events.emit(ev)
}

// run publishes queued events until ctx is cancelled or close is called
func (s *eventSink) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			s.drain(ctx)
			return
		case ev := <-s.queue:
			s.publish(ctx, ev)
		}
	}
}

func (s *eventSink) drain(ctx context.Context) {
	for {
		select {
		case ev := <-s.queue:
			s.publish(ctx, ev)
		default:
			return
		}
	}
}

func (s *eventSink) publish(ctx context.Context, ev Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Warn("Failed to encode event", "type", ev.Type, "error", err)
		return
	}
	subject := s.subject + "." + string(ev.Type)
	if err := s.publisher.Publish(ctx, subject, data); err != nil {
		s.logger.Debug("Failed to publish event", "subject", subject, "error", err)
	}
}

func (s *eventSink) close() {
	if s == nil {
		return
	}
	s.once.Do(func() { close(s.done) })
}
