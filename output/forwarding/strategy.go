package forwarding

import (
	"time"

	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/sender"
)

// strategy picks the destinations of one prepared data message. It is only
// called with the forwarder lock held.
type strategy interface {
	forward(f *Forwarder, session *ipfix.Session)
}

func newStrategy(mode Mode, destinations int) strategy {
	switch mode {
	case ModeAll:
		return allStrategy{}
	case ModeRoundRobin:
		return newRoundRobin(destinations)
	default:
		return nil
	}
}

// allStrategy sends to every destination independently
type allStrategy struct{}

func (allStrategy) forward(f *Forwarder, session *ipfix.Session) {
	for _, g := range f.groups {
		conn := g.lookup(session)
		if conn == nil || conn.status == sender.StatusClosed {
			continue
		}
		f.deliver(conn)
	}
}

// roundRobin keeps the index of the last destination that accepted a
// message. It starts on the last destination so the first message goes to
// the first one.
type roundRobin struct {
	cursor int
}

func newRoundRobin(destinations int) *roundRobin {
	return &roundRobin{cursor: destinations - 1}
}

func (r *roundRobin) forward(f *Forwarder, session *ipfix.Session) {
	n := len(f.groups)
	for step := 1; step <= n; step++ {
		idx := (r.cursor + step) % n
		conn := f.groups[idx].lookup(session)
		if conn == nil || conn.status == sender.StatusClosed {
			continue
		}
		if f.deliver(conn) == sender.StatusOK {
			r.cursor = idx
			return
		}
	}
	f.dropMessage(session)
}

// dropMessage accounts for a message no destination accepted
func (f *Forwarder) dropMessage(session *ipfix.Session) {
	f.stats.messagesDropped.Add(1)
	f.metrics.recordDropped()

	if f.dropLog.Allow() {
		f.logger.Error("All destinations are unreachable, dropping message",
			"session", session.String(),
			"dropped_total", f.stats.messagesDropped.Load())
		f.events.emit(Event{Type: EventDropped, Session: session.String()})
	}
	f.stats.lastActivity.Store(time.Now())
}
