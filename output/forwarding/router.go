package forwarding

import (
	"context"
	"fmt"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/pkg/timestamp"
	"github.com/c360/ipfixfwd/sender"
)

// ProcessMessage handles session lifecycle events and prepares data messages
// for Forward. A malformed data message is rejected with an error and leaves
// nothing to forward.
func (f *Forwarder) ProcessMessage(msg ipfix.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.process(msg)
}

// Forward dispatches a data message according to the configured mode. The
// message is prepared first unless it is the one ProcessMessage just handled.
// Per-destination failures are not returned.
func (f *Forwarder) Forward(msg *ipfix.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.current.msg != msg {
		if err := f.prepare(msg); err != nil {
			return err
		}
	}
	return f.forward()
}

// Handle processes msg and, for data messages, forwards it under the same
// lock acquisition
func (f *Forwarder) Handle(msg ipfix.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.process(msg); err != nil {
		return err
	}
	if msg.Kind() == ipfix.KindData {
		return f.forward()
	}
	return nil
}

func (f *Forwarder) process(msg ipfix.Msg) error {
	switch m := msg.(type) {
	case *ipfix.SessionMessage:
		if m.Session == nil {
			return errors.WrapInvalid(errors.ErrUnknownSession, "forwarder", "ProcessMessage", "session check")
		}
		switch m.Event {
		case ipfix.SessionOpen:
			f.openSession(m.Session)
		case ipfix.SessionClose:
			f.closeSession(m.Session)
		}
		return nil
	case *ipfix.Message:
		return f.prepare(m)
	default:
		return errors.WrapInvalid(fmt.Errorf("%w: message kind %v", errors.ErrUnsupported, msg.Kind()),
			"forwarder", "ProcessMessage", "message classification")
	}
}

// openSession creates one connection per destination. Destinations that
// cannot be reached are registered closed and queued for reconnection.
func (f *Forwarder) openSession(session *ipfix.Session) {
	for _, g := range f.groups {
		if g.lookup(session) != nil {
			f.logger.Warn("Session already open", "session", session.String(), "destination", g.dest.String())
			continue
		}

		conn := newConnection(g, session, f.newTransport(g.dest, f.protocol))
		g.conns[session.ID] = conn

		state := "established"
		if err := conn.transport.Connect(context.Background()); err != nil {
			conn.status = sender.StatusClosed
			f.idle[conn] = struct{}{}
			state = "not established"
			f.connectionEvent(EventFailed, conn, err)
		} else {
			conn.status = sender.StatusOK
			f.connectionEvent(EventEstablished, conn, nil)
		}

		f.logger.Info("Connection added",
			"local_port", conn.transport.LocalPort(),
			"destination", g.dest.String(),
			"session", session.String(),
			"state", state)
	}
	f.metrics.observeConnections(f.groups, len(f.idle))
}

// closeSession destroys the connections serving session on every
// destination
func (f *Forwarder) closeSession(session *ipfix.Session) {
	for _, g := range f.groups {
		conn := g.lookup(session)
		if conn == nil {
			continue
		}

		f.logger.Info("Connection removed",
			"local_port", conn.transport.LocalPort(),
			"destination", g.dest.String(),
			"session", session.String())
		f.connectionEvent(EventRemoved, conn, nil)

		_ = conn.transport.Close()
		delete(g.conns, session.ID)
		delete(f.idle, conn)
	}

	if f.current.msg != nil && f.current.msg.Session != nil && f.current.msg.Session.ID == session.ID {
		f.current = current{}
	}
	f.metrics.observeConnections(f.groups, len(f.idle))
}

// prepare loads the data sets of msg into the data builder and captures the
// snapshot of its first data record
func (f *Forwarder) prepare(msg *ipfix.Message) error {
	f.current = current{}

	if msg == nil || msg.Session == nil {
		return errors.WrapInvalid(errors.ErrUnknownSession, "forwarder", "prepare", "session check")
	}

	end := msg.End()
	for _, s := range msg.Sets {
		if s.Length < ipfix.SetHeaderLen || s.Offset+s.Length > end {
			err := errors.WrapInvalid(
				fmt.Errorf("%w: set %d at offset %d overruns message end %d",
					errors.ErrMalformedMessage, s.ID, s.Offset, end),
				"forwarder", "prepare", "set bounds check")
			f.stats.malformed.Add(1)
			f.metrics.recordMalformed()
			f.recordError(err)
			return err
		}
	}

	counts := make([]int, len(msg.Sets))
	for _, r := range msg.Records {
		if r.SetIndex >= 0 && r.SetIndex < len(counts) {
			counts[r.SetIndex]++
		}
	}

	f.data.Start(msg.Header.ODID, msg.Header.ExportTime)
	for i, s := range msg.Sets {
		if !s.IsData() {
			continue
		}
		f.data.AddDataSet(msg.Raw[s.Offset+ipfix.SetHeaderLen:s.Offset+s.Length], s.ID, counts[i])
	}
	if err := f.data.End(f.mtu); err != nil {
		return errors.Wrap(err, "forwarder", "prepare", "packet assembly")
	}

	f.current = current{
		msg:        msg,
		snapshot:   msg.Snapshot(),
		odid:       msg.Header.ODID,
		exportTime: msg.Header.ExportTime,
	}

	f.logger.Debug("Message prepared",
		"session", msg.Session.String(),
		"odid", msg.Header.ODID,
		"export_time", timestamp.Format(msg.Header.ExportTime),
		"packets", f.data.PacketCount())
	return nil
}

func (f *Forwarder) forward() error {
	if f.current.msg == nil || f.data.PacketCount() == 0 {
		return nil
	}
	if f.strategy == nil {
		f.logger.Error("Unknown operational mode", "mode", f.config.Mode)
		return errors.WrapFatal(fmt.Errorf("%w: %q", errors.ErrUnknownMode, f.config.Mode),
			"forwarder", "Forward", "mode dispatch")
	}
	f.strategy.forward(f, f.current.msg.Session)
	return nil
}
