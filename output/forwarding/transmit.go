package forwarding

import (
	"fmt"
	"time"

	"github.com/c360/ipfixfwd/builder"
	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/sender"
)

// deliver sends the prepared message on conn, resynchronising templates
// first when the connection is behind. A failure updates the connection
// status and is returned.
func (f *Forwarder) deliver(conn *Connection) sender.Status {
	if !f.hasLatestTemplates(conn) {
		if st := f.updateTemplates(conn); st != sender.StatusOK {
			f.sendFailed(conn, st, "template resync")
			return st
		}
	}

	if st := f.transmit(f.data, conn, true); st != sender.StatusOK {
		f.sendFailed(conn, st, "data")
		return st
	}

	conn.status = sender.StatusOK
	f.stats.messagesForwarded.Add(1)
	f.stats.lastActivity.Store(time.Now())
	f.metrics.recordForwarded(conn.group.label())
	f.logger.Debug("Message forwarded", "destination", conn.group.dest.String())
	return sender.StatusOK
}

// hasLatestTemplates reports whether conn already holds the snapshot of the
// prepared message. A message without a snapshot never needs a resync.
func (f *Forwarder) hasLatestTemplates(conn *Connection) bool {
	return f.current.snapshot == nil || conn.snapshot == f.current.snapshot
}

// updateTemplates sends every template of the prepared message's snapshot
// in a separate packet series. The connection's snapshot only moves forward
// when the send succeeds.
func (f *Forwarder) updateTemplates(conn *Connection) sender.Status {
	snap := f.current.snapshot
	if snap == nil {
		return sender.StatusOK
	}

	b := f.templates
	b.Start(f.current.odid, f.current.exportTime)
	for t := range snap.All() {
		b.AddTemplate(t.Raw, t.ID, t.Type)
	}
	if err := b.End(f.mtu); err != nil {
		f.logger.Error("Failed to assemble template packets", "error", err)
		f.recordError(err)
		return sender.StatusInvalid
	}

	st := f.transmit(b, conn, true)
	if st != sender.StatusOK {
		return st
	}

	conn.snapshot = snap
	f.stats.templateResyncs.Add(1)
	f.metrics.recordResync(conn.group.label())
	f.logger.Debug("Templates sent",
		"destination", conn.group.dest.String(), "templates", snap.Len(), "odid", f.current.odid)
	return sender.StatusOK
}

// transmit sends every packet of b on conn. Sequence numbers are tracked per
// observation domain and advance by the records of each packet sent. Only
// the first packet honours required; the rest are always required. The
// first non-ok status stops the transmission.
func (f *Forwarder) transmit(b *builder.Builder, conn *Connection, required bool) sender.Status {
	odid := b.ODID()
	if _, ok := conn.seqNums[odid]; !ok {
		conn.seqNums[odid] = 0
	}

	for i := 0; i < b.PacketCount(); i++ {
		seq := conn.seqNums[odid]
		bufs, size, records, err := b.Packet(seq, i)
		if err != nil {
			f.logger.Error("Failed to build packet", "index", i, "error", err)
			f.recordError(err)
			return sender.StatusInvalid
		}

		if st := conn.transport.SendParts(bufs, size, sender.ModeNonBlocking, required); st != sender.StatusOK {
			return st
		}

		conn.seqNums[odid] = seq + uint32(records)
		f.stats.bytesForwarded.Add(int64(size))
		required = true
	}
	return sender.StatusOK
}

// sendFailed records a failed send. A closed transport demotes the
// connection to the idle set and forgets its snapshot so templates are
// resent after reconnection.
func (f *Forwarder) sendFailed(conn *Connection, st sender.Status, what string) {
	dest := conn.group.dest.String()
	err := errors.WrapTransient(fmt.Errorf("%w: %s send %s", errors.ErrConnectionLost, what, st),
		"forwarder", "Forward", "send to "+dest)

	f.stats.sendFailures.Add(1)
	f.metrics.recordFailure(conn.group.label(), st)
	f.recordError(err)
	conn.status = st

	if st != sender.StatusClosed {
		f.logger.Warn("Send rejected", "destination", dest, "stage", what, "status", st.String())
		return
	}

	f.logger.Warn("Failed to forward message", "destination", dest, "stage", what)
	conn.snapshot = nil
	f.idle[conn] = struct{}{}
	f.connectionEvent(EventLost, conn, err)
	f.metrics.observeConnections(f.groups, len(f.idle))
}
