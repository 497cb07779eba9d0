// Package forwarding re-transmits collected IPFIX messages to downstream
// collectors.
//
// # Connections
//
// The Forwarder keeps one Connection per (destination, upstream session).
// Opening a session dials every configured destination; a destination that
// cannot be reached is registered anyway with status closed and queued on
// the idle list. Closing a session destroys all of its connections.
//
// # Modes
//
// In "all" mode every data message is sent to each destination that holds
// a usable connection for the message's session. Failures are isolated per
// destination.
//
// In "round robin" mode a cursor remembers the last destination that
// accepted a message. The next message is offered to the destinations after
// it in registration order, stopping at the first successful send. A failed
// send demotes that connection and the scan continues with the following
// destination. When the ring is exhausted the message is dropped.
//
// # Template currency
//
// Each connection remembers the template snapshot it last delivered. When a
// data message refers to a different snapshot the Forwarder first sends every
// template of that snapshot in a separate packet. Data is only sent once the
// resync succeeded.
//
// # Reconnection
//
// A background loop wakes every CheckRate and redials idle connections under
// the same lock that serialises message handling. Promoted connections start
// again with no snapshot, so the next message resyncs their templates.
//
// Sequence numbers are kept per connection and per observation domain; each
// counter advances by the number of data records in every packet sent.
package forwarding
