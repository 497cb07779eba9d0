// Package ipfixfwd is an IPFIX (RFC 7011) forwarder: it collects IPFIX
// messages from exporters and re-transmits them to one or more downstream
// collectors, keeping each destination's template state consistent with the
// data it receives.
//
// # Architecture
//
//	┌──────────────┐   session open/close    ┌────────────────────┐
//	│  Exporters   │ ──────────────────────→ │  input/collector   │
//	│ (UDP / TCP)  │      IPFIX packets      │  parse + sessions  │
//	└──────────────┘                         └─────────┬──────────┘
//	                                                   │ ipfix.Msg
//	                                                   ↓
//	                                         ┌────────────────────┐
//	                                         │ output/forwarding  │
//	                                         │ router + strategy  │
//	                                         │ template currency  │
//	                                         │ reconnect loop     │
//	                                         └─────────┬──────────┘
//	                          ┌────────────────────────┼───────────────────┐
//	                          ↓                        ↓                   ↓
//	                   ┌────────────┐          ┌────────────┐      ┌──────────────┐
//	                   │ collector A│          │ collector B│      │ NATS events  │
//	                   └────────────┘          └────────────┘      │ (optional)   │
//	                                                               └──────────────┘
//
// The forwarder keeps one Connection per destination for every open
// upstream session. In "all" mode each data message goes to every
// destination; in "round robin" mode it goes to the next reachable one.
// Before data is sent on a connection whose last transmitted template set
// differs from the message's, the full template set is sent first.
//
// # Packages
//
// Wire format:
//   - ipfix: message header, sets, templates, template snapshots, parser
//   - builder: re-segments data and template sets into MTU-bounded packets
//   - sender: TCP/UDP transports reporting OK, CLOSED or INVALID
//
// Components:
//   - input/collector: UDP and TCP listeners producing session events
//   - output/forwarding: the forwarder
//
// Infrastructure:
//   - component: lifecycle contracts and the start/stop registry
//   - config: file loading, schema validation, env overrides
//   - errors: classified errors (transient, invalid, fatal)
//   - health: component health aggregation
//   - metric: Prometheus registry and the /metrics + /health server
//   - natsclient: NATS connection with circuit breaker for event publishing
//   - pkg/retry, pkg/timestamp, pkg/tlsutil: helpers
//
// # Binary
//
//	ipfixfwd --config /etc/ipfixfwd/ipfixfwd.yaml
//	ipfixfwd --config ipfixfwd.yaml --validate
//
// See cmd/ipfixfwd and the config package for the file format.
package ipfixfwd
