// Package collector receives IPFIX from exporters over UDP and TCP and hands
// the decoded messages to a Handler, normally the forwarder.
//
// Every exporter is tracked as an ipfix.Session. A TCP session lives as long
// as its connection. UDP has no connection, so a UDP session is keyed by the
// exporter's address and ends after udp_session_timeout without traffic.
// The Handler sees, for every session and in this order:
//
//   - one SessionMessage with SessionOpen
//   - zero or more *ipfix.Message, in arrival order
//   - one SessionMessage with SessionClose
//
// Template state is kept by an ipfix.Parser per (session, observation domain)
// and is discarded when the session closes.
//
// # Usage
//
//	c, err := collector.NewCollector(collector.CollectorDeps{
//		Config:  collector.Config{UDP: ":4739", TCP: ":4739"},
//		Handler: fwd,
//	})
//	if err != nil {
//		return err
//	}
//	if err := c.Initialize(); err != nil {
//		return err
//	}
//	if err := c.Start(ctx); err != nil {
//		return err
//	}
//	defer c.Stop(5 * time.Second)
//
// # Framing
//
// UDP datagrams carry one IPFIX message each. On TCP the stream is split on
// the length field of each message header; a header announcing less than 16
// bytes or a version other than 10 closes the connection.
package collector
