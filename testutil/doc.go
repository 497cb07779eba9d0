// Package testutil provides shared helpers for ipfixfwd tests.
//
// PacketBuilder assembles raw IPFIX messages byte by byte so tests can feed
// the parser, the collector and the forwarder with exact wire input:
//
//	raw := testutil.NewPacket(1, 1000, 0).
//	    Template(256, testutil.F(8, 4), testutil.F(12, 4)).
//	    Data(256, testutil.U32(0x0a000001, 0x0a000002)).
//	    Bytes()
//
// MockSender is an in-memory transport that records every packet handed to
// it and can be told to refuse connections or fail sends. MockNATSClient
// stands in for natsclient.Client wherever only Publish is needed.
//
// Mocks are safe for concurrent use. Prefer real sockets (see the sender
// tests) or testcontainers for NATS when the behaviour under test depends on
// the transport itself.
package testutil
