// Package config loads the ipfixfwd configuration.
//
// A configuration file is JSON (.json) or YAML (.yaml, .yml) with four
// sections:
//
//	collector:
//	  udp: ":4739"
//	  tcp: ":4739"
//	  udp_session_timeout: 10m
//	forwarder:
//	  protocol: tcp          # tcp or udp, any case
//	  mode: round robin      # all, "round robin" or round-robin, any case
//	  mtu: 1500
//	  check_rate: 5s         # a duration or a number of seconds
//	  destinations:
//	    - {name: primary, address: 10.0.0.1, port: 4739}
//	    - {name: backup, address: 10.0.0.2, port: 4739}
//	nats:
//	  enabled: true
//	  urls: ["tls://nats.example.com:4222"]
//	  drain_timeout: 5s
//	  tls:
//	    enabled: true
//	    ca_files: [/etc/ipfixfwd/ca.pem]
//	metrics:
//	  enabled: true
//	  port: 9090
//	  path: /metrics
//	  tls: {enabled: false}
//
// # Loading
//
// Loader starts from Default, applies each file layer in order, then the
// IPFIXFWD_* environment variables, and finally validates the result:
//
//	loader := config.NewLoader()
//	loader.AddLayer("/etc/ipfixfwd/base.yaml")
//	loader.AddLayer("/etc/ipfixfwd/site.yaml") // Overrides base
//	cfg, err := loader.Load()
//
// Every file is checked against the embedded JSON schema (see Schema) before
// it is merged, so unknown keys and wrongly typed values are reported with
// their path. Semantic checks such as the mode name, MTU bounds and the
// presence of at least one destination happen in Config.Validate. An unknown
// mode is a fatal error; every other problem is invalid.
//
// # Environment
//
//	IPFIXFWD_MODE            forwarder.mode
//	IPFIXFWD_PROTOCOL        forwarder.protocol
//	IPFIXFWD_COLLECTOR_UDP   collector.udp
//	IPFIXFWD_COLLECTOR_TCP   collector.tcp
//	IPFIXFWD_NATS_URLS       nats.urls (comma separated), enables nats
//	IPFIXFWD_NATS_USERNAME   nats.username
//	IPFIXFWD_NATS_PASSWORD   nats.password
//	IPFIXFWD_NATS_TOKEN      nats.token
//	IPFIXFWD_METRICS_PORT    metrics.port
package config
