package collector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/ipfixfwd/component"
	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/pkg/retry"
)

// Handler consumes session events and decoded messages.
// *forwarding.Forwarder implements it.
type Handler interface {
	Handle(msg ipfix.Msg) error
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(msg ipfix.Msg) error

// Handle implements Handler
func (f HandlerFunc) Handle(msg ipfix.Msg) error { return f(msg) }

// CollectorDeps holds runtime dependencies of the Collector
type CollectorDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Listener configuration
	Handler         Handler                 // Required
	Parser          *ipfix.Parser           // Optional, one is created when nil
	MetricsRegistry *metric.MetricsRegistry // Optional
	Logger          *slog.Logger            // Optional
}

// Collector listens for IPFIX exporters
type Collector struct {
	name        string
	config      Config
	handler     Handler
	parser      *ipfix.Parser
	logger      *slog.Logger
	metrics     *Metrics
	retryConfig retry.Config

	nextSession atomic.Uint64

	// Lifecycle management
	mu          sync.Mutex
	running     atomic.Bool
	shutdown    chan struct{}
	wg          sync.WaitGroup
	startTime   time.Time
	udpConn     *net.UDPConn
	tcpListener net.Listener
	tcpConns    map[net.Conn]*ipfix.Session
	udpSessions map[string]*udpSession

	// Metrics (atomic for thread safety)
	packetsReceived atomic.Int64
	bytesReceived   atomic.Int64
	parseErrors     atomic.Int64
	handlerErrors   atomic.Int64
	lastActivity    atomic.Value // time.Time
	lastError       atomic.Value // string
}

// Stats is a snapshot of collector counters
type Stats struct {
	PacketsReceived int64 `json:"packets_received"`
	BytesReceived   int64 `json:"bytes_received"`
	ParseErrors     int64 `json:"parse_errors"`
	HandlerErrors   int64 `json:"handler_errors"`
	UDPSessions     int   `json:"udp_sessions"`
	TCPSessions     int   `json:"tcp_sessions"`
}

// Ensure Collector implements all required interfaces
var _ component.LifecycleComponent = (*Collector)(nil)

// NewCollector validates the configuration and creates a stopped collector
func NewCollector(deps CollectorDeps) (*Collector, error) {
	cfg := deps.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "collector", "NewCollector", "config validation")
	}
	if deps.Handler == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: nil handler", errors.ErrMissingConfig),
			"collector", "NewCollector", "handler validation")
	}

	name := deps.Name
	if name == "" {
		name = "collector"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "collector")
	}

	parser := deps.Parser
	if parser == nil {
		parser = ipfix.NewParser(logger)
	}

	c := &Collector{
		name:        name,
		config:      cfg,
		handler:     deps.Handler,
		parser:      parser,
		logger:      logger,
		metrics:     newMetrics(deps.MetricsRegistry, name),
		retryConfig: retry.Quick(),
		startTime:   time.Now(),
		tcpConns:    make(map[net.Conn]*ipfix.Session),
		udpSessions: make(map[string]*udpSession),
	}
	c.lastActivity.Store(time.Time{})
	c.lastError.Store("")
	return c, nil
}

// Meta returns the component metadata
func (c *Collector) Meta() component.Metadata {
	return component.Metadata{
		Name:        c.name,
		Type:        "input",
		Description: fmt.Sprintf("IPFIX collector (udp %q, tcp %q)", c.config.UDP, c.config.TCP),
		Version:     "1.0.0",
	}
}

// InputPorts returns one network port per configured listener
func (c *Collector) InputPorts() []component.Port {
	var ports []component.Port
	for _, l := range []struct{ protocol, addr string }{{"udp", c.config.UDP}, {"tcp", c.config.TCP}} {
		if l.addr == "" {
			continue
		}
		host, port, _ := splitAddress(l.addr)
		ports = append(ports, component.Port{
			Name:        l.protocol + "_listener",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: fmt.Sprintf("IPFIX over %s on %s", l.protocol, l.addr),
			Config: component.NetworkPort{
				Protocol: l.protocol,
				Host:     host,
				Port:     port,
			},
		})
	}
	return ports
}

// OutputPorts returns the handler port
func (c *Collector) OutputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "ipfix_messages",
			Direction:   component.DirectionOutput,
			Required:    true,
			Description: "Session events and parsed IPFIX messages",
		},
	}
}

// ConfigSchema returns the configuration schema for this component
func (c *Collector) ConfigSchema() component.ConfigSchema {
	return collectorSchema
}

var collectorSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"udp": {
			Type:        "string",
			Description: "UDP listen address, empty to disable",
			Default:     DefaultAddress,
			Category:    "basic",
		},
		"tcp": {
			Type:        "string",
			Description: "TCP listen address, empty to disable",
			Default:     DefaultAddress,
			Category:    "basic",
		},
		"udp_session_timeout": {
			Type:        "string",
			Description: "Inactivity after which a UDP exporter session is closed",
			Default:     DefaultSessionTimeout.String(),
			Category:    "advanced",
		},
	},
}

// Health reports healthy while every configured listener is bound
func (c *Collector) Health() component.HealthStatus {
	c.mu.Lock()
	bound := (c.config.UDP == "" || c.udpConn != nil) && (c.config.TCP == "" || c.tcpListener != nil)
	c.mu.Unlock()

	lastError, _ := c.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    c.running.Load() && bound,
		LastCheck:  time.Now(),
		ErrorCount: int(c.parseErrors.Load() + c.handlerErrors.Load()),
		LastError:  lastError,
		Uptime:     time.Since(c.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (c *Collector) DataFlow() component.FlowMetrics {
	packets := c.packetsReceived.Load()
	bytes := c.bytesReceived.Load()
	errorCount := c.parseErrors.Load() + c.handlerErrors.Load()
	lastActivity, _ := c.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(c.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(packets) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if packets > 0 {
		errorRate = float64(errorCount) / float64(packets)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Stats returns the collector counters
func (c *Collector) Stats() Stats {
	c.mu.Lock()
	udp, tcp := len(c.udpSessions), len(c.tcpConns)
	c.mu.Unlock()
	return Stats{
		PacketsReceived: c.packetsReceived.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		ParseErrors:     c.parseErrors.Load(),
		HandlerErrors:   c.handlerErrors.Load(),
		UDPSessions:     udp,
		TCPSessions:     tcp,
	}
}

// UDPAddr returns the bound UDP address, or nil when not listening
func (c *Collector) UDPAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.udpConn == nil {
		return nil
	}
	return c.udpConn.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil when not listening
func (c *Collector) TCPAddr() net.Addr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tcpListener == nil {
		return nil
	}
	return c.tcpListener.Addr()
}

// Initialize checks the listen addresses
func (c *Collector) Initialize() error {
	return c.config.Validate()
}

// Start binds the configured listeners, retrying briefly, and starts the
// receive loops
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "collector", "Start", "state check")
	}

	if err := retry.Do(ctx, c.retryConfig, c.bindLocked); err != nil {
		c.closeListenersLocked()
		return errors.WrapTransient(err, "collector", "Start", "socket binding")
	}

	c.shutdown = make(chan struct{})
	c.running.Store(true)
	c.startTime = time.Now()

	if c.udpConn != nil {
		c.wg.Add(1)
		go func(conn *net.UDPConn) {
			defer c.wg.Done()
			c.readUDP(ctx, conn)
		}(c.udpConn)
		c.logger.Info("Listening for IPFIX", "transport", "udp", "address", c.udpConn.LocalAddr().String())
	}
	if c.tcpListener != nil {
		c.wg.Add(1)
		go func(ln net.Listener) {
			defer c.wg.Done()
			c.acceptTCP(ln)
		}(c.tcpListener)
		c.logger.Info("Listening for IPFIX", "transport", "tcp", "address", c.tcpListener.Addr().String())
	}

	// Cancellation of ctx closes the sockets so blocked reads return
	shutdown := c.shutdown
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-ctx.Done():
			c.mu.Lock()
			c.closeListenersLocked()
			c.mu.Unlock()
		case <-shutdown:
		}
	}()

	return nil
}

// bindLocked opens whichever listeners are not yet open
func (c *Collector) bindLocked() error {
	if c.config.UDP != "" && c.udpConn == nil {
		addr, err := net.ResolveUDPAddr("udp", c.config.UDP)
		if err != nil {
			return retry.Permanent(fmt.Errorf("failed to resolve UDP address %s: %w", c.config.UDP, err))
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on UDP %s: %w", c.config.UDP, err)
		}
		const socketBufferSize = 4 * 1024 * 1024
		if err := conn.SetReadBuffer(socketBufferSize); err != nil {
			c.logger.Warn("Could not set UDP buffer size", "buffer_size", socketBufferSize, "error", err)
		}
		c.udpConn = conn
	}
	if c.config.TCP != "" && c.tcpListener == nil {
		ln, err := net.Listen("tcp", c.config.TCP)
		if err != nil {
			return fmt.Errorf("failed to listen on TCP %s: %w", c.config.TCP, err)
		}
		c.tcpListener = ln
	}
	return nil
}

// closeListenersLocked closes the sockets and every accepted connection
func (c *Collector) closeListenersLocked() {
	if c.udpConn != nil {
		_ = c.udpConn.Close()
		c.udpConn = nil
	}
	if c.tcpListener != nil {
		_ = c.tcpListener.Close()
		c.tcpListener = nil
	}
	for conn := range c.tcpConns {
		_ = conn.Close()
	}
}

// Stop closes the listeners and waits for the receive loops. Every session
// still open is closed towards the handler before Stop returns.
func (c *Collector) Stop(timeout time.Duration) error {
	c.mu.Lock()
	if !c.running.Load() {
		c.mu.Unlock()
		return nil
	}
	c.running.Store(false)
	close(c.shutdown)
	c.closeListenersLocked()
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("Collector stopped")
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"collector", "Stop", "graceful shutdown")
	}
}

// openSession announces a new exporter to the handler
func (c *Collector) openSession(transport ipfix.Transport, remote, local net.Addr) *ipfix.Session {
	s := &ipfix.Session{
		ID:        c.nextSession.Add(1),
		Transport: transport,
		Remote:    remote.String(),
		Local:     local.String(),
		Opened:    time.Now(),
	}
	c.metrics.sessions(transport.String(), 1)
	c.logger.Info("Session opened", "session", s.String())
	c.deliver(&ipfix.SessionMessage{Event: ipfix.SessionOpen, Session: s})
	return s
}

// closeSession announces the end of s and drops its template state
func (c *Collector) closeSession(s *ipfix.Session, reason string) {
	c.deliver(&ipfix.SessionMessage{Event: ipfix.SessionClose, Session: s})
	c.parser.CloseSession(s)
	c.metrics.sessions(s.Transport.String(), -1)
	c.logger.Info("Session closed", "session", s.String(), "reason", reason)
}

// receive decodes one message of s and passes it on. raw must not be reused
// by the caller.
func (c *Collector) receive(s *ipfix.Session, raw []byte) {
	now := time.Now()
	c.packetsReceived.Add(1)
	c.bytesReceived.Add(int64(len(raw)))
	c.lastActivity.Store(now)
	c.metrics.received(s.Transport.String(), len(raw), now.Unix())

	msg, err := c.parser.Parse(s, raw)
	if err != nil {
		c.parseErrors.Add(1)
		c.lastError.Store(err.Error())
		c.metrics.parseError(s.Transport.String(), err)
		c.logger.Warn("Dropping undecodable message", "session", s.String(), "error", err)
		return
	}
	c.deliver(msg)
}

func (c *Collector) deliver(msg ipfix.Msg) {
	if err := c.handler.Handle(msg); err != nil {
		c.handlerErrors.Add(1)
		c.lastError.Store(err.Error())
		c.metrics.handlerError(err)
		c.logger.Warn("Handler rejected message", "kind", msg.Kind().String(), "error", err)
	}
}
