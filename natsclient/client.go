package natsclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/metric"
)

// ConnectionStatus represents the state of the NATS connection
type ConnectionStatus int32

// Possible connection statuses
const (
	StatusDisconnected ConnectionStatus = iota
	StatusConnecting
	StatusConnected
	StatusReconnecting
	StatusCircuitOpen
)

// String returns the string representation of ConnectionStatus
func (s ConnectionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusCircuitOpen:
		return "circuit_open"
	default:
		return "unknown"
	}
}

// Status holds runtime status information for the client
type Status struct {
	Status          ConnectionStatus `json:"status"`
	FailureCount    int32            `json:"failure_count"`
	LastFailureTime time.Time        `json:"last_failure_time"`
	Reconnects      int32            `json:"reconnects"`
	Backoff         time.Duration    `json:"backoff"`
}

// Client manages a NATS connection with a circuit breaker
type Client struct {
	url    string
	logger *slog.Logger

	status     atomic.Int32
	failures   atomic.Int32
	reconnects atomic.Int32

	// Circuit breaker, guarded by mu
	circuitFailures  int32
	circuitThreshold int32
	initialBackoff   time.Duration
	maxBackoff       time.Duration
	backoff          time.Duration
	reopenAt         time.Time
	lastFailure      time.Time

	// Connection options
	maxReconnects int
	reconnectWait time.Duration
	timeout       time.Duration
	drainTimeout  time.Duration
	username      string
	password      string
	token         string
	clientName    string
	tlsConfig     *tls.Config

	metrics        *metric.Metrics
	onHealthChange func(bool)

	mu     sync.RWMutex
	conn   *nats.Conn
	closed atomic.Bool
}

// NewClient creates a client for url. No connection is made until Connect.
func NewClient(url string, opts ...ClientOption) (*Client, error) {
	c := &Client{
		url:              url,
		maxReconnects:    -1,
		reconnectWait:    2 * time.Second,
		timeout:          5 * time.Second,
		drainTimeout:     5 * time.Second,
		circuitThreshold: 5,
		initialBackoff:   time.Second,
		maxBackoff:       time.Minute,
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, errors.WrapInvalid(err, "Client", "NewClient", "apply option")
		}
	}
	if c.logger == nil {
		c.logger = slog.Default().With("component", "natsclient")
	}
	c.backoff = c.initialBackoff
	c.setStatus(StatusDisconnected)
	return c, nil
}

// URL returns the NATS server URL
func (c *Client) URL() string {
	return c.url
}

// Status returns the current connection status
func (c *Client) Status() ConnectionStatus {
	return ConnectionStatus(c.status.Load())
}

func (c *Client) setStatus(s ConnectionStatus) {
	c.status.Store(int32(s))
	if c.metrics == nil {
		return
	}
	c.metrics.RecordNATSStatus(s == StatusConnected)
	switch s {
	case StatusCircuitOpen:
		c.metrics.RecordCircuitBreakerState(1)
	case StatusConnecting:
		c.metrics.RecordCircuitBreakerState(2)
	default:
		c.metrics.RecordCircuitBreakerState(0)
	}
}

// IsHealthy returns true if the connection is up
func (c *Client) IsHealthy() bool {
	return c.Status() == StatusConnected
}

// GetStatus returns current status information
func (c *Client) GetStatus() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Status{
		Status:          c.Status(),
		FailureCount:    c.failures.Load(),
		LastFailureTime: c.lastFailure,
		Reconnects:      c.reconnects.Load(),
		Backoff:         c.backoff,
	}
}

// recordFailure counts a failed attempt and opens the circuit once the
// threshold is reached. Each opening doubles the backoff.
func (c *Client) recordFailure() {
	c.failures.Add(1)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastFailure = time.Now()
	c.circuitFailures++
	if c.circuitFailures < c.circuitThreshold {
		c.setStatus(StatusDisconnected)
		return
	}

	c.reopenAt = c.lastFailure.Add(c.backoff)
	c.logger.Warn("Circuit breaker opened", "failures", c.circuitFailures, "backoff", c.backoff)
	c.circuitFailures = 0
	c.backoff = min(c.backoff*2, c.maxBackoff)
	c.setStatus(StatusCircuitOpen)
}

func (c *Client) resetCircuit() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failures.Store(0)
	c.circuitFailures = 0
	c.backoff = c.initialBackoff
	c.reopenAt = time.Time{}
}

// circuitOpen reports whether Connect must fail fast
func (c *Client) circuitOpen() bool {
	if c.Status() != StatusCircuitOpen {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Before(c.reopenAt)
}

func (c *Client) connectionOptions() []nats.Option {
	opts := []nats.Option{
		nats.MaxReconnects(c.maxReconnects),
		nats.ReconnectWait(c.reconnectWait),
		nats.Timeout(c.timeout),
		nats.DrainTimeout(c.drainTimeout),
		nats.DisconnectErrHandler(c.handleDisconnect),
		nats.ReconnectHandler(c.handleReconnect),
		nats.ClosedHandler(c.handleClosed),
		nats.ErrorHandler(c.handleError),
	}
	if c.username != "" && c.password != "" {
		opts = append(opts, nats.UserInfo(c.username, c.password))
	}
	if c.token != "" {
		opts = append(opts, nats.Token(c.token))
	}
	if c.tlsConfig != nil {
		opts = append(opts, nats.Secure(c.tlsConfig))
	}
	if c.clientName != "" {
		opts = append(opts, nats.Name(c.clientName))
	}
	return opts
}

// Connect establishes the connection. While the circuit is open it fails
// immediately with errors.ErrCircuitOpen.
func (c *Client) Connect(ctx context.Context) error {
	if c.closed.Load() {
		return errors.WrapInvalid(errors.ErrShuttingDown, "Client", "Connect", "state check")
	}
	if c.IsHealthy() {
		return nil
	}
	if c.circuitOpen() {
		return errors.WrapTransient(errors.ErrCircuitOpen, "Client", "Connect", "circuit breaker check")
	}

	c.setStatus(StatusConnecting)
	c.logger.Info("Connecting to NATS", "url", c.url)

	type result struct {
		conn *nats.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := nats.Connect(c.url, c.connectionOptions()...)
		done <- result{conn, err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		c.recordFailure()
		// close a connection that completes after we gave up
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return errors.WrapTransient(ctx.Err(), "Client", "Connect", "connection cancelled")
	}

	if res.err != nil {
		c.recordFailure()
		if c.Status() == StatusCircuitOpen {
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrCircuitOpen, res.err),
				"Client", "Connect", "establish connection")
		}
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrNoConnection, res.err),
			"Client", "Connect", "establish connection")
	}

	c.mu.Lock()
	c.conn = res.conn
	c.mu.Unlock()

	c.resetCircuit()
	c.setStatus(StatusConnected)
	c.logger.Info("Connected to NATS", "url", res.conn.ConnectedUrlRedacted())
	if c.onHealthChange != nil {
		c.onHealthChange(true)
	}
	return nil
}

// Publish sends data on subject. nats.go buffers the message while a
// reconnect is in progress.
func (c *Client) Publish(_ context.Context, subject string, data []byte) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()

	if conn == nil || conn.IsClosed() {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Publish", "connection check")
	}
	if err := conn.Publish(subject, data); err != nil {
		return errors.WrapTransient(err, "Client", "Publish", "publish to "+subject)
	}
	return nil
}

// Flush waits until the server has processed every buffered message
func (c *Client) Flush(ctx context.Context) error {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil {
		return errors.WrapTransient(errors.ErrNoConnection, "Client", "Flush", "connection check")
	}
	return conn.FlushWithContext(ctx)
}

// RTT returns the round-trip time to the server
func (c *Client) RTT() (time.Duration, error) {
	c.mu.RLock()
	conn := c.conn
	c.mu.RUnlock()
	if conn == nil || !conn.IsConnected() {
		return 0, errors.WrapTransient(errors.ErrNoConnection, "Client", "RTT", "connection check")
	}
	return conn.RTT()
}

// Close drains buffered messages and closes the connection. Only the first
// call has an effect.
func (c *Client) Close(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.username, c.password, c.token = "", "", ""
	c.mu.Unlock()

	if conn == nil {
		c.setStatus(StatusDisconnected)
		return nil
	}

	drained := make(chan error, 1)
	go func() { drained <- conn.Drain() }()

	var err error
	select {
	case err = <-drained:
		if err != nil {
			err = errors.WrapTransient(err, "Client", "Close", "drain connection")
		}
	case <-ctx.Done():
		err = errors.WrapTransient(ctx.Err(), "Client", "Close", "drain connection")
	}
	conn.Close()
	c.setStatus(StatusDisconnected)
	return err
}

func (c *Client) handleDisconnect(_ *nats.Conn, err error) {
	if c.closed.Load() {
		return
	}
	c.setStatus(StatusReconnecting)
	c.logger.Warn("Disconnected from NATS", "error", err)
	if c.onHealthChange != nil {
		go c.onHealthChange(false)
	}
}

func (c *Client) handleReconnect(conn *nats.Conn) {
	c.reconnects.Add(1)
	c.setStatus(StatusConnected)
	if c.metrics != nil {
		c.metrics.RecordNATSReconnect()
	}
	c.logger.Info("Reconnected to NATS", "url", conn.ConnectedUrlRedacted())
	if c.onHealthChange != nil {
		go c.onHealthChange(true)
	}
}

func (c *Client) handleClosed(_ *nats.Conn) {
	c.setStatus(StatusDisconnected)
}

func (c *Client) handleError(_ *nats.Conn, _ *nats.Subscription, err error) {
	c.logger.Error("NATS error", "error", err)
}
