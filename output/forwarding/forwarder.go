package forwarding

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/ipfixfwd/builder"
	"github.com/c360/ipfixfwd/component"
	"github.com/c360/ipfixfwd/errors"
	"github.com/c360/ipfixfwd/ipfix"
	"github.com/c360/ipfixfwd/metric"
	"github.com/c360/ipfixfwd/sender"
)

// ForwarderDeps holds runtime dependencies of the Forwarder
type ForwarderDeps struct {
	Name            string                  // Instance name
	Config          Config                  // Forwarding configuration
	Transports      TransportFactory        // Optional, defaults to sender.New
	Publisher       Publisher               // Optional, receives connection events
	MetricsRegistry *metric.MetricsRegistry // Optional
	Logger          *slog.Logger            // Optional
}

// Forwarder re-transmits IPFIX messages to the configured destinations
type Forwarder struct {
	name      string
	config    Config
	protocol  sender.Protocol
	mtu       int
	checkRate time.Duration

	newTransport TransportFactory
	logger       *slog.Logger
	metrics      *Metrics
	events       *eventSink
	dropLog      *rate.Limiter

	// mu guards everything below it. Session lifecycle, forwarding and every
	// reconnection pass run under it.
	mu        sync.Mutex
	groups    []*destinationGroup
	idle      map[*Connection]struct{}
	strategy  strategy
	current   current
	data      *builder.Builder
	templates *builder.Builder

	// Lifecycle management
	lifecycleMu  sync.Mutex
	running      atomic.Bool
	stop         chan struct{}
	wg           sync.WaitGroup
	cancelEvents context.CancelFunc
	startTime    time.Time

	stats stats
}

// current is the data message prepared for forwarding
type current struct {
	msg        *ipfix.Message
	snapshot   *ipfix.Snapshot
	odid       uint32
	exportTime uint32
}

type stats struct {
	messagesForwarded atomic.Int64
	bytesForwarded    atomic.Int64
	messagesDropped   atomic.Int64
	sendFailures      atomic.Int64
	templateResyncs   atomic.Int64
	reconnects        atomic.Int64
	malformed         atomic.Int64
	lastActivity      atomic.Value // time.Time
	lastError         atomic.Value // string
}

// Stats is a snapshot of forwarder counters
type Stats struct {
	MessagesForwarded int64 `json:"messages_forwarded"`
	BytesForwarded    int64 `json:"bytes_forwarded"`
	MessagesDropped   int64 `json:"messages_dropped"`
	SendFailures      int64 `json:"send_failures"`
	TemplateResyncs   int64 `json:"template_resyncs"`
	Reconnects        int64 `json:"reconnects"`
	Malformed         int64 `json:"malformed"`
	Connections       int   `json:"connections"`
	IdleConnections   int   `json:"idle_connections"`
}

var _ component.LifecycleComponent = (*Forwarder)(nil)

// NewForwarder validates the configuration and builds the destination ring
// in configuration order.
func NewForwarder(deps ForwarderDeps) (*Forwarder, error) {
	cfg := deps.Config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "forwarder", "NewForwarder", "config validation")
	}

	protocol, _ := sender.ParseProtocol(cfg.Protocol)
	mode, _ := ParseMode(cfg.Mode)

	name := deps.Name
	if name == "" {
		name = "forwarder"
	}

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "forwarder", "mode", string(mode))
	}

	f := &Forwarder{
		name:         name,
		config:       cfg,
		protocol:     protocol,
		mtu:          cfg.MTU,
		checkRate:    cfg.CheckRate.Std(),
		newTransport: deps.Transports,
		logger:       logger,
		metrics:      newMetrics(deps.MetricsRegistry, name),
		events:       newEventSink(deps.Publisher, cfg.EventSubject, logger),
		dropLog:      rate.NewLimiter(rate.Every(time.Second), 1),
		idle:         make(map[*Connection]struct{}),
		data:         builder.New(),
		templates:    builder.New(),
		startTime:    time.Now(),
	}
	f.stats.lastActivity.Store(time.Time{})
	f.stats.lastError.Store("")

	if f.newTransport == nil {
		f.newTransport = func(dest Destination, protocol sender.Protocol) Transport {
			return sender.New(dest.Address, dest.Port, protocol,
				sender.WithLogger(logger.With("destination", dest.String())))
		}
	}

	for i, dest := range cfg.Destinations {
		f.groups = append(f.groups, newDestinationGroup(i, dest))
		logger.Info("Destination added", "destination", dest.String())
	}
	f.strategy = newStrategy(mode, len(f.groups))

	return f, nil
}

// Meta returns the component metadata
func (f *Forwarder) Meta() component.Metadata {
	return component.Metadata{
		Name:        f.name,
		Type:        "output",
		Description: fmt.Sprintf("IPFIX forwarder (%s) to %d destinations over %s", f.config.Mode, len(f.groups), f.protocol),
		Version:     "1.0.0",
	}
}

// InputPorts returns the input ports for this component
func (f *Forwarder) InputPorts() []component.Port {
	return []component.Port{
		{
			Name:        "ipfix_messages",
			Direction:   component.DirectionInput,
			Required:    true,
			Description: "Session events and parsed IPFIX messages from the collector",
		},
	}
}

// OutputPorts returns one network port per destination, plus the event
// subject when events are enabled
func (f *Forwarder) OutputPorts() []component.Port {
	ports := make([]component.Port, 0, len(f.groups)+1)
	for _, g := range f.groups {
		ports = append(ports, component.Port{
			Name:        g.label(),
			Direction:   component.DirectionOutput,
			Required:    false,
			Description: "Downstream collector " + g.dest.String(),
			Config: component.NetworkPort{
				Protocol: f.protocol.String(),
				Host:     g.dest.Address,
				Port:     g.dest.Port,
			},
		})
	}
	if f.events != nil {
		ports = append(ports, component.Port{
			Name:        "connection_events",
			Direction:   component.DirectionOutput,
			Description: "Connection lifecycle events",
			Config:      component.NATSPort{Subject: f.config.EventSubject + ".>"},
		})
	}
	return ports
}

// ConfigSchema returns the configuration schema for this component
func (f *Forwarder) ConfigSchema() component.ConfigSchema {
	return forwarderSchema
}

var forwarderSchema = component.ConfigSchema{
	Properties: map[string]component.PropertySchema{
		"protocol": {
			Type:        "enum",
			Description: "Transport used towards destinations",
			Default:     "tcp",
			Enum:        []string{"tcp", "udp"},
			Category:    "basic",
		},
		"mode": {
			Type:        "enum",
			Description: "Distribution of data messages across destinations",
			Default:     string(ModeAll),
			Enum:        []string{string(ModeAll), string(ModeRoundRobin)},
			Category:    "basic",
		},
		"mtu": {
			Type:        "int",
			Description: "Maximum size of a forwarded packet",
			Default:     DefaultMTU,
			Minimum:     intPtr(MinMTU),
			Maximum:     intPtr(MaxMTU),
			Category:    "advanced",
		},
		"check_rate": {
			Type:        "string",
			Description: "Interval between reconnection attempts",
			Default:     DefaultCheckRate.String(),
			Category:    "advanced",
		},
		"destinations": {
			Type:        "array",
			Description: "Downstream collectors in ring order",
			Category:    "basic",
		},
	},
	Required: []string{"destinations"},
}

func intPtr(i int) *int {
	return &i
}

// Health returns the current health status. The forwarder is healthy while
// running and, if any session is open, at least one destination holds an ok
// connection.
func (f *Forwarder) Health() component.HealthStatus {
	f.mu.Lock()
	sessions, usable := 0, false
	for _, g := range f.groups {
		for _, c := range g.conns {
			sessions++
			if c.status == sender.StatusOK {
				usable = true
			}
		}
	}
	f.mu.Unlock()

	lastError, _ := f.stats.lastError.Load().(string)
	return component.HealthStatus{
		Healthy:    f.running.Load() && (sessions == 0 || usable),
		LastCheck:  time.Now(),
		ErrorCount: int(f.stats.sendFailures.Load() + f.stats.malformed.Load()),
		LastError:  lastError,
		Uptime:     time.Since(f.startTime),
	}
}

// DataFlow returns the current data flow metrics
func (f *Forwarder) DataFlow() component.FlowMetrics {
	messages := f.stats.messagesForwarded.Load()
	bytes := f.stats.bytesForwarded.Load()
	failures := f.stats.sendFailures.Load() + f.stats.messagesDropped.Load()
	lastActivity, _ := f.stats.lastActivity.Load().(time.Time)

	var messagesPerSecond, bytesPerSecond, errorRate float64
	if uptime := time.Since(f.startTime).Seconds(); uptime > 0 {
		messagesPerSecond = float64(messages) / uptime
		bytesPerSecond = float64(bytes) / uptime
	}
	if total := messages + failures; total > 0 {
		errorRate = float64(failures) / float64(total)
	}

	return component.FlowMetrics{
		MessagesPerSecond: messagesPerSecond,
		BytesPerSecond:    bytesPerSecond,
		ErrorRate:         errorRate,
		LastActivity:      lastActivity,
	}
}

// Stats returns the forwarder counters
func (f *Forwarder) Stats() Stats {
	f.mu.Lock()
	conns := 0
	for _, g := range f.groups {
		conns += len(g.conns)
	}
	idle := len(f.idle)
	f.mu.Unlock()

	return Stats{
		MessagesForwarded: f.stats.messagesForwarded.Load(),
		BytesForwarded:    f.stats.bytesForwarded.Load(),
		MessagesDropped:   f.stats.messagesDropped.Load(),
		SendFailures:      f.stats.sendFailures.Load(),
		TemplateResyncs:   f.stats.templateResyncs.Load(),
		Reconnects:        f.stats.reconnects.Load(),
		Malformed:         f.stats.malformed.Load(),
		Connections:       conns,
		IdleConnections:   idle,
	}
}

// Connections lists every connection in destination order
func (f *Forwarder) Connections() []ConnectionInfo {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []ConnectionInfo
	for _, g := range f.groups {
		for _, c := range g.conns {
			_, idle := f.idle[c]
			seq := make(map[uint32]uint32, len(c.seqNums))
			for k, v := range c.seqNums {
				seq[k] = v
			}
			out = append(out, ConnectionInfo{
				Destination: g.label(),
				Session:     c.session.String(),
				SessionID:   c.session.ID,
				Status:      c.status.String(),
				Idle:        idle,
				LocalPort:   c.transport.LocalPort(),
				HasSnapshot: c.snapshot != nil,
				Sequence:    seq,
			})
		}
	}
	return out
}

// Initialize checks that the destination ring is usable
func (f *Forwarder) Initialize() error {
	if len(f.groups) == 0 {
		return errors.WrapInvalid(errors.ErrNoDestinations, "forwarder", "Initialize", "destination check")
	}
	if f.strategy == nil {
		return errors.WrapFatal(errors.ErrUnknownMode, "forwarder", "Initialize", "mode check")
	}
	return nil
}

// Start launches the reconnection loop and, when a publisher is configured,
// the event publisher
func (f *Forwarder) Start(ctx context.Context) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if f.running.Load() {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "forwarder", "Start", "state check")
	}

	f.stop = make(chan struct{})
	f.startTime = time.Now()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		f.reconnectLoop(ctx, f.stop)
	}()

	if f.events != nil {
		eventCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
		f.cancelEvents = cancel
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			f.events.run(eventCtx)
		}()
	}

	f.running.Store(true)
	f.logger.Info("Forwarder started",
		"destinations", len(f.groups), "protocol", f.protocol.String(), "check_rate", f.checkRate)
	return nil
}

// Stop signals the reconnection loop, waits for it and then destroys every
// connection
func (f *Forwarder) Stop(timeout time.Duration) error {
	f.lifecycleMu.Lock()
	defer f.lifecycleMu.Unlock()

	if !f.running.Load() {
		return nil
	}
	f.running.Store(false)
	f.logger.Info("Forwarder shutting down")

	close(f.stop)
	f.events.close()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.WrapTransient(fmt.Errorf("stop timeout after %v", timeout),
			"forwarder", "Stop", "graceful shutdown")
	}
	if f.cancelEvents != nil {
		f.cancelEvents()
	}

	f.mu.Lock()
	for _, g := range f.groups {
		for id, c := range g.conns {
			_ = c.transport.Close()
			delete(g.conns, id)
		}
	}
	clear(f.idle)
	f.current = current{}
	f.metrics.observeConnections(f.groups, 0)
	f.mu.Unlock()

	return err
}

func (f *Forwarder) recordError(err error) {
	f.stats.lastError.Store(err.Error())
	f.metrics.recordError(err)
}
