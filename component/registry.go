package component

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/c360/ipfixfwd/errors"
)

// StateObserver is told about every lifecycle transition.
// *metric.Metrics implements it.
type StateObserver interface {
	RecordComponentState(component string, state int)
}

// Registry holds component instances in registration order and drives
// their lifecycle
type Registry struct {
	mu              sync.RWMutex
	components      []*managedComponent
	byName          map[string]*managedComponent
	resourceTracker map[string]string // Resource ID -> component instance name
	logger          *slog.Logger
	observer        StateObserver
}

// NewRegistry creates an empty registry. A nil logger uses slog.Default.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default().With("component", "registry")
	}
	return &Registry{
		byName:          make(map[string]*managedComponent),
		resourceTracker: make(map[string]string),
		logger:          logger,
	}
}

// SetStateObserver reports the current and all later states to o
func (r *Registry) SetStateObserver(o StateObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
	if o == nil {
		return
	}
	for _, mc := range r.components {
		o.RecordComponentState(mc.name, int(mc.state))
	}
}

func (r *Registry) setState(mc *managedComponent, state State) {
	mc.state = state
	if r.observer != nil {
		r.observer.RecordComponentState(mc.name, int(state))
	}
}

// Register adds a component instance. Names must be unique and exclusive
// port resources may only be claimed once.
func (r *Registry) Register(name string, comp LifecycleComponent) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "instance name validation")
	}
	if comp == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Register", "component validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byName[name]; exists {
		msg := fmt.Errorf("instance '%s' is already registered", name)
		return errors.WrapInvalid(msg, "Registry", "Register", "duplicate instance check")
	}
	if err := r.checkResourceConflicts(comp); err != nil {
		return errors.Wrap(err, "Registry", "Register", "resource conflict check")
	}

	mc := &managedComponent{name: name, component: comp}
	r.setState(mc, StateCreated)
	r.components = append(r.components, mc)
	r.byName[name] = mc
	r.trackComponentResources(name, comp)
	return nil
}

// Component returns the named instance or nil
func (r *Registry) Component(name string) LifecycleComponent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mc, ok := r.byName[name]; ok {
		return mc.component
	}
	return nil
}

// State returns the lifecycle state of the named instance
func (r *Registry) State(name string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mc, ok := r.byName[name]
	if !ok {
		return StateFailed, false
	}
	return mc.state, true
}

// ListComponents returns all registered component instances
func (r *Registry) ListComponents() map[string]Discoverable {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]Discoverable, len(r.byName))
	for name, mc := range r.byName {
		result[name] = mc.component
	}
	return result
}

// Health returns the health of every registered component
func (r *Registry) Health() map[string]HealthStatus {
	comps := r.ListComponents()
	out := make(map[string]HealthStatus, len(comps))
	for name, c := range comps {
		out[name] = c.Health()
	}
	return out
}

// StartAll initializes and starts components in registration order. When a
// component fails, those already started are stopped again.
func (r *Registry) StartAll(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, mc := range r.components {
		if err := r.start(ctx, mc); err != nil {
			r.setState(mc, StateFailed)
			mc.lastError = err
			for j := i - 1; j >= 0; j-- {
				r.stop(r.components[j], 5*time.Second)
			}
			return errors.Wrap(err, "Registry", "StartAll", "start "+mc.name)
		}
	}
	return nil
}

func (r *Registry) start(ctx context.Context, mc *managedComponent) error {
	if mc.state == StateStarted {
		return nil
	}
	if mc.state == StateCreated || mc.state == StateStopped {
		if err := mc.component.Initialize(); err != nil {
			return err
		}
		r.setState(mc, StateInitialized)
	}
	if err := mc.component.Start(ctx); err != nil {
		return err
	}
	r.setState(mc, StateStarted)
	r.logger.Info("Component started", "name", mc.name, "type", mc.component.Meta().Type)
	return nil
}

// StopAll stops started components in reverse registration order and
// returns the first error encountered
func (r *Registry) StopAll(timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var first error
	for i := len(r.components) - 1; i >= 0; i-- {
		if err := r.stop(r.components[i], timeout); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Registry) stop(mc *managedComponent, timeout time.Duration) error {
	if mc.state != StateStarted {
		return nil
	}
	if err := mc.component.Stop(timeout); err != nil {
		mc.lastError = err
		r.setState(mc, StateFailed)
		r.logger.Warn("Component stop failed", "name", mc.name, "error", err)
		return errors.Wrap(err, "Registry", "StopAll", "stop "+mc.name)
	}
	r.setState(mc, StateStopped)
	r.logger.Info("Component stopped", "name", mc.name)
	return nil
}

func (r *Registry) checkResourceConflicts(comp Discoverable) error {
	for _, port := range append(comp.InputPorts(), comp.OutputPorts()...) {
		if port.Config == nil || !port.Config.IsExclusive() {
			continue
		}
		if np, ok := port.Config.(NetworkPort); ok && (np.Port < 0 || np.Port > 65535) {
			return errors.WrapInvalid(fmt.Errorf("%w: port %d", errors.ErrInvalidConfig, np.Port),
				"Registry", "checkResourceConflicts", "network port validation")
		}
		resourceID := port.Config.ResourceID()
		if existing, exists := r.resourceTracker[resourceID]; exists {
			msg := fmt.Errorf("resource conflict: %s already used by component '%s'", resourceID, existing)
			return errors.WrapInvalid(msg, "Registry", "checkResourceConflicts", "exclusive resource check")
		}
	}
	return nil
}

func (r *Registry) trackComponentResources(name string, comp Discoverable) {
	for _, port := range append(comp.InputPorts(), comp.OutputPorts()...) {
		if port.Config != nil && port.Config.IsExclusive() {
			r.resourceTracker[port.Config.ResourceID()] = name
		}
	}
}

// Resources returns a copy of the claimed exclusive resources
func (r *Registry) Resources() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.resourceTracker))
	maps.Copy(out, r.resourceTracker)
	return out
}
