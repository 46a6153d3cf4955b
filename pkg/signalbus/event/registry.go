package event

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for listener failures and feed errors.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithErrorHandler sets the handler every created Signal reports listener
// failures to. The handler runs after the failure is logged and counted.
func WithErrorHandler(fn func(error)) RegistryOption {
	return func(r *Registry) {
		r.onError = fn
	}
}

// WithMetrics sets the recorder for fire counts and listener failures.
func WithMetrics(m observability.MetricsRecorder) RegistryOption {
	return func(r *Registry) {
		if m != nil {
			r.metrics = m
		}
	}
}

// binding is an active transport feed pump.
type binding struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Registry maps event names to lazily created Signals.
type Registry struct {
	mu       sync.RWMutex
	signals  map[string]*signal.Signal[transport.Message]
	bindings map[string]*binding

	logger  *slog.Logger
	onError func(error)
	metrics observability.MetricsRecorder
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		signals:  make(map[string]*signal.Signal[transport.Message]),
		bindings: make(map[string]*binding),
		logger:   slog.Default(),
		metrics:  observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ValidateName rejects empty names and names containing whitespace.
func ValidateName(name string) error {
	return transport.ValidateEvent(name)
}

// Get returns the Signal for name, creating it on first use.
func (r *Registry) Get(name string) *signal.Signal[transport.Message] {
	r.mu.RLock()
	s, ok := r.signals[name]
	r.mu.RUnlock()
	if ok {
		return s
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.signals[name]; ok {
		return s
	}
	s = signal.New[transport.Message](
		signal.WithName(name),
		signal.WithErrorHandler(r.errorHandler(name)),
	)
	r.signals[name] = s
	return s
}

// Lookup returns the Signal for name without creating it.
func (r *Registry) Lookup(name string) (*signal.Signal[transport.Message], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.signals[name]
	return s, ok
}

// Names returns the registered event names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.signals))
	for name := range r.signals {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// On connects fn to the Signal for name.
func (r *Registry) On(name string, fn signal.Listener[transport.Message]) (*signal.Connection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return r.Get(name).Connect(fn)
}

// Once connects fn to the Signal for name for a single delivery.
func (r *Registry) Once(name string, fn signal.Listener[transport.Message]) (*signal.Connection, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	return r.Get(name).Once(fn)
}

// Dispatch fires the Signal for msg.Event. Messages for names nobody has
// asked for are dropped without creating a Signal.
func (r *Registry) Dispatch(msg transport.Message) {
	s, ok := r.Lookup(msg.Event)
	if !ok {
		r.metrics.RecordFire(context.Background(), msg.Event, 0)
		return
	}
	r.metrics.RecordFire(context.Background(), msg.Event, s.Len())
	s.Fire(msg)
}

// Bind pumps the transport feed for name into Dispatch until ctx is done or
// the feed closes. Binding a name that is already bound is a no-op.
func (r *Registry) Bind(ctx context.Context, tr transport.Transport, name string) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	r.mu.Lock()
	if _, ok := r.bindings[name]; ok {
		r.mu.Unlock()
		return nil
	}
	bctx, cancel := context.WithCancel(ctx)
	b := &binding{cancel: cancel, done: make(chan struct{})}
	r.bindings[name] = b
	r.mu.Unlock()

	feed, err := tr.OnMessage(bctx, name)
	if err != nil {
		cancel()
		close(b.done)
		r.unbind(name, b)
		return err
	}

	// Make sure the signal exists so Dispatch delivers to late listeners too.
	r.Get(name)

	go func() {
		defer close(b.done)
		defer r.unbind(name, b)
		for msg := range feed {
			r.Dispatch(msg)
		}
		r.logger.Debug("event feed closed", slog.String("event", name))
	}()
	return nil
}

// Bound reports whether a transport feed is currently pumped for name.
func (r *Registry) Bound(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.bindings[name]
	return ok
}

func (r *Registry) unbind(name string, b *binding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.bindings[name] == b {
		delete(r.bindings, name)
	}
}

// Close stops every feed pump and destroys every Signal. Pending waits on
// those Signals resolve with no value. The registry stays usable: later Get
// calls create fresh Signals.
func (r *Registry) Close() {
	r.mu.Lock()
	bindings := r.bindings
	signals := r.signals
	r.bindings = make(map[string]*binding)
	r.signals = make(map[string]*signal.Signal[transport.Message])
	r.mu.Unlock()

	for _, b := range bindings {
		b.cancel()
	}
	for _, b := range bindings {
		<-b.done
	}
	for _, s := range signals {
		s.Destroy()
	}
}

func (r *Registry) errorHandler(name string) func(error) {
	return func(err error) {
		observability.LogListenerFailure(r.logger, name, err)
		r.metrics.RecordListenerError(context.Background(), name)
		if r.onError != nil {
			r.onError(err)
		}
	}
}

// DefaultRegistry is a process-wide registry for programs that do not need
// more than one.
var DefaultRegistry = NewRegistry()

// Get returns the Signal for name from DefaultRegistry.
func Get(name string) *signal.Signal[transport.Message] {
	return DefaultRegistry.Get(name)
}
