package signalbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	"github.com/randalmurphal/signalbus/pkg/signalbus/config"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/event"
	"github.com/randalmurphal/signalbus/pkg/signalbus/idgen"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/request"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/loopback"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/natstransport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/redistransport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/socketio"
)

// Bus combines a transport, an event registry and a request correlator.
//
// Bus is safe for concurrent use. Close releases everything it owns,
// including the transport.
type Bus struct {
	tr      transport.Transport
	reg     *event.Registry
	corr    *request.Correlator
	journal journal.Journal
	logger  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ownJournal bool
	closeOnce  sync.Once
	closeErr   error
}

// New creates a bus on tr. The bus takes ownership of tr.
func New(tr transport.Transport, opts ...Option) *Bus {
	cfg := defaultBusConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newBus(tr, cfg, false)
}

func newBus(tr transport.Transport, cfg busConfig, ownJournal bool) *Bus {
	if cfg.journal == nil {
		cfg.journal = journal.NewMemoryJournal(journal.DefaultCapacity)
		ownJournal = true
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		tr:         tr,
		journal:    cfg.journal,
		logger:     cfg.logger,
		ctx:        ctx,
		cancel:     cancel,
		ownJournal: ownJournal,
	}
	b.reg = event.NewRegistry(
		event.WithLogger(cfg.logger),
		event.WithMetrics(cfg.metrics),
		event.WithErrorHandler(b.recordListenerFailure),
	)
	b.corr = request.NewCorrelator(tr, b.reg, cfg.requestOptions()...)
	return b
}

// FromConfig validates bc and builds a bus from it: the transport it names,
// the codec, the id generator, the journal (SQLite when JournalPath is set)
// and, when enabled, OpenTelemetry metrics and tracing. Options override
// anything derived from bc.
func FromConfig(ctx context.Context, bc config.BusConfig, opts ...Option) (*Bus, error) {
	if err := bc.Validate(); err != nil {
		return nil, err
	}
	cdc, err := codec.ByName(bc.Codec)
	if err != nil {
		return nil, err
	}
	gen, err := idgen.ByName(bc.IDGenerator)
	if err != nil {
		return nil, err
	}

	cfg := defaultBusConfig()
	cfg.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: observability.ParseLevel(bc.LogLevel),
	}))
	cfg.defaultTimeout = bc.DefaultTimeout
	cfg.newID = gen
	cfg.replyEvent = bc.ReplyEvent
	if bc.Metrics {
		cfg.metrics = observability.NewMetricsRecorder()
	}
	if bc.Tracing {
		cfg.spans = observability.NewSpanManager()
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	ownJournal := false
	if cfg.journal == nil && bc.JournalPath != "" {
		j, err := journal.NewSQLiteJournal(bc.JournalPath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		cfg.journal = j
		ownJournal = true
	}

	tr, err := dial(ctx, bc, cdc, cfg)
	if err != nil {
		if ownJournal {
			_ = cfg.journal.Close()
		}
		return nil, err
	}

	cfg.logger.Debug("bus ready",
		slog.String("transport", bc.Transport),
		slog.String("peer", bc.Peer),
		slog.String("codec", cdc.Name()),
	)
	return newBus(tr, cfg, ownJournal), nil
}

// dial opens the transport named by bc.Transport.
func dial(ctx context.Context, bc config.BusConfig, cdc codec.Codec, cfg busConfig) (transport.Transport, error) {
	peer := transport.Peer(bc.Peer)

	switch bc.Transport {
	case config.TransportLoopback:
		hub := cfg.hub
		if hub == nil {
			hub = loopback.NewHub(loopback.WithCodec(cdc), loopback.WithLogger(cfg.logger))
		}
		ep, err := hub.Connect(peer)
		if err != nil {
			return nil, err
		}
		return ep, nil

	case config.TransportRedis:
		ropts, err := redisOptions(bc.Address)
		if err != nil {
			return nil, err
		}
		options := []redistransport.Option{
			redistransport.WithCodec(cdc),
			redistransport.WithLogger(cfg.logger),
		}
		if bc.Prefix != "" {
			options = append(options, redistransport.WithPrefix(bc.Prefix))
		}
		tr, err := redistransport.New(ropts, peer, options...)
		if err != nil {
			return nil, err
		}
		return tr, nil

	case config.TransportNATS:
		tr, err := natstransport.Connect(bc.Address, peer,
			natstransport.WithCodec(cdc),
			natstransport.WithLogger(cfg.logger),
			natstransport.WithPrefix(bc.Prefix),
		)
		if err != nil {
			return nil, err
		}
		return tr, nil

	case config.TransportSocketIO:
		tr, err := socketio.Dial(ctx, socketio.Config{URL: bc.Address, Logger: cfg.logger})
		if err != nil {
			return nil, err
		}
		return tr, nil
	}
	return nil, sberrors.Invalid("transport", fmt.Sprintf("unknown transport %q", bc.Transport))
}

// redisOptions accepts a redis:// URL or a bare host:port.
func redisOptions(address string) (*redis.Options, error) {
	if strings.Contains(address, "://") {
		opts, err := redis.ParseURL(address)
		if err != nil {
			return nil, sberrors.Invalid("address", err.Error())
		}
		return opts, nil
	}
	return &redis.Options{Addr: address}, nil
}

// recordListenerFailure is the registry's error sink.
func (b *Bus) recordListenerFailure(err error) {
	entry := journal.Entry{Kind: journal.KindListenerFailure, Detail: err.Error()}
	var lerr *sberrors.ListenerError
	if errors.As(err, &lerr) {
		entry.Event = lerr.Signal
	}
	if rerr := b.journal.Record(entry); rerr != nil && !errors.Is(rerr, journal.ErrClosed) {
		b.logger.Debug("journal record failed", slog.String("error", rerr.Error()))
	}
}

// Emit broadcasts name with args to every other peer.
func (b *Bus) Emit(ctx context.Context, name string, args ...any) error {
	return b.tr.SendReliable(ctx, name, transport.Broadcast, args...)
}

// EmitTo sends name with args to a single peer.
func (b *Bus) EmitTo(ctx context.Context, peer transport.Peer, name string, args ...any) error {
	if peer.IsBroadcast() {
		return sberrors.Invalid("peer", "must not be empty")
	}
	return b.tr.SendReliable(ctx, name, peer, args...)
}

// EmitUnreliable broadcasts best-effort. The transport may drop the message.
func (b *Bus) EmitUnreliable(ctx context.Context, name string, args ...any) error {
	return b.tr.SendUnreliable(ctx, name, transport.Broadcast, args...)
}

// On connects fn to name and starts receiving name from the transport.
func (b *Bus) On(name string, fn signal.Listener[transport.Message]) (*signal.Connection, error) {
	if err := b.listen(name); err != nil {
		return nil, err
	}
	return b.reg.On(name, fn)
}

// Once is On for a single delivery.
func (b *Bus) Once(name string, fn signal.Listener[transport.Message]) (*signal.Connection, error) {
	if err := b.listen(name); err != nil {
		return nil, err
	}
	return b.reg.Once(name, fn)
}

func (b *Bus) listen(name string) error {
	if err := event.ValidateName(name); err != nil {
		return err
	}
	if b.ctx.Err() != nil {
		return &sberrors.TransportError{Op: "listen", Event: name, Err: sberrors.ErrTransportClosed}
	}
	return b.reg.Bind(b.ctx, b.tr, name)
}

// Signal returns the signal for name. Firing it dispatches locally only; use
// Emit to reach other peers.
func (b *Bus) Signal(name string) *signal.Signal[transport.Message] {
	return b.reg.Get(name)
}

// Wait blocks until name is next received or timeout elapses. The boolean is
// false on timeout.
func (b *Bus) Wait(name string, timeout time.Duration) (transport.Message, bool, error) {
	if err := b.listen(name); err != nil {
		return transport.Message{}, false, err
	}
	msg, ok := b.reg.Get(name).WaitTimeout(timeout)
	return msg, ok, nil
}

// Request broadcasts a request and waits for the first response.
// See request.Correlator.Request.
func (b *Bus) Request(ctx context.Context, name string, timeout time.Duration, args ...any) (request.Result, error) {
	return b.corr.Request(ctx, name, timeout, args...)
}

// RequestTo sends a request to one peer and waits for its response.
func (b *Bus) RequestTo(ctx context.Context, peer transport.Peer, name string, timeout time.Duration, args ...any) (request.Result, error) {
	return b.corr.RequestTo(ctx, peer, name, timeout, args...)
}

// Respond answers the request with id requestID issued by peer.
func (b *Bus) Respond(ctx context.Context, peer transport.Peer, requestID string, args ...any) error {
	return b.corr.Respond(ctx, peer, requestID, args...)
}

// Handle answers every request for name with fn's result.
func (b *Bus) Handle(name string, fn request.HandlerFunc) (*signal.Connection, error) {
	return b.corr.Handle(name, fn)
}

// Journal returns the diagnostics journal.
func (b *Bus) Journal() journal.Journal { return b.journal }

// Registry returns the event registry.
func (b *Bus) Registry() *event.Registry { return b.reg }

// Correlator returns the request correlator.
func (b *Bus) Correlator() *request.Correlator { return b.corr }

// Transport returns the underlying transport.
func (b *Bus) Transport() transport.Transport { return b.tr }

// Close cancels outstanding requests, destroys every signal and closes the
// transport. A journal passed with WithJournal is left open. Calling Close
// again returns the first result.
func (b *Bus) Close() error {
	b.closeOnce.Do(func() {
		b.cancel()
		b.corr.Close()
		b.reg.Close()

		var errs []error
		if err := b.tr.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
		if b.ownJournal {
			if err := b.journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		b.closeErr = errors.Join(errs...)
	})
	return b.closeErr
}
