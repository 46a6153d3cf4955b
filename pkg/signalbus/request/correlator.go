package request

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/event"
	"github.com/randalmurphal/signalbus/pkg/signalbus/idgen"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/observability"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

const (
	// DefaultTimeout applies when Request is called with a zero timeout.
	DefaultTimeout = 10 * time.Second

	// DefaultReplyEvent is the event responses travel under.
	DefaultReplyEvent = "signalbus.reply"

	// maxMintAttempts bounds id re-minting on collision with a pending id.
	maxMintAttempts = 8
)

// Status is the outcome of a request.
type Status string

const (
	StatusResolved  Status = "resolved"
	StatusTimedOut  Status = "timed_out"
	StatusCancelled Status = "cancelled"
)

// Result is what Request returns. Args and From are set only when Status is
// StatusResolved.
type Result struct {
	ID     string
	Status Status
	Args   transport.Args
	From   transport.Peer
}

// OK reports whether a response arrived.
func (r Result) OK() bool { return r.Status == StatusResolved }

// Request is an inbound request passed to a HandlerFunc.
type Request struct {
	ID    string
	Event string
	From  transport.Peer
	Args  transport.Args
}

// HandlerFunc answers a request. The returned values are sent back as the
// response arguments. A non-nil error suppresses the response.
type HandlerFunc func(ctx context.Context, req Request) ([]any, error)

// pending is one outstanding request.
type pending struct {
	id       string
	event    string
	started  time.Time
	resolved atomic.Bool
	gate     *signal.Signal[Result]
	results  chan Result
}

// Correlator matches responses to outstanding requests.
type Correlator struct {
	tr  transport.Transport
	reg *event.Registry

	defaultTimeout time.Duration
	replyEvent     string
	newID          idgen.Generator
	unreliable     bool
	logger         *slog.Logger
	metrics        observability.MetricsRecorder
	spans          observability.SpanManager
	journal        journal.Journal

	mu    sync.Mutex
	table map[string]*pending

	lifecycle sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	replyConn *signal.Connection
	closed    bool
}

// NewCorrelator creates a correlator sending through tr and receiving
// responses through reg. Call Start before issuing requests or handling them;
// Request and Handle start it with a background context otherwise.
func NewCorrelator(tr transport.Transport, reg *event.Registry, opts ...Option) *Correlator {
	c := &Correlator{
		tr:             tr,
		reg:            reg,
		defaultTimeout: DefaultTimeout,
		replyEvent:     DefaultReplyEvent,
		newID:          idgen.Default,
		logger:         slog.Default(),
		metrics:        observability.NoopMetrics{},
		spans:          observability.NoopSpanManager{},
		table:          make(map[string]*pending),
	}
	if c.reg == nil {
		c.reg = event.NewRegistry(event.WithLogger(c.logger))
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ReplyEvent returns the event responses travel under.
func (c *Correlator) ReplyEvent() string { return c.replyEvent }

// Start binds the reply event and begins matching responses. The binding
// lives until ctx is done or Close is called. Calling Start again is a no-op.
func (c *Correlator) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	if c.closed {
		return &sberrors.TransportError{Op: "start", Event: c.replyEvent, Err: sberrors.ErrTransportClosed}
	}
	if c.ctx != nil {
		return nil
	}

	cctx, cancel := context.WithCancel(ctx)
	if err := c.reg.Bind(cctx, c.tr, c.replyEvent); err != nil {
		cancel()
		return fmt.Errorf("bind reply event: %w", err)
	}
	conn, err := c.reg.On(c.replyEvent, c.onResponse)
	if err != nil {
		cancel()
		return fmt.Errorf("listen for responses: %w", err)
	}

	c.ctx, c.cancel, c.replyConn = cctx, cancel, conn
	return nil
}

func (c *Correlator) started() (context.Context, error) {
	if err := c.Start(context.Background()); err != nil {
		return nil, err
	}
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()
	return c.ctx, nil
}

// Close stops matching responses and cancels every outstanding request.
func (c *Correlator) Close() {
	c.lifecycle.Lock()
	if c.closed {
		c.lifecycle.Unlock()
		return
	}
	c.closed = true
	if c.cancel != nil {
		c.cancel()
	}
	c.replyConn.Disconnect()
	c.lifecycle.Unlock()

	c.mu.Lock()
	outstanding := make([]*pending, 0, len(c.table))
	for _, p := range c.table {
		outstanding = append(outstanding, p)
	}
	c.mu.Unlock()

	for _, p := range outstanding {
		c.resolve(p, Result{ID: p.id, Status: StatusCancelled})
	}
}

// Request broadcasts eventName with a fresh id and waits for the response.
// A zero timeout applies the default; a negative timeout is rejected before
// anything is sent.
func (c *Correlator) Request(ctx context.Context, eventName string, timeout time.Duration, args ...any) (Result, error) {
	return c.request(ctx, transport.Broadcast, eventName, timeout, args)
}

// RequestTo is Request directed at a single peer.
func (c *Correlator) RequestTo(ctx context.Context, peer transport.Peer, eventName string, timeout time.Duration, args ...any) (Result, error) {
	if peer.IsBroadcast() {
		return Result{}, sberrors.Invalid("peer", "target peer is required")
	}
	return c.request(ctx, peer, eventName, timeout, args)
}

func (c *Correlator) request(ctx context.Context, to transport.Peer, eventName string, timeout time.Duration, args []any) (Result, error) {
	if err := transport.ValidateEvent(eventName); err != nil {
		return Result{}, err
	}
	switch {
	case timeout < 0:
		return Result{}, sberrors.Invalid("timeout", "must be positive")
	case timeout == 0:
		timeout = c.defaultTimeout
	}
	if _, err := c.started(); err != nil {
		return Result{}, err
	}

	p, err := c.register(eventName)
	if err != nil {
		return Result{}, err
	}

	ctx, span := c.spans.StartRequestSpan(ctx, eventName, p.id)
	observability.LogRequestStart(c.logger, eventName, p.id, timeout)

	payload := make([]any, 0, len(args)+1)
	payload = append(payload, p.id)
	payload = append(payload, args...)

	send := c.tr.SendReliable
	if c.unreliable {
		send = c.tr.SendUnreliable
	}
	if err := send(ctx, eventName, to, payload...); err != nil {
		if c.discard(p) {
			if ctx.Err() != nil {
				res := Result{ID: p.id, Status: StatusCancelled}
				c.finish(ctx, span, p, res, timeout)
				return res, nil
			}
			c.spans.EndSpanWithStatus(span, "send_failed", err)
			return Result{}, err
		}
		// A response raced the failing send; keep it.
	} else {
		c.spans.AddSpanEvent(ctx, "sent", attribute.String("signalbus.peer", string(to)))
	}

	timer := time.AfterFunc(timeout, func() {
		c.resolve(p, Result{ID: p.id, Status: StatusTimedOut})
	})
	defer timer.Stop()

	var res Result
	select {
	case res = <-p.results:
	case <-ctx.Done():
		c.resolve(p, Result{ID: p.id, Status: StatusCancelled})
		// Whichever participant won has already fired the gate.
		res = <-p.results
	}

	c.finish(ctx, span, p, res, timeout)
	return res, nil
}

// finish records the outcome of p.
func (c *Correlator) finish(ctx context.Context, span trace.Span, p *pending, res Result, timeout time.Duration) {
	elapsed := time.Since(p.started)
	c.metrics.RecordRequest(ctx, p.event, string(res.Status), elapsed)
	switch res.Status {
	case StatusResolved:
		observability.LogRequestResolved(c.logger, p.event, p.id, float64(elapsed.Microseconds())/1000)
	case StatusTimedOut:
		observability.LogRequestTimeout(c.logger, p.event, p.id, timeout)
	case StatusCancelled:
		observability.LogRequestCancelled(c.logger, p.event, p.id, ctx.Err())
	}
	c.spans.EndSpanWithStatus(span, string(res.Status), nil)
}

// register mints an id not present in the table and inserts the request
// with its gate connected.
func (c *Correlator) register(eventName string) (*pending, error) {
	p := &pending{
		event:   eventName,
		results: make(chan Result, 1),
	}

	c.mu.Lock()
	for attempt := 0; attempt < maxMintAttempts; attempt++ {
		id := c.newID()
		if id == "" {
			continue
		}
		if _, taken := c.table[id]; taken {
			continue
		}
		p.id = id
		break
	}
	if p.id == "" {
		c.mu.Unlock()
		return nil, fmt.Errorf("mint request id: no free id after %d attempts", maxMintAttempts)
	}

	p.gate = signal.New[Result](signal.WithName("request " + p.id))
	if _, err := p.gate.Once(func(r Result) error {
		p.results <- r
		return nil
	}); err != nil {
		c.mu.Unlock()
		return nil, err
	}
	p.started = time.Now()
	c.table[p.id] = p
	c.mu.Unlock()

	c.metrics.RecordPending(context.Background(), 1)
	return p, nil
}

// resolve is the single resolution point shared by response, timeout,
// cancellation and Close. It reports whether r won.
func (c *Correlator) resolve(p *pending, r Result) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.remove(p)
	p.gate.Fire(r)
	p.gate.Destroy()
	return true
}

// discard claims p without firing its gate. Used when the request never
// left this process.
func (c *Correlator) discard(p *pending) bool {
	if !p.resolved.CompareAndSwap(false, true) {
		return false
	}
	c.remove(p)
	p.gate.Destroy()
	return true
}

func (c *Correlator) remove(p *pending) {
	c.mu.Lock()
	if c.table[p.id] == p {
		delete(c.table, p.id)
	}
	c.mu.Unlock()
	c.metrics.RecordPending(context.Background(), -1)
}

func (c *Correlator) lookup(id string) *pending {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.table[id]
}

// onResponse matches an inbound response to its pending request.
func (c *Correlator) onResponse(msg transport.Message) error {
	id, ok := msg.Args.String(0)
	if !ok || id == "" {
		c.discarded(id, msg.From, "response without request id")
		return nil
	}

	p := c.lookup(id)
	if p == nil {
		c.discarded(id, msg.From, "unknown or resolved request")
		return nil
	}

	resolved := c.resolve(p, Result{
		ID:     id,
		Status: StatusResolved,
		Args:   append(transport.Args(nil), msg.Args[1:]...),
		From:   msg.From,
	})
	if !resolved {
		c.discarded(id, msg.From, "request already resolved")
	}
	return nil
}

// discarded traces a response that matched nothing. Late responses are
// routine after timeouts and never surface as errors.
func (c *Correlator) discarded(id string, from transport.Peer, detail string) {
	observability.LogLateResponse(c.logger, id, string(from))
	c.metrics.RecordLateResponse(context.Background())
	if c.journal == nil {
		return
	}
	err := c.journal.Record(journal.Entry{
		Kind:      journal.KindDiscarded,
		Event:     c.replyEvent,
		RequestID: id,
		Peer:      string(from),
		Detail:    detail,
	})
	if err != nil && !errors.Is(err, journal.ErrClosed) {
		c.logger.Debug("journal record failed", slog.String("error", err.Error()))
	}
}

// Respond sends (requestID, args...) under the reply event to peer, which must
// not be Broadcast. It keeps
// no local state: answering an id twice sends twice and the requester
// discards the duplicate.
func (c *Correlator) Respond(ctx context.Context, peer transport.Peer, requestID string, args ...any) error {
	if peer.IsBroadcast() {
		return sberrors.Invalid("peer", "target peer is required")
	}
	if requestID == "" {
		return sberrors.Invalid("request_id", "must not be empty")
	}
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, requestID)
	payload = append(payload, args...)
	return c.tr.SendReliable(ctx, c.replyEvent, peer, payload...)
}

// Handle answers requests for eventName with fn. Requests without a string
// id in the first argument are dropped. Each request is served on its own
// goroutine so a slow handler does not stall the feed.
func (c *Correlator) Handle(eventName string, fn HandlerFunc) (*signal.Connection, error) {
	if fn == nil {
		return nil, sberrors.Invalid("handler", "must not be nil")
	}
	if err := transport.ValidateEvent(eventName); err != nil {
		return nil, err
	}
	ctx, err := c.started()
	if err != nil {
		return nil, err
	}
	if err := c.reg.Bind(ctx, c.tr, eventName); err != nil {
		return nil, fmt.Errorf("bind %s: %w", eventName, err)
	}

	return c.reg.On(eventName, func(msg transport.Message) error {
		id, ok := msg.Args.String(0)
		if !ok || id == "" {
			c.logger.Debug("malformed request dropped",
				slog.String("event", eventName),
				slog.String("from", string(msg.From)))
			return nil
		}
		req := Request{
			ID:    id,
			Event: eventName,
			From:  msg.From,
			Args:  append(transport.Args(nil), msg.Args[1:]...),
		}
		go c.serve(ctx, req, fn)
		return nil
	})
}

func (c *Correlator) serve(ctx context.Context, req Request, fn HandlerFunc) {
	ctx, span := c.spans.StartHandleSpan(ctx, req.Event, req.ID)
	logger := observability.EnrichLogger(c.logger, req.Event, req.ID)

	out, err := fn(ctx, req)
	if err != nil {
		logger.Warn("request handler failed", slog.String("error", err.Error()))
		if c.journal != nil {
			_ = c.journal.Record(journal.Entry{
				Kind:      journal.KindHandlerFailure,
				Event:     req.Event,
				RequestID: req.ID,
				Peer:      string(req.From),
				Detail:    err.Error(),
			})
		}
		c.spans.EndSpanWithStatus(span, "handler_failed", err)
		return
	}

	if err := c.Respond(ctx, req.From, req.ID, out...); err != nil {
		logger.Warn("respond failed", slog.String("error", err.Error()))
		c.spans.EndSpanWithStatus(span, "respond_failed", err)
		return
	}
	c.spans.EndSpanWithStatus(span, "ok", nil)
}

// Pending returns the number of outstanding requests.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.table)
}

// IsPending reports whether id is awaiting a response.
func (c *Correlator) IsPending(id string) bool {
	return c.lookup(id) != nil
}
