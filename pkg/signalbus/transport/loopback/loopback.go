// Package loopback is an in-process Transport. A Hub connects any number of
// Endpoints; each Endpoint is one peer. Payloads pass through a codec on the
// way so that in-process delivery sees the same value shapes a network hop
// would produce.
package loopback

import (
	"log/slog"
	"sync"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
)

// DefaultBufferSize is the per-subscription channel buffer.
const DefaultBufferSize = 256

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithCodec sets the codec applied to every payload. nil passes payloads
// through unchanged (the slice itself is copied).
// Default: codec.JSON.
func WithCodec(c codec.Codec) HubOption {
	return func(h *Hub) {
		h.codec = c
	}
}

// WithBufferSize sets the per-subscription buffer.
// Default: 256
func WithBufferSize(n int) HubOption {
	return func(h *Hub) {
		if n > 0 {
			h.bufferSize = n
		}
	}
}

// WithLogger sets the logger for dropped deliveries.
func WithLogger(logger *slog.Logger) HubOption {
	return func(h *Hub) {
		h.logger = logger
	}
}

// Hub routes messages between endpoints in one process.
type Hub struct {
	codec      codec.Codec
	bufferSize int
	logger     *slog.Logger

	mu        sync.RWMutex
	endpoints map[transport.Peer]*Endpoint
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		codec:      codec.JSON{},
		bufferSize: DefaultBufferSize,
		logger:     slog.Default(),
		endpoints:  make(map[transport.Peer]*Endpoint),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect attaches a new endpoint identified by peer.
func (h *Hub) Connect(peer transport.Peer) (*Endpoint, error) {
	if peer.IsBroadcast() {
		return nil, sberrors.Invalid("peer", "must not be empty")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.endpoints[peer]; exists {
		return nil, sberrors.Invalid("peer", "already connected: "+string(peer))
	}

	ep := &Endpoint{
		hub:     h,
		peer:    peer,
		subs:    make(map[string]map[*subscription]struct{}),
		closing: make(chan struct{}),
	}
	h.endpoints[peer] = ep
	return ep, nil
}

// Peers returns the connected peers.
func (h *Hub) Peers() []transport.Peer {
	h.mu.RLock()
	defer h.mu.RUnlock()

	peers := make([]transport.Peer, 0, len(h.endpoints))
	for p := range h.endpoints {
		peers = append(peers, p)
	}
	return peers
}

func (h *Hub) detach(peer transport.Peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.endpoints, peer)
}

// targets resolves the receiving endpoints for a send from sender.
func (h *Hub) targets(sender, to transport.Peer) ([]*Endpoint, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if !to.IsBroadcast() {
		ep, ok := h.endpoints[to]
		if !ok {
			return nil, sberrors.ErrPeerUnknown
		}
		return []*Endpoint{ep}, nil
	}

	eps := make([]*Endpoint, 0, len(h.endpoints))
	for p, ep := range h.endpoints {
		if p != sender {
			eps = append(eps, ep)
		}
	}
	return eps, nil
}

func (h *Hub) encode(args []any) ([]any, error) {
	if h.codec == nil {
		out := make([]any, len(args))
		copy(out, args)
		return out, nil
	}
	if args == nil {
		args = []any{}
	}
	return codec.RoundTrip(h.codec, args)
}
