package signalbus_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus"
	"github.com/randalmurphal/signalbus/pkg/signalbus/config"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/journal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/request"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/loopback"
)

func newBus(t *testing.T, hub *loopback.Hub, peer transport.Peer, opts ...signalbus.Option) *signalbus.Bus {
	t.Helper()
	ep, err := hub.Connect(peer)
	require.NoError(t, err)
	bus := signalbus.New(ep, opts...)
	t.Cleanup(func() { _ = bus.Close() })
	return bus
}

func echo(_ context.Context, req request.Request) ([]any, error) {
	return req.Args, nil
}

func TestBus_EmitReachesOtherPeers(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")

	got := make(chan transport.Message, 1)
	_, err := bob.On("chat.message", func(msg transport.Message) error {
		got <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, alice.Emit(context.Background(), "chat.message", "hello", 42))

	select {
	case msg := <-got:
		assert.Equal(t, transport.Peer("alice"), msg.From)
		assert.Equal(t, transport.Args{"hello", 42.0}, msg.Args)
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBus_EmitTo(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")
	carol := newBus(t, hub, "carol")

	var bobCount, carolCount atomic.Int32
	_, err := bob.On("poke", func(transport.Message) error { bobCount.Add(1); return nil })
	require.NoError(t, err)
	_, err = carol.On("poke", func(transport.Message) error { carolCount.Add(1); return nil })
	require.NoError(t, err)

	require.NoError(t, alice.EmitTo(context.Background(), "bob", "poke"))
	require.Eventually(t, func() bool { return bobCount.Load() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(0), carolCount.Load())

	err = alice.EmitTo(context.Background(), "nobody", "poke")
	assert.ErrorIs(t, err, sberrors.ErrPeerUnknown)

	var valErr *sberrors.ValidationError
	assert.ErrorAs(t, alice.EmitTo(context.Background(), transport.Broadcast, "poke"), &valErr)
}

func TestBus_EmitUnreliable(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")

	var count atomic.Int32
	_, err := bob.On("tick", func(transport.Message) error { count.Add(1); return nil })
	require.NoError(t, err)

	require.NoError(t, alice.EmitUnreliable(context.Background(), "tick"))
	assert.Eventually(t, func() bool { return count.Load() == 1 }, time.Second, time.Millisecond)
}

func TestBus_OnceDeliversOnce(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")

	var once, always atomic.Int32
	_, err := bob.Once("ping", func(transport.Message) error { once.Add(1); return nil })
	require.NoError(t, err)
	_, err = bob.On("ping", func(transport.Message) error { always.Add(1); return nil })
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, alice.Emit(context.Background(), "ping", i))
	}
	require.Eventually(t, func() bool { return always.Load() == 3 }, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), once.Load())
}

func TestBus_InvalidEventName(t *testing.T) {
	bus := newBus(t, loopback.NewHub(), "alice")

	var valErr *sberrors.ValidationError
	_, err := bus.On("two words", func(transport.Message) error { return nil })
	assert.ErrorAs(t, err, &valErr)
	_, err = bus.Once("", func(transport.Message) error { return nil })
	assert.ErrorAs(t, err, &valErr)
}

func TestBus_ListenerFailureJournaled(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")

	var healthy atomic.Int32
	_, err := bob.On("job.done", func(transport.Message) error { return errors.New("disk full") })
	require.NoError(t, err)
	_, err = bob.On("job.done", func(transport.Message) error { healthy.Add(1); return nil })
	require.NoError(t, err)

	require.NoError(t, alice.Emit(context.Background(), "job.done"))

	require.Eventually(t, func() bool {
		n, _ := bob.Journal().Count()
		return n == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, int32(1), healthy.Load(), "other listeners still run")

	entries, err := bob.Journal().List(0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, journal.KindListenerFailure, entries[0].Kind)
	assert.Equal(t, "job.done", entries[0].Event)
	assert.Contains(t, entries[0].Detail, "disk full")
}

func TestBus_SignalFiresLocally(t *testing.T) {
	bus := newBus(t, loopback.NewHub(), "alice")

	var got transport.Message
	_, err := bus.On("local", func(msg transport.Message) error { got = msg; return nil })
	require.NoError(t, err)

	bus.Signal("local").Fire(transport.Message{Event: "local", Args: transport.Args{"x"}})
	assert.Equal(t, transport.Args{"x"}, got.Args)
	assert.Same(t, bus.Signal("local"), bus.Registry().Get("local"))
}

func TestBus_Wait(t *testing.T) {
	hub := loopback.NewHub()
	alice := newBus(t, hub, "alice")
	bob := newBus(t, hub, "bob")

	go func() {
		deadline := time.Now().Add(time.Second)
		for !bob.Signal("ready").HasListeners() && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}
		_ = alice.Emit(context.Background(), "ready", "go")
	}()

	msg, ok, err := bob.Wait("ready", time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, transport.Args{"go"}, msg.Args)

	_, ok, err = bob.Wait("never", 20*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBus_RequestResponse(t *testing.T) {
	hub := loopback.NewHub()
	server := newBus(t, hub, "server")
	client := newBus(t, hub, "client")

	_, err := server.Handle("echo", echo)
	require.NoError(t, err)

	res, err := client.Request(context.Background(), "echo", time.Second, "hi")
	require.NoError(t, err)
	assert.Equal(t, request.StatusResolved, res.Status)
	assert.Equal(t, transport.Args{"hi"}, res.Args)
	assert.Equal(t, transport.Peer("server"), res.From)
	assert.False(t, client.Correlator().IsPending(res.ID))

	res, err = client.RequestTo(context.Background(), "server", "echo", time.Second, 7)
	require.NoError(t, err)
	assert.Equal(t, transport.Args{7.0}, res.Args)
}

func TestBus_RequestTimesOut(t *testing.T) {
	client := newBus(t, loopback.NewHub(), "client")

	res, err := client.Request(context.Background(), "ping", 30*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, request.StatusTimedOut, res.Status)
	assert.Equal(t, 0, client.Correlator().Pending())
}

func TestBus_ManualRespond(t *testing.T) {
	hub := loopback.NewHub()
	server := newBus(t, hub, "server")
	client := newBus(t, hub, "client")

	_, err := server.On("lookup", func(msg transport.Message) error {
		id, _ := msg.Args.String(0)
		go func() {
			_ = server.Respond(context.Background(), msg.From, id, "found")
			_ = server.Respond(context.Background(), msg.From, id, "again")
		}()
		return nil
	})
	require.NoError(t, err)

	res, err := client.Request(context.Background(), "lookup", time.Second)
	require.NoError(t, err)
	assert.Equal(t, transport.Args{"found"}, res.Args)

	require.Eventually(t, func() bool {
		n, _ := client.Journal().Count()
		return n == 1
	}, time.Second, time.Millisecond, "second response is discarded and journaled")
}

func TestBus_WithJournalLeftOpen(t *testing.T) {
	j := journal.NewMemoryJournal(8)
	bus := signalbus.New(mustConnect(t, loopback.NewHub(), "alice"), signalbus.WithJournal(j))

	assert.Same(t, j, bus.Journal())
	require.NoError(t, bus.Close())
	assert.NoError(t, j.Record(journal.Entry{Kind: journal.KindDiscarded}))
}

func TestBus_Close(t *testing.T) {
	hub := loopback.NewHub()
	bus := signalbus.New(mustConnect(t, hub, "alice"))

	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())

	_, err := bus.On("x", func(transport.Message) error { return nil })
	assert.ErrorIs(t, err, sberrors.ErrTransportClosed)

	_, err = bus.Request(context.Background(), "x", time.Second)
	assert.ErrorIs(t, err, sberrors.ErrTransportClosed)

	assert.Empty(t, hub.Peers(), "transport detached")
	assert.ErrorIs(t, bus.Journal().Record(journal.Entry{}), journal.ErrClosed)
}

func mustConnect(t *testing.T, hub *loopback.Hub, peer transport.Peer) *loopback.Endpoint {
	t.Helper()
	ep, err := hub.Connect(peer)
	require.NoError(t, err)
	return ep
}

func TestFromConfig_Loopback(t *testing.T) {
	hub := loopback.NewHub()

	serverCfg := config.DefaultBusConfig()
	serverCfg.Peer = "server"
	server, err := signalbus.FromConfig(context.Background(), serverCfg, signalbus.WithHub(hub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	clientCfg := config.DefaultBusConfig()
	clientCfg.Peer = "client"
	clientCfg.IDGenerator = "ulid"
	clientCfg.DefaultTimeout = 50 * time.Millisecond
	client, err := signalbus.FromConfig(context.Background(), clientCfg, signalbus.WithHub(hub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = server.Handle("echo", echo)
	require.NoError(t, err)

	res, err := client.Request(context.Background(), "echo", 0, "hi")
	require.NoError(t, err)
	assert.Equal(t, request.StatusResolved, res.Status)
	assert.Len(t, res.ID, 26, "ulid ids")

	start := time.Now()
	res, err = client.Request(context.Background(), "nobody.home", 0)
	require.NoError(t, err)
	assert.Equal(t, request.StatusTimedOut, res.Status)
	assert.Less(t, time.Since(start), time.Second, "configured default timeout applies")
}

func TestFromConfig_SQLiteJournal(t *testing.T) {
	bc := config.DefaultBusConfig()
	bc.JournalPath = filepath.Join(t.TempDir(), "diag.db")
	bc.Metrics = true
	bc.Tracing = true

	bus, err := signalbus.FromConfig(context.Background(), bc)
	require.NoError(t, err)

	sq, ok := bus.Journal().(*journal.SQLiteJournal)
	require.True(t, ok)
	require.NoError(t, sq.Record(journal.Entry{Kind: journal.KindDiscarded, RequestID: "r1"}))

	require.NoError(t, bus.Close())

	reopened, err := journal.NewSQLiteJournal(bc.JournalPath)
	require.NoError(t, err)
	defer reopened.Close()
	n, err := reopened.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestFromConfig_Invalid(t *testing.T) {
	bc := config.DefaultBusConfig()
	bc.Codec = "xml"

	_, err := signalbus.FromConfig(context.Background(), bc)
	var valErr *sberrors.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Equal(t, "codec", valErr.Field)

	bc = config.DefaultBusConfig()
	bc.JournalPath = filepath.Join(t.TempDir(), "missing", "dir", "diag.db")
	_, err = signalbus.FromConfig(context.Background(), bc)
	assert.ErrorContains(t, err, "open journal")
}

func TestFromConfig_DuplicateLoopbackPeer(t *testing.T) {
	hub := loopback.NewHub()
	bc := config.DefaultBusConfig()

	first, err := signalbus.FromConfig(context.Background(), bc, signalbus.WithHub(hub))
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	_, err = signalbus.FromConfig(context.Background(), bc, signalbus.WithHub(hub))
	var valErr *sberrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestFromConfig_Redis(t *testing.T) {
	s := miniredis.RunT(t)

	build := func(peer string) *signalbus.Bus {
		bc := config.DefaultBusConfig()
		bc.Transport = config.TransportRedis
		bc.Address = s.Addr()
		bc.Peer = peer
		bc.Prefix = "test:"
		bc.Codec = "msgpack"
		bus, err := signalbus.FromConfig(context.Background(), bc)
		require.NoError(t, err)
		t.Cleanup(func() { _ = bus.Close() })
		return bus
	}
	server := build("server")
	client := build("client")

	_, err := server.Handle("echo", echo)
	require.NoError(t, err)

	res, err := client.Request(context.Background(), "echo", 2*time.Second, "over redis")
	require.NoError(t, err)
	assert.Equal(t, request.StatusResolved, res.Status)
	assert.Equal(t, transport.Args{"over redis"}, res.Args)
	assert.Equal(t, transport.Peer("server"), res.From)
}
