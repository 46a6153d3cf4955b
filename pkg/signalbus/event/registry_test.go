package event_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/event"
	"github.com/randalmurphal/signalbus/pkg/signalbus/signal"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/loopback"
)

func TestRegistry_GetCreatesOnce(t *testing.T) {
	reg := event.NewRegistry()

	a := reg.Get("chat")
	b := reg.Get("chat")
	assert.Same(t, a, b)
	assert.Equal(t, "chat", a.Name())

	_, ok := reg.Lookup("other")
	assert.False(t, ok)
	assert.Equal(t, []string{"chat"}, reg.Names())
}

func TestRegistry_ConcurrentGetReturnsSingleInstance(t *testing.T) {
	reg := event.NewRegistry()

	const n = 64
	got := make([]*signal.Signal[transport.Message], n)
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			got[i] = reg.Get("race")
		}(i)
	}
	close(start)
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Len(t, reg.Names(), 1)
}

func TestRegistry_OnAndDispatch(t *testing.T) {
	reg := event.NewRegistry()

	var got []transport.Message
	conn, err := reg.On("chat", func(msg transport.Message) error {
		got = append(got, msg)
		return nil
	})
	require.NoError(t, err)

	reg.Dispatch(transport.Message{Event: "chat", From: "p1", Args: transport.Args{"hi"}})
	reg.Dispatch(transport.Message{Event: "unrelated"})
	conn.Disconnect()
	reg.Dispatch(transport.Message{Event: "chat", Args: transport.Args{"ignored"}})

	require.Len(t, got, 1)
	assert.Equal(t, transport.Peer("p1"), got[0].From)

	_, ok := reg.Lookup("unrelated")
	assert.False(t, ok, "dispatch must not create signals")
}

func TestRegistry_Once(t *testing.T) {
	reg := event.NewRegistry()

	calls := 0
	_, err := reg.Once("tick", func(transport.Message) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	reg.Dispatch(transport.Message{Event: "tick"})
	reg.Dispatch(transport.Message{Event: "tick"})
	assert.Equal(t, 1, calls)
}

func TestRegistry_InvalidName(t *testing.T) {
	reg := event.NewRegistry()

	var valErr *sberrors.ValidationError
	_, err := reg.On("", func(transport.Message) error { return nil })
	assert.ErrorAs(t, err, &valErr)

	_, err = reg.On("has space", func(transport.Message) error { return nil })
	assert.ErrorAs(t, err, &valErr)

	assert.NoError(t, event.ValidateName("ok.name"))
}

func TestRegistry_ListenerErrorsReported(t *testing.T) {
	var (
		mu       sync.Mutex
		reported []error
	)
	reg := event.NewRegistry(event.WithErrorHandler(func(err error) {
		mu.Lock()
		reported = append(reported, err)
		mu.Unlock()
	}))

	after := false
	_, err := reg.On("chat", func(transport.Message) error { return errors.New("boom") })
	require.NoError(t, err)
	_, err = reg.On("chat", func(transport.Message) error {
		after = true
		return nil
	})
	require.NoError(t, err)

	reg.Dispatch(transport.Message{Event: "chat"})

	assert.True(t, after, "later listeners still run")
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, reported, 1)
	var lErr *sberrors.ListenerError
	require.ErrorAs(t, reported[0], &lErr)
	assert.Equal(t, "chat", lErr.Signal)
}

func TestRegistry_Bind(t *testing.T) {
	hub := loopback.NewHub()
	alice, err := hub.Connect("alice")
	require.NoError(t, err)
	bob, err := hub.Connect("bob")
	require.NoError(t, err)

	reg := event.NewRegistry()
	defer reg.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, reg.Bind(ctx, bob, "chat"))
	require.NoError(t, reg.Bind(ctx, bob, "chat"), "rebinding is a no-op")
	assert.True(t, reg.Bound("chat"))

	received := make(chan transport.Message, 1)
	_, err = reg.On("chat", func(msg transport.Message) error {
		received <- msg
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, alice.SendReliable(ctx, "chat", "bob", "hello"))

	select {
	case msg := <-received:
		assert.Equal(t, transport.Peer("alice"), msg.From)
		assert.Equal(t, transport.Args{"hello"}, msg.Args)
	case <-time.After(time.Second):
		t.Fatal("message not dispatched")
	}

	select {
	case <-received:
		t.Fatal("duplicate binding delivered twice")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRegistry_BindUnbindsWhenFeedEnds(t *testing.T) {
	hub := loopback.NewHub()
	ep, err := hub.Connect("solo")
	require.NoError(t, err)

	reg := event.NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, reg.Bind(ctx, ep, "chat"))

	cancel()
	assert.Eventually(t, func() bool { return !reg.Bound("chat") }, time.Second, 5*time.Millisecond)

	require.NoError(t, reg.Bind(context.Background(), ep, "chat"))
	assert.True(t, reg.Bound("chat"))
	reg.Close()
}

func TestRegistry_BindClosedTransport(t *testing.T) {
	hub := loopback.NewHub()
	ep, err := hub.Connect("gone")
	require.NoError(t, err)
	require.NoError(t, ep.Close())

	reg := event.NewRegistry()
	err = reg.Bind(context.Background(), ep, "chat")

	var tErr *sberrors.TransportError
	assert.ErrorAs(t, err, &tErr)
	assert.False(t, reg.Bound("chat"))
}

func TestRegistry_CloseDestroysSignals(t *testing.T) {
	reg := event.NewRegistry()
	s := reg.Get("chat")

	waited := make(chan bool, 1)
	go func() {
		_, ok := s.Wait(context.Background())
		waited <- ok
	}()
	assert.Eventually(t, s.HasListeners, time.Second, time.Millisecond)

	reg.Close()

	select {
	case ok := <-waited:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("wait not released by Close")
	}
	assert.True(t, s.IsDestroyed())
	assert.NotSame(t, s, reg.Get("chat"))
}

func TestDefaultRegistry(t *testing.T) {
	assert.Same(t, event.DefaultRegistry.Get("default.test"), event.Get("default.test"))
}
