package redistransport_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/signalbus/pkg/signalbus/codec"
	sberrors "github.com/randalmurphal/signalbus/pkg/signalbus/errors"
	"github.com/randalmurphal/signalbus/pkg/signalbus/event"
	"github.com/randalmurphal/signalbus/pkg/signalbus/request"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport"
	"github.com/randalmurphal/signalbus/pkg/signalbus/transport/redistransport"
)

func newTransport(t *testing.T, s *miniredis.Miniredis, peer transport.Peer, opts ...redistransport.Option) *redistransport.Transport {
	t.Helper()
	tr, err := redistransport.New(&redis.Options{Addr: s.Addr()}, peer, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tr.Close() })
	return tr
}

func receive(t *testing.T, ch <-chan transport.Message) transport.Message {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "feed closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return transport.Message{}
	}
}

func TestDirectedSend(t *testing.T) {
	s := miniredis.RunT(t)
	alice := newTransport(t, s, "alice")
	bob := newTransport(t, s, "bob")

	ctx := context.Background()
	feed, err := bob.OnMessage(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, alice.SendReliable(ctx, "chat", "bob", "hi", 2))

	msg := receive(t, feed)
	assert.Equal(t, "chat", msg.Event)
	assert.Equal(t, transport.Peer("alice"), msg.From)
	assert.Equal(t, transport.Args{"hi", 2.0}, msg.Args)
}

func TestBroadcastSkipsSender(t *testing.T) {
	s := miniredis.RunT(t)
	alice := newTransport(t, s, "alice")
	bob := newTransport(t, s, "bob")

	ctx := context.Background()
	aliceFeed, err := alice.OnMessage(ctx, "news")
	require.NoError(t, err)
	bobFeed, err := bob.OnMessage(ctx, "news")
	require.NoError(t, err)

	require.NoError(t, alice.SendReliable(ctx, "news", transport.Broadcast, "headline"))

	msg := receive(t, bobFeed)
	assert.Equal(t, transport.Args{"headline"}, msg.Args)

	select {
	case <-aliceFeed:
		t.Fatal("sender received its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDirectedSendToAbsentPeer(t *testing.T) {
	s := miniredis.RunT(t)
	alice := newTransport(t, s, "alice")

	err := alice.SendReliable(context.Background(), "chat", "nobody")
	assert.ErrorIs(t, err, sberrors.ErrPeerUnknown)

	assert.NoError(t, alice.SendUnreliable(context.Background(), "chat", transport.Broadcast, "x"),
		"broadcast without subscribers is not an error")
}

func TestChannelNaming(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice", redistransport.WithPrefix("app:"))

	assert.Equal(t, "app:chat", tr.Channel("chat", transport.Broadcast))
	assert.Equal(t, "app:chat@bob", tr.Channel("chat", "bob"))
	assert.Equal(t, transport.Peer("alice"), tr.Peer())
}

func TestEventNamesWithAtRejected(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice")
	ctx := context.Background()

	var valErr *sberrors.ValidationError
	require.ErrorAs(t, tr.SendReliable(ctx, "a@bob", transport.Broadcast), &valErr)
	assert.Equal(t, "event", valErr.Field)

	_, err := tr.OnMessage(ctx, "a@bob")
	assert.ErrorAs(t, err, &valErr)
}

func TestEnvelopeForOtherEventDropped(t *testing.T) {
	s := miniredis.RunT(t)
	alice := newTransport(t, s, "alice")
	bob := newTransport(t, s, "bob")

	ctx := context.Background()
	feed, err := bob.OnMessage(ctx, "chat")
	require.NoError(t, err)

	raw := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer raw.Close()
	data, err := codec.JSON{}.Marshal(codec.Envelope{Event: "other", From: "mallory", Args: []any{"x"}})
	require.NoError(t, err)
	require.NoError(t, raw.Publish(ctx, bob.Channel("chat", "bob"), data).Err())

	require.NoError(t, alice.SendReliable(ctx, "chat", "bob", "real"))

	msg := receive(t, feed)
	assert.Equal(t, transport.Peer("alice"), msg.From)
	assert.Equal(t, transport.Args{"real"}, msg.Args)
}

func TestPublishIssuesNoExtraCommands(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice")
	ctx := context.Background()

	require.NoError(t, tr.SendReliable(ctx, "tick", transport.Broadcast))

	before := s.CommandCount()
	for i := 0; i < 5; i++ {
		require.NoError(t, tr.SendReliable(ctx, "tick", transport.Broadcast, i))
	}
	assert.Equal(t, 5, s.CommandCount()-before)
}

func TestSendSurvivesServerRestart(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice")
	ctx := context.Background()

	require.NoError(t, tr.SendReliable(ctx, "tick", transport.Broadcast))
	s.Close()
	require.NoError(t, s.Restart())

	assert.NoError(t, tr.SendReliable(ctx, "tick", transport.Broadcast))
}

func TestMsgpackCodec(t *testing.T) {
	s := miniredis.RunT(t)
	alice := newTransport(t, s, "alice", redistransport.WithCodec(codec.Msgpack{}))
	bob := newTransport(t, s, "bob", redistransport.WithCodec(codec.Msgpack{}))

	ctx := context.Background()
	feed, err := bob.OnMessage(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, alice.SendReliable(ctx, "chat", "bob", "id-123", "payload"))
	msg := receive(t, feed)
	assert.Equal(t, transport.Args{"id-123", "payload"}, msg.Args)
}

func TestValidationAndClose(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice")
	ctx := context.Background()

	var valErr *sberrors.ValidationError
	assert.ErrorAs(t, tr.SendReliable(ctx, "", "bob"), &valErr)
	_, err := tr.OnMessage(ctx, "bad name")
	assert.ErrorAs(t, err, &valErr)

	feed, err := tr.OnMessage(ctx, "chat")
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	select {
	case _, ok := <-feed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}

	err = tr.SendReliable(ctx, "chat", "bob")
	assert.ErrorIs(t, err, sberrors.ErrTransportClosed)
	var tErr *sberrors.TransportError
	assert.ErrorAs(t, err, &tErr)
}

func TestFeedClosesOnContextDone(t *testing.T) {
	s := miniredis.RunT(t)
	tr := newTransport(t, s, "alice")

	ctx, cancel := context.WithCancel(context.Background())
	feed, err := tr.OnMessage(ctx, "chat")
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-feed:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("feed not closed")
	}
}

func TestNewValidation(t *testing.T) {
	_, err := redistransport.New(nil, "alice")
	assert.Error(t, err)

	_, err = redistransport.New(&redis.Options{Addr: "localhost:0"}, "")
	var valErr *sberrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestRequestOverRedis(t *testing.T) {
	s := miniredis.RunT(t)
	aliceTr := newTransport(t, s, "alice")
	bobTr := newTransport(t, s, "bob")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	alice := request.NewCorrelator(aliceTr, event.NewRegistry())
	require.NoError(t, alice.Start(ctx))
	defer alice.Close()

	bob := request.NewCorrelator(bobTr, event.NewRegistry())
	require.NoError(t, bob.Start(ctx))
	defer bob.Close()

	_, err := bob.Handle("echo", func(_ context.Context, req request.Request) ([]any, error) {
		return req.Args, nil
	})
	require.NoError(t, err)

	res, err := alice.Request(ctx, "echo", 2*time.Second, "over redis")
	require.NoError(t, err)
	assert.Equal(t, request.StatusResolved, res.Status)
	assert.Equal(t, transport.Args{"over redis"}, res.Args)
	assert.Equal(t, transport.Peer("bob"), res.From)
}
