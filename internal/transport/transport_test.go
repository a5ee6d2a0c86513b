package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paboldin/rally-agent/internal/envelope"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub("127.0.0.1:0", "127.0.0.1:0", false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))
	return hub
}

func TestPublishDeliversToSubscriber(t *testing.T) {
	hub := startHub(t)

	sub, err := DialSubscriber(hub.BroadcastAddr())
	require.NoError(t, err)
	defer sub.Close()

	// Give the listener a moment to register the connection before
	// publishing; best-effort delivery means an earlier publish would be
	// lost, same as a live agent connecting after the fact.
	time.Sleep(50 * time.Millisecond)

	req := envelope.NewRequest("ping")
	require.NoError(t, hub.Publish(req))

	got, err := sub.Next()
	require.NoError(t, err)
	assert.Equal(t, "ping", got.Action())
	assert.Equal(t, req.Req(), got.Req())
}

func TestPushDeliversToCollector(t *testing.T) {
	hub := startHub(t)

	pusher, err := DialPusher(hub.CollectAddr())
	require.NoError(t, err)
	defer pusher.Close()

	reply := envelope.NewReply("req-1", "agent-0")
	require.NoError(t, pusher.Send(reply))

	require.True(t, hub.Collector().Poll(time.Second))
	got, ok := hub.Collector().Receive()
	require.True(t, ok)
	assert.Equal(t, "req-1", got.Req())
	assert.Equal(t, "agent-0", got.Agent())
}

func TestCollectorPollTimesOutWithNoReply(t *testing.T) {
	hub := startHub(t)
	assert.False(t, hub.Collector().Poll(20*time.Millisecond))
}

func TestCollectorReceiveReturnsLookaheadFromPoll(t *testing.T) {
	hub := startHub(t)

	pusher, err := DialPusher(hub.CollectAddr())
	require.NoError(t, err)
	defer pusher.Close()

	require.NoError(t, pusher.Send(envelope.NewReply("req-1", "agent-0")))

	require.True(t, hub.Collector().Poll(time.Second))
	require.True(t, hub.Collector().Poll(time.Second)) // second Poll sees the same lookahead
	got, ok := hub.Collector().Receive()
	require.True(t, ok)
	assert.Equal(t, "req-1", got.Req())
}
