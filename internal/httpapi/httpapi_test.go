package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/paboldin/rally-agent/internal/engine"
	"github.com/paboldin/rally-agent/internal/envelope"
	"github.com/paboldin/rally-agent/internal/transport"
)

func startTestFixture(t *testing.T, agentIDs ...string) (*httptest.Server, *http.Client) {
	t.Helper()

	hub := transport.NewHub("127.0.0.1:0", "127.0.0.1:0", false)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, hub.Start(ctx))

	for _, id := range agentIDs {
		sub, err := transport.DialSubscriber(hub.BroadcastAddr())
		require.NoError(t, err)
		pusher, err := transport.DialPusher(hub.CollectAddr())
		require.NoError(t, err)
		t.Cleanup(func() { sub.Close(); pusher.Close() })

		agentID := id
		go func() {
			for {
				req, err := sub.Next()
				if err != nil {
					return
				}
				reply := envelope.NewReply(req.Req(), agentID)
				if pusher.Send(reply) != nil {
					return
				}
			}
		}()
	}
	time.Sleep(50 * time.Millisecond)

	eng := engine.New(hub)
	server := NewServer(eng)

	// httptest.NewServer doesn't install Server.ConnContext, so every
	// request here shares one session (the RemoteAddr fallback in
	// sessionFor); a single http.Client with persistent connections keeps
	// that RemoteAddr stable across calls within a test.
	ts := httptest.NewServer(server)
	t.Cleanup(ts.Close)

	return ts, ts.Client()
}

func TestPingTwoAgentsReturnsBothSorted(t *testing.T) {
	ts, client := startTestFixture(t, "0", "1")

	resp, err := client.Get(ts.URL + "/ping?timeout=1000&agents=2")
	require.NoError(t, err)
	defer resp.Body.Close()

	var replies []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&replies))
	require.Len(t, replies, 2)
	assert.Equal(t, "0", replies[0]["agent"])
	assert.Equal(t, "1", replies[1]["agent"])
	assert.Equal(t, replies[0]["req"], replies[1]["req"])
}

func TestPingShortQuorumThenMissed(t *testing.T) {
	ts, client := startTestFixture(t, "0", "1")

	resp, err := client.Get(ts.URL + "/ping?timeout=1000&agents=1")
	require.NoError(t, err)
	var replies []map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&replies))
	resp.Body.Close()
	require.Len(t, replies, 1)
	firstAgent := replies[0]["agent"]
	reqID := replies[0]["req"].(string)

	resp, err = client.Get(ts.URL + "/missed?timeout=300")
	require.NoError(t, err)
	defer resp.Body.Close()

	var missed map[string][]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&missed))
	require.Contains(t, missed, reqID)
	require.Len(t, missed[reqID], 1)
	assert.NotEqual(t, firstAgent, missed[reqID][0]["agent"])
}

func TestDuplicateKeyBetweenQueryAndBodyIs400(t *testing.T) {
	ts, client := startTestFixture(t, "0")

	form := url.Values{"agents": {"1"}}
	resp, err := client.PostForm(ts.URL+"/ping-action?agents=1", form)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Duplicate argumets.", body["error"])
}

func TestConfigureGetAndPut(t *testing.T) {
	ts, client := startTestFixture(t)

	resp, err := client.Get(ts.URL + "/configure")
	require.NoError(t, err)
	var cfg map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	resp.Body.Close()
	assert.EqualValues(t, 10000, cfg["timeout"])

	put, err := http.NewRequest(http.MethodPut, ts.URL+"/configure?timeout=500&agents=3", nil)
	require.NoError(t, err)
	resp, err = client.Do(put)
	require.NoError(t, err)
	defer resp.Body.Close()

	var updated map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&updated))
	assert.EqualValues(t, 500, updated["timeout"])
	assert.EqualValues(t, 3, updated["agents"])
}

func TestMissingRouteIs404(t *testing.T) {
	ts, client := startTestFixture(t)

	resp, err := client.Get(ts.URL + "/does-not-exist/nested")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}
