package signalserver

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, *httptest.Server) {
	t.Helper()
	s := New(nil, prometheus.NewRegistry())
	httpServer := httptest.NewServer(s.Router())
	t.Cleanup(httpServer.Close)
	return s, httpServer
}

func wsURL(httpURL, path string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http") + path
}

func dialIntroduction(t *testing.T, httpServer *httptest.Server, localID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer.URL, "/introduction/"+localID), nil)
	require.NoError(t, err)
	return conn
}

func TestIntroductionFanOutOnSharedInterest(t *testing.T) {
	_, httpServer := newTestServer(t)

	connA := dialIntroduction(t, httpServer, "alice")
	defer connA.Close()
	connB := dialIntroduction(t, httpServer, "bob")
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(joinMessage{Type: "Join", Join: []string{"doc-1"}}))
	require.NoError(t, connB.WriteJSON(joinMessage{Type: "Join", Join: []string{"doc-1"}}))

	var introForA, introForB introductionMessage
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, connA.ReadJSON(&introForA))
	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, connB.ReadJSON(&introForB))

	assert.Equal(t, "Introduction", introForA.Type)
	assert.Equal(t, "bob", introForA.ID)
	assert.Equal(t, []string{"doc-1"}, introForA.Keys)

	assert.Equal(t, "Introduction", introForB.Type)
	assert.Equal(t, "alice", introForB.ID)
	assert.Equal(t, []string{"doc-1"}, introForB.Keys)
}

func TestIntroductionSkipsPeersWithNoSharedInterest(t *testing.T) {
	_, httpServer := newTestServer(t)

	connA := dialIntroduction(t, httpServer, "alice")
	defer connA.Close()
	connB := dialIntroduction(t, httpServer, "bob")
	defer connB.Close()

	require.NoError(t, connA.WriteJSON(joinMessage{Type: "Join", Join: []string{"doc-1"}}))
	require.NoError(t, connB.WriteJSON(joinMessage{Type: "Join", Join: []string{"doc-2"}}))

	connA.SetReadDeadline(time.Now().Add(300 * time.Millisecond))
	var msg introductionMessage
	err := connA.ReadJSON(&msg)
	assert.Error(t, err, "expected no introduction for disjoint interests")
}

func TestConnectPipesBytesBidirectionally(t *testing.T) {
	_, httpServer := newTestServer(t)

	connA, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer.URL, "/connection/alice/bob/doc-1"), nil)
	require.NoError(t, err)
	defer connA.Close()

	connB, _, err := websocket.DefaultDialer.Dial(wsURL(httpServer.URL, "/connection/bob/alice/doc-1"), nil)
	require.NoError(t, err)
	defer connB.Close()

	require.NoError(t, connA.WriteMessage(websocket.TextMessage, []byte("hello from alice")))

	connB.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := connB.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello from alice", string(data))

	require.NoError(t, connB.WriteMessage(websocket.TextMessage, []byte("hello from bob")))
	connA.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err = connA.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, "hello from bob", string(data))
}

func TestMetricsEndpointExposesCounters(t *testing.T) {
	_, httpServer := newTestServer(t)

	resp, err := httpServer.Client().Get(httpServer.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, 200, resp.StatusCode)
}
