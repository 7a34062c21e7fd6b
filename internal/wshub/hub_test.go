package wshub

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/tonypi-fleet/control-plane/internal/model"
	"github.com/tonypi-fleet/control-plane/internal/platform/logging"
	"github.com/tonypi-fleet/control-plane/internal/platform/metrics"
)

func newTestHub(t *testing.T) *Hub {
	t.Helper()
	logger := logging.New("wshub-test", "error", "text")
	m := metrics.NewWithRegistry("wshub-test", prometheus.NewRegistry())
	return New(logger, m)
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServeHTTP_PublishJobUpdateReachesConnectedClient(t *testing.T) {
	hub := newTestHub(t)
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeHTTP))
	defer srv.Close()

	conn := dial(t, srv)
	defer conn.Close()

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		return len(hub.clients) == 1
	}, time.Second, 5*time.Millisecond)

	hub.PublishJobUpdate(context.Background(), model.Job{ID: "job-1", RobotID: "robot_1"})

	var got envelope
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "job", got.Kind)
}

func TestBroadcast_DropsSlowClientInsteadOfBlocking(t *testing.T) {
	hub := newTestHub(t)
	c := &client{send: make(chan envelope, 1)}
	hub.clients[c] = struct{}{}

	// Fill the client's buffer, then broadcast once more; the second
	// broadcast must disconnect the slow client rather than block.
	hub.broadcast(envelope{Kind: "job"})
	hub.broadcast(envelope{Kind: "job"})

	hub.mu.Lock()
	defer hub.mu.Unlock()
	_, stillConnected := hub.clients[c]
	require.False(t, stillConnected)
}

func TestRemove_UnregistersClient(t *testing.T) {
	hub := newTestHub(t)
	c := &client{send: make(chan envelope, 1)}
	hub.mu.Lock()
	hub.clients[c] = struct{}{}
	hub.mu.Unlock()

	hub.remove(c)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.Len(t, hub.clients, 0)
}
