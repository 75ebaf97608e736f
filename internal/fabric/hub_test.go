package fabric

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/store"
)

func newTestHub(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(config.FabricConfig{
		HeartbeatIntervalMs: 30_000,
		MaxConnections:      4,
		SendQueueSize:       16,
	}, nil, nil)
	hub.Start()

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string, header http.Header) *websocket.Conn {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func eventType(t *testing.T, f Frame) string {
	t.Helper()
	var data map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &data))
	s, _ := data["event_type"].(string)
	return s
}

func sendControl(t *testing.T, ws *websocket.Conn, action, projectID string) {
	t.Helper()
	payload, _ := json.Marshal(map[string]any{"action": action, "project_id": projectID})
	frame, _ := json.Marshal(Frame{Type: FrameTypeEvent, Data: payload})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func TestConnectionEstablishedOnOpen(t *testing.T) {
	_, url := newTestHub(t)
	ws := dial(t, url, nil)

	f := readFrame(t, ws)
	assert.Equal(t, FrameTypeEvent, f.Type)
	assert.Equal(t, "connection_established", eventType(t, f))

	var data map[string]any
	require.NoError(t, json.Unmarshal(f.Data, &data))
	assert.NotEmpty(t, data["connection_id"])
}

func TestPingPong(t *testing.T) {
	_, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws) // connection_established

	payload, _ := json.Marshal(pingPayload{Timestamp: time.Now().UnixMilli()})
	frame, _ := json.Marshal(Frame{Type: FrameTypePing, Data: payload})
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))

	f := readFrame(t, ws)
	assert.Equal(t, FrameTypePong, f.Type)
}

func TestSubscribeAndBroadcastOrdering(t *testing.T) {
	hub, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws) // connection_established

	sendControl(t, ws, ActionSubscribe, "p1")
	f := readFrame(t, ws)
	assert.Equal(t, "subscription_confirmed", eventType(t, f))

	hub.Broadcast(store.Event{
		ID: "01A", ProjectID: "p1", Type: store.EventFragmentUpdated,
		Data: []byte(`{"path":"a.cue"}`), CreatedAt: time.Now(),
	}, "")
	hub.Broadcast(store.Event{
		ID: "01B", ProjectID: "p1", Type: store.EventValidationCompleted,
		Data: []byte(`{"spec_hash":"h"}`), CreatedAt: time.Now(),
	}, "h")

	first := readFrame(t, ws)
	assert.Equal(t, "p1", first.ProjectID)
	assert.Equal(t, "fragment_updated", eventType(t, first))

	second := readFrame(t, ws)
	assert.Equal(t, "validation_completed", eventType(t, second))
}

func TestBroadcastSkipsOtherProjects(t *testing.T) {
	hub, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws)

	sendControl(t, ws, ActionSubscribe, "p1")
	readFrame(t, ws) // subscription_confirmed

	hub.Broadcast(store.Event{ID: "01A", ProjectID: "other", Type: store.EventFragmentUpdated, CreatedAt: time.Now()}, "")
	hub.Broadcast(store.Event{ID: "01B", ProjectID: "p1", Type: store.EventFragmentUpdated, CreatedAt: time.Now()}, "")

	f := readFrame(t, ws)
	assert.Equal(t, "p1", f.ProjectID)
}

func TestSubscribeDeniedOutsideScope(t *testing.T) {
	_, url := newTestHub(t)
	header := http.Header{"X-Project-Scope": []string{"allowed-project"}}
	ws := dial(t, url, header)
	readFrame(t, ws)

	sendControl(t, ws, ActionSubscribe, "forbidden-project")
	f := readFrame(t, ws)
	assert.Equal(t, FrameTypeError, f.Type)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	hub, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws)

	sendControl(t, ws, ActionSubscribe, "p1")
	readFrame(t, ws) // subscription_confirmed
	sendControl(t, ws, ActionUnsubscribe, "p1")

	// Unsubscribe is processed by the read loop; give it a moment.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.RLock()
		_, subscribed := hub.subscribers["p1"]
		hub.mu.RUnlock()
		if !subscribed {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	hub.Broadcast(store.Event{ID: "01A", ProjectID: "p1", Type: store.EventFragmentUpdated, CreatedAt: time.Now()}, "")

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(300*time.Millisecond)))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err, "no frame should arrive after unsubscribe")
}

func TestUnparseableJSONYieldsErrorFrame(t *testing.T) {
	_, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("not json")))
	f := readFrame(t, ws)
	assert.Equal(t, FrameTypeError, f.Type)
}

func TestConnectionLimit(t *testing.T) {
	hub := NewHub(config.FabricConfig{
		HeartbeatIntervalMs: 30_000,
		MaxConnections:      1,
		SendQueueSize:       4,
	}, nil, nil)
	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	ws := dial(t, url, nil)
	readFrame(t, ws)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestHeartbeatIntervalReload(t *testing.T) {
	hub := NewHub(config.FabricConfig{
		HeartbeatIntervalMs: 30_000,
		MaxConnections:      4,
		SendQueueSize:       16,
	}, nil, nil)

	hub.SetHeartbeatInterval(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, hub.HeartbeatInterval())

	hub.SetHeartbeatInterval(0)
	assert.Equal(t, 100*time.Millisecond, hub.HeartbeatInterval(), "non-positive intervals are ignored")

	hub.Start()
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Stop()
		srv.Close()
	})
	ws := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	readFrame(t, ws) // connection_established

	// With the reloaded interval the first server ping arrives well before
	// the original 30s period would have elapsed.
	f := readFrame(t, ws)
	assert.Equal(t, FrameTypePing, f.Type)
}

func TestDisconnectCleansSubscriberIndex(t *testing.T) {
	hub, url := newTestHub(t)
	ws := dial(t, url, nil)
	readFrame(t, ws)

	sendControl(t, ws, ActionSubscribe, "p1")
	readFrame(t, ws)

	require.NoError(t, ws.Close())

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.ConnectionCount() == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Zero(t, hub.ConnectionCount())

	hub.mu.RLock()
	_, subscribed := hub.subscribers["p1"]
	hub.mu.RUnlock()
	assert.False(t, subscribed)
}
