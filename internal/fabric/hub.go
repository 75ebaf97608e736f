// Package fabric is the duplex fan-out layer: it upgrades connections,
// tracks per-project subscriptions, dispatches journal events, and culls
// stale peers.
package fabric

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/specbench/internal/bus"
	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/store"
)

const (
	writeTimeout       = 5 * time.Second
	slowBroadcastAfter = 100 * time.Millisecond
)

// Hub owns the connection registry and subscriber index. Connections are
// written only on accept and close; broadcasters read under a reader lock.
type Hub struct {
	cfg      config.FabricConfig
	metrics  metrics.Recorder
	bus      *bus.Publisher
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	conns       map[string]*Connection
	subscribers map[string]map[string]*Connection

	// Heartbeat interval in nanoseconds; the config watcher updates it live.
	heartbeatNanos atomic.Int64

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewHub builds a Hub. publisher may be nil when no bus is configured.
func NewHub(cfg config.FabricConfig, publisher *bus.Publisher, rec metrics.Recorder) *Hub {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	h := &Hub{
		cfg:     cfg,
		metrics: rec,
		bus:     publisher,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients connect from arbitrary origins in development.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns:       map[string]*Connection{},
		subscribers: map[string]map[string]*Connection{},
		stop:        make(chan struct{}),
	}
	h.heartbeatNanos.Store(int64(cfg.HeartbeatInterval()))
	return h
}

// Start launches the heartbeat loop.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.heartbeatLoop()
}

// SetHeartbeatInterval changes the heartbeat period. The new interval takes
// effect on the next heartbeat cycle. Non-positive values are ignored.
func (h *Hub) SetHeartbeatInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	h.heartbeatNanos.Store(int64(d))
}

// HeartbeatInterval returns the current heartbeat period.
func (h *Hub) HeartbeatInterval() time.Duration {
	return time.Duration(h.heartbeatNanos.Load())
}

// Stop terminates the heartbeat loop and closes every connection.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	h.wg.Wait()

	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		h.disconnect(c, "server shutting down")
	}
}

// ServeHTTP handles the duplex upgrade endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	full := len(h.conns) >= h.cfg.MaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "connection limit reached", http.StatusServiceUnavailable)
		return
	}

	auth := authFromRequest(r)
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Duplex upgrade failed", "error", err)
		return
	}

	conn := newConnection(uuid.NewString(), ws, auth, h.cfg.SendQueueSize)
	h.register(conn)
	slog.Info("Connection established", "connection_id", conn.ID(), "remote", r.RemoteAddr)

	go func() {
		conn.writeLoop(writeTimeout)
		h.disconnect(conn, "write failed")
	}()

	h.sendEvent(conn, "", map[string]any{
		"event_type":    "connection_established",
		"connection_id": conn.ID(),
		"timestamp":     time.Now().UnixMilli(),
	})

	h.readLoop(conn)
}

// Broadcast fans one journal event out to the bus and every subscriber of
// its project. Per-send failures deregister the failing connection but do
// not abort the broadcast.
func (h *Hub) Broadcast(event store.Event, specHash string) {
	start := time.Now()

	if h.bus != nil {
		h.bus.Publish(event, specHash)
	}

	payload := map[string]any{}
	if len(event.Data) > 0 {
		_ = json.Unmarshal(event.Data, &payload)
	}
	payload["event_type"] = string(event.Type)
	payload["id"] = event.ID
	payload["created_at"] = event.CreatedAt.Format(time.RFC3339Nano)

	frame, err := marshalFrame(FrameTypeEvent, event.ProjectID, payload)
	if err != nil {
		slog.Error("Failed to marshal broadcast frame", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*Connection, 0, len(h.subscribers[event.ProjectID]))
	for _, c := range h.subscribers[event.ProjectID] {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	var wg sync.WaitGroup
	for _, c := range targets {
		wg.Add(1)
		go func(c *Connection) {
			defer wg.Done()
			if !c.enqueue(frame) {
				h.metrics.IncFrameDropped()
				h.disconnect(c, "send queue full")
			}
		}(c)
	}
	wg.Wait()

	elapsed := time.Since(start)
	h.metrics.ObserveBroadcastLatency(elapsed)
	if elapsed > slowBroadcastAfter {
		slog.Warn("Slow broadcast", "project_id", event.ProjectID, "event_type", event.Type,
			"subscribers", len(targets), "elapsed", elapsed)
	}
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) readLoop(conn *Connection) {
	defer h.disconnect(conn, "read loop ended")

	for {
		_ = conn.ws.SetReadDeadline(time.Now().Add(2 * h.HeartbeatInterval()))
		_, raw, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			conn.enqueue(errorFrame("unparseable frame", nil))
			continue
		}

		switch frame.Type {
		case FrameTypePing:
			conn.touch()
			conn.enqueue(pongFrame())
		case FrameTypePong:
			conn.touch()
		case FrameTypeEvent:
			h.handleControl(conn, frame)
		default:
			slog.Debug("Ignoring unknown frame type", "connection_id", conn.ID(), "type", frame.Type)
		}
	}
}

func (h *Hub) handleControl(conn *Connection, frame Frame) {
	var ctl controlPayload
	if err := json.Unmarshal(frame.Data, &ctl); err != nil || ctl.ProjectID == "" {
		conn.enqueue(errorFrame("malformed control frame", nil))
		return
	}

	switch ctl.Action {
	case ActionSubscribe:
		if !conn.auth.Allows(ctl.ProjectID) {
			conn.enqueue(errorFrame("subscription denied", map[string]any{"project_id": ctl.ProjectID}))
			return
		}
		if conn.subscribe(ctl.ProjectID) {
			h.mu.Lock()
			set, ok := h.subscribers[ctl.ProjectID]
			if !ok {
				set = map[string]*Connection{}
				h.subscribers[ctl.ProjectID] = set
			}
			set[conn.ID()] = conn
			h.mu.Unlock()
			h.publishSubscriptionGauge()
		}
		h.sendEvent(conn, ctl.ProjectID, map[string]any{
			"event_type": "subscription_confirmed",
			"project_id": ctl.ProjectID,
			"timestamp":  time.Now().UnixMilli(),
		})
	case ActionUnsubscribe:
		if conn.unsubscribe(ctl.ProjectID) {
			h.removeSubscriber(ctl.ProjectID, conn.ID())
			h.publishSubscriptionGauge()
		}
	default:
		slog.Debug("Ignoring unknown control action", "connection_id", conn.ID(), "action", ctl.Action)
	}
}

func (h *Hub) register(conn *Connection) {
	h.mu.Lock()
	h.conns[conn.ID()] = conn
	n := len(h.conns)
	h.mu.Unlock()
	h.metrics.SetConnections(n)
}

// disconnect removes the connection everywhere and closes the socket.
// Safe to call more than once.
func (h *Hub) disconnect(conn *Connection, reason string) {
	h.mu.Lock()
	if _, ok := h.conns[conn.ID()]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.conns, conn.ID())
	n := len(h.conns)
	h.mu.Unlock()

	for _, projectID := range conn.subscriptionList() {
		h.removeSubscriber(projectID, conn.ID())
	}

	conn.closeSend()
	_ = conn.ws.Close()
	h.metrics.SetConnections(n)
	h.publishSubscriptionGauge()
	slog.Info("Connection closed", "connection_id", conn.ID(), "reason", reason)
}

func (h *Hub) removeSubscriber(projectID, connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[projectID]
	if !ok {
		return
	}
	delete(set, connID)
	if len(set) == 0 {
		delete(h.subscribers, projectID)
	}
}

func (h *Hub) publishSubscriptionGauge() {
	h.mu.RLock()
	n := 0
	for _, set := range h.subscribers {
		n += len(set)
	}
	h.mu.RUnlock()
	h.metrics.SetSubscriptions(n)
}

func (h *Hub) sendEvent(conn *Connection, projectID string, payload map[string]any) {
	frame, err := marshalFrame(FrameTypeEvent, projectID, payload)
	if err != nil {
		return
	}
	if !conn.enqueue(frame) {
		h.metrics.IncFrameDropped()
		h.disconnect(conn, "send queue full")
	}
}

// heartbeatLoop pings every peer on the configured interval and culls any
// whose last ping or pong is older than twice the interval. The interval is
// re-read every cycle so reloads apply without restarting the loop.
func (h *Hub) heartbeatLoop() {
	defer h.wg.Done()

	for {
		interval := h.HeartbeatInterval()
		timer := time.NewTimer(interval)
		select {
		case <-h.stop:
			timer.Stop()
			return
		case <-timer.C:
			cutoff := time.Now().Add(-2 * interval)

			h.mu.RLock()
			conns := make([]*Connection, 0, len(h.conns))
			for _, c := range h.conns {
				conns = append(conns, c)
			}
			h.mu.RUnlock()

			ping := pingFrame()
			for _, c := range conns {
				if c.lastSeenAt().Before(cutoff) {
					h.disconnect(c, "heartbeat timeout")
					continue
				}
				if !c.enqueue(ping) {
					h.metrics.IncFrameDropped()
					h.disconnect(c, "send queue full")
				}
			}
		}
	}
}

// authFromRequest derives the connection's project scope. A missing scope
// header grants the wildcard; this server trusts its network boundary.
func authFromRequest(r *http.Request) AuthContext {
	raw := r.Header.Get("X-Project-Scope")
	if raw == "" {
		raw = r.URL.Query().Get("scope")
	}
	if raw == "" || raw == "*" {
		return AuthContext{Wildcard: true}
	}
	projects := map[string]struct{}{}
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p == "*" {
			return AuthContext{Wildcard: true}
		}
		if p != "" {
			projects[p] = struct{}{}
		}
	}
	return AuthContext{Projects: projects}
}
