// Package bus publishes journal events to an external NATS bus. Publishing
// is strictly best-effort: bus trouble degrades to logs and metrics, never
// into the mutation path.
package bus

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/store"
)

// State enumerates the publisher's connection lifecycle.
type State string

const (
	StateDisabled     State = "disabled"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateGaveUp       State = "gave_up"
)

// Options tunes the reconnect loop.
type Options struct {
	URL           string
	Prefix        string
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	MaxAttempts   int
}

// Envelope is the wire format of one published event.
type Envelope struct {
	Topic     string      `json:"topic"`
	ProjectID string      `json:"projectId"`
	Event     store.Event `json:"event"`
	Metadata  Metadata    `json:"metadata"`
}

// Metadata carries per-publish bookkeeping. Sequence is a strictly
// increasing per-process counter.
type Metadata struct {
	Timestamp time.Time `json:"timestamp"`
	SpecHash  string    `json:"specHash,omitempty"`
	Sequence  uint64    `json:"sequence"`
}

// Publisher maintains one NATS connection with explicit reconnect handling.
// The zero-URL publisher stays in StateDisabled and drops everything.
type Publisher struct {
	opts    Options
	metrics metrics.Recorder
	seq     atomic.Uint64

	mu    sync.RWMutex
	state State
	conn  *nats.Conn

	wake   chan struct{}
	done   chan struct{}
	closed sync.Once
}

// NewPublisher builds a Publisher and, when a URL is configured, starts the
// connect loop in the background. Construction never blocks on the bus.
func NewPublisher(opts Options, rec metrics.Recorder) *Publisher {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if opts.Prefix == "" {
		opts.Prefix = "specbench"
	}
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = 2 * time.Second
	}
	if opts.ReconnectMax <= 0 {
		opts.ReconnectMax = 30 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 10
	}

	p := &Publisher{
		opts:    opts,
		metrics: rec,
		state:   StateDisabled,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if opts.URL != "" {
		p.setState(StateConnecting)
		go p.connectLoop()
	}
	return p
}

// State returns the current connection state.
func (p *Publisher) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.state
}

// Publish sends one event envelope. Failures are logged and counted but
// never returned; the caller's mutation has already committed.
func (p *Publisher) Publish(event store.Event, specHash string) {
	p.mu.RLock()
	state, conn := p.state, p.conn
	p.mu.RUnlock()

	if state == StateDisabled {
		return
	}

	topic := Topic(p.opts.Prefix, event.ProjectID, event.Type)
	env := Envelope{
		Topic:     topic,
		ProjectID: event.ProjectID,
		Event:     event,
		Metadata: Metadata{
			Timestamp: time.Now(),
			SpecHash:  specHash,
			Sequence:  p.seq.Add(1),
		},
	}

	if state != StateConnected || conn == nil {
		p.metrics.IncBusPublish(metrics.ResultDropped)
		slog.Debug("Bus not connected; dropping publish", "topic", topic, "state", state)
		return
	}

	payload, err := json.Marshal(env)
	if err != nil {
		p.metrics.IncBusPublish(metrics.ResultFailure)
		slog.Warn("Failed to marshal bus envelope", "topic", topic, "error", err)
		return
	}
	if err := conn.Publish(topic, payload); err != nil {
		p.metrics.IncBusPublish(metrics.ResultFailure)
		slog.Warn("Bus publish failed", "topic", topic, "error", err)
		return
	}
	p.metrics.IncBusPublish(metrics.ResultSuccess)
}

// Topic maps an event type family onto the deterministic subject layout
// <prefix>.<projectID>.<suffix>.updated.
func Topic(prefix, projectID string, typ store.EventType) string {
	suffix := "general"
	switch typ {
	case store.EventFragmentCreated, store.EventFragmentUpdated, store.EventFragmentDeleted:
		suffix = "fragment"
	case store.EventValidationCompleted, store.EventValidationFailed:
		suffix = "validation"
	case store.EventVersionFrozen:
		suffix = "version"
	}
	return prefix + "." + projectID + "." + suffix + ".updated"
}

// Close tears down the connect loop and the connection.
func (p *Publisher) Close() {
	p.closed.Do(func() { close(p.done) })

	p.mu.Lock()
	conn := p.conn
	p.conn = nil
	p.state = StateDisabled
	p.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// connectLoop drives the state machine: connecting -> connected, with
// exponential backoff on failure and a terminal gave_up state once the
// attempt budget is spent. A disconnect re-arms the loop.
func (p *Publisher) connectLoop() {
	attempt := 0
	for {
		select {
		case <-p.done:
			return
		default:
		}

		conn, err := nats.Connect(p.opts.URL,
			nats.Name("specbench-publisher"),
			nats.NoReconnect(),
			nats.ClosedHandler(func(*nats.Conn) { p.onDisconnect() }),
		)
		if err == nil {
			attempt = 0
			p.mu.Lock()
			p.conn = conn
			p.state = StateConnected
			p.mu.Unlock()
			slog.Info("Connected to bus", "url", p.opts.URL)

			// Park until the connection drops or we shut down.
			select {
			case <-p.done:
				return
			case <-p.wake:
				p.setState(StateReconnecting)
				continue
			}
		}

		attempt++
		if attempt >= p.opts.MaxAttempts {
			p.setState(StateGaveUp)
			slog.Error("Giving up on bus connection", "url", p.opts.URL, "attempts", attempt, "error", err)
			return
		}

		delay := backoff(p.opts.ReconnectBase, p.opts.ReconnectMax, attempt)
		slog.Warn("Bus connection failed; retrying", "url", p.opts.URL, "attempt", attempt, "delay", delay, "error", err)
		p.setState(StateReconnecting)

		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}
	}
}

func (p *Publisher) onDisconnect() {
	p.mu.Lock()
	p.conn = nil
	if p.state == StateConnected {
		p.state = StateReconnecting
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Publisher) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// backoff doubles the base per attempt up to the cap.
func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
