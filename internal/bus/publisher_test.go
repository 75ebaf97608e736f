package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"git.home.luguber.info/inful/specbench/internal/store"
)

func TestTopicMapping(t *testing.T) {
	tests := []struct {
		typ      store.EventType
		expected string
	}{
		{store.EventFragmentCreated, "specbench.p1.fragment.updated"},
		{store.EventFragmentUpdated, "specbench.p1.fragment.updated"},
		{store.EventFragmentDeleted, "specbench.p1.fragment.updated"},
		{store.EventValidationCompleted, "specbench.p1.validation.updated"},
		{store.EventValidationFailed, "specbench.p1.validation.updated"},
		{store.EventVersionFrozen, "specbench.p1.version.updated"},
		{store.EventHeadUpdated, "specbench.p1.general.updated"},
		{store.EventsReverted, "specbench.p1.general.updated"},
	}

	for _, test := range tests {
		got := Topic("specbench", "p1", test.typ)
		if got != test.expected {
			t.Errorf("Topic(%q) = %q, want %q", test.typ, got, test.expected)
		}
	}
}

func TestDisabledPublisherDropsSilently(t *testing.T) {
	p := NewPublisher(Options{}, nil)
	defer p.Close()

	assert.Equal(t, StateDisabled, p.State())
	// Must not panic or block.
	p.Publish(store.Event{ID: "01A", ProjectID: "p1", Type: store.EventFragmentUpdated}, "hash")
}

func TestConnectLoopGivesUp(t *testing.T) {
	p := NewPublisher(Options{
		URL:           "nats://127.0.0.1:1", // nothing listens here
		ReconnectBase: time.Millisecond,
		ReconnectMax:  2 * time.Millisecond,
		MaxAttempts:   2,
	}, nil)
	defer p.Close()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p.State() == StateGaveUp {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	assert.Equal(t, StateGaveUp, p.State())

	// Publishing after give-up is still safe.
	p.Publish(store.Event{ID: "01A", ProjectID: "p1", Type: store.EventVersionFrozen}, "")
}

func TestBackoffProgression(t *testing.T) {
	base := 2 * time.Second
	max := 30 * time.Second

	assert.Equal(t, 2*time.Second, backoff(base, max, 1))
	assert.Equal(t, 4*time.Second, backoff(base, max, 2))
	assert.Equal(t, 8*time.Second, backoff(base, max, 3))
	assert.Equal(t, 16*time.Second, backoff(base, max, 4))
	assert.Equal(t, 30*time.Second, backoff(base, max, 5))
	assert.Equal(t, 30*time.Second, backoff(base, max, 10))
}

func TestSequenceIsMonotonic(t *testing.T) {
	p := NewPublisher(Options{}, nil)
	defer p.Close()

	a := p.seq.Add(1)
	b := p.seq.Add(1)
	assert.Greater(t, b, a)
}
