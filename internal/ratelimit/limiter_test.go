package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowBurstThenDeny(t *testing.T) {
	l := New(3, 1, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("caller"), "request %d within capacity", i)
	}
	assert.False(t, l.Allow("caller"), "bucket exhausted")
}

func TestIdentitiesAreIsolated(t *testing.T) {
	l := New(1, 1, time.Minute)

	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"))
}

func TestSweepEvictsIdleBuckets(t *testing.T) {
	l := New(1, 1, 10*time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }

	l.Allow("stale")
	l.Allow("fresh")
	assert.Equal(t, 2, l.Size())

	l.now = func() time.Time { return base.Add(15 * time.Minute) }
	l.Allow("fresh")

	assert.Equal(t, 1, l.Sweep())
	assert.Equal(t, 1, l.Size())
}

func TestDefaultsApplied(t *testing.T) {
	l := New(0, 0, 0)
	assert.True(t, l.Allow("x"))
}

func TestUpdateAppliesToExistingBuckets(t *testing.T) {
	l := New(3, 1, time.Minute)
	assert.True(t, l.Allow("caller"))

	l.Update(1, 1, time.Minute)
	assert.True(t, l.Allow("caller"))
	assert.False(t, l.Allow("caller"), "reloaded burst of one is exhausted")
}

func TestUpdateAppliesToNewBuckets(t *testing.T) {
	l := New(1, 1, time.Minute)
	l.Update(3, 1, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("caller"), "request %d within reloaded capacity", i)
	}
	assert.False(t, l.Allow("caller"))
}

func TestUpdateIgnoresNonPositiveValues(t *testing.T) {
	l := New(2, 1, time.Minute)
	l.Update(0, 0, 0)

	assert.True(t, l.Allow("x"))
	assert.True(t, l.Allow("x"))
	assert.False(t, l.Allow("x"), "capacity of two survives a zero-valued update")
}
