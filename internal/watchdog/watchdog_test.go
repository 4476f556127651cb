package watchdog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsDeadAfterSilence(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWithThreshold(30 * time.Minute)
	w.now = func() time.Time { return current }
	w.Touch()

	current = current.Add(29 * time.Minute)
	assert.False(t, w.IsDead())

	current = current.Add(2 * time.Minute)
	assert.True(t, w.IsDead())
}

func TestTouchRevives(t *testing.T) {
	t.Parallel()

	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	w := NewWithThreshold(30 * time.Minute)
	w.now = func() time.Time { return current }
	w.Touch()

	current = current.Add(45 * time.Minute)
	assert.True(t, w.IsDead())

	w.Touch()
	assert.False(t, w.IsDead())
	assert.Equal(t, current, w.LastActivity())
}

func TestFreshWatchdogIsAlive(t *testing.T) {
	t.Parallel()

	assert.False(t, New().IsDead())
}
