package socket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAllowUpToLimit(t *testing.T) {
	l := NewRateLimiter(3, time.Minute)

	for i := 0; i < 3; i++ {
		assert.True(t, l.Allow("user-1"), "call %d should be allowed", i+1)
	}
	assert.False(t, l.Allow("user-1"))

	// Rejected calls do not extend the window for later ones.
	assert.False(t, l.Allow("user-1"))
}

func TestLimitIsPerKey(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)

	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-2"))
}

func TestWindowResets(t *testing.T) {
	l := NewRateLimiter(2, time.Minute)
	current := time.Now()
	l.now = func() time.Time { return current }

	assert.True(t, l.Allow("user-1"))
	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))

	current = current.Add(61 * time.Second)
	assert.True(t, l.Allow("user-1"))
}

func TestForgetDropsWindow(t *testing.T) {
	l := NewRateLimiter(1, time.Minute)

	assert.True(t, l.Allow("user-1"))
	assert.False(t, l.Allow("user-1"))

	l.Forget("user-1")
	assert.True(t, l.Allow("user-1"))
}
