package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func fired(ch <-chan time.Time) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestManualClock(t *testing.T) {
	c := NewManualClock(epoch)
	assert.Equal(t, epoch, c.Now())

	short := c.After(time.Second)
	long := c.After(time.Minute)
	assert.True(t, fired(c.After(0)), "a zero wait fires at once")
	assert.Equal(t, 2, c.Waiters())

	c.Advance(500 * time.Millisecond)
	assert.False(t, fired(short))

	c.Advance(500 * time.Millisecond)
	assert.True(t, fired(short))
	assert.False(t, fired(long))
	assert.Equal(t, 1, c.Waiters())
	assert.Equal(t, epoch.Add(time.Second), c.Now())

	c.Advance(time.Hour)
	assert.True(t, fired(long))
	assert.Zero(t, c.Waiters())
}
