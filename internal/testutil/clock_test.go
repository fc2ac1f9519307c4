package testutil

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClock_FrozenUntilAdvanced(t *testing.T) {
	start := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	c := NewClock(start)

	assert.Equal(t, start, c.Now())
	assert.Equal(t, start, c.Now(), "repeated reads must not advance")

	c.Advance(90 * time.Second)
	assert.Equal(t, start.Add(90*time.Second), c.Now())
}

func TestClock_Set(t *testing.T) {
	c := NewClock(time.Unix(0, 0))
	target := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	c.Set(target)
	assert.Equal(t, target, c.Now())
}

func TestClock_ConcurrentAdvance(t *testing.T) {
	c := NewClock(time.Unix(0, 0))
	const goroutines = 50

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Advance(time.Second)
		}()
	}
	wg.Wait()

	assert.Equal(t, time.Unix(goroutines, 0).UTC(), c.Now().UTC())
}
