package stream

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueFIFOAcrossCompaction(t *testing.T) {
	var q Queue[int]
	for i := 0; i < 500; i++ {
		q.Push(i)
	}
	for i := 0; i < 300; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	for i := 500; i < 600; i++ {
		q.Push(i)
	}
	assert.Equal(t, 300, q.Len())
	for i := 300; i < 600; i++ {
		v, ok := q.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestQueueClear(t *testing.T) {
	var q Queue[string]
	q.Push("a")
	q.Push("b")
	_, _ = q.Pop()
	assert.Equal(t, 1, q.Clear())
	assert.Equal(t, 0, q.Len())
	q.Push("c")
	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, "c", v)
}

func TestQueueConcurrentPush(t *testing.T) {
	var q Queue[int]
	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				q.Push(i)
			}
		}()
	}
	popped := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	for {
		if _, ok := q.Pop(); ok {
			popped++
			continue
		}
		select {
		case <-done:
			popped += q.Clear()
			assert.Equal(t, 8000, popped)
			return
		default:
		}
	}
}

func TestOpenPolicyDelay(t *testing.T) {
	p := OpenPolicy{Mode: OpenBackoff, InitialDelay: 10 * time.Millisecond, MaxDelay: 50 * time.Millisecond}.withDefaults()
	assert.Equal(t, time.Duration(0), p.delay(0))
	assert.Equal(t, 10*time.Millisecond, p.delay(1))
	assert.Equal(t, 20*time.Millisecond, p.delay(2))
	assert.Equal(t, 40*time.Millisecond, p.delay(3))
	assert.Equal(t, 50*time.Millisecond, p.delay(4))
	assert.Equal(t, 50*time.Millisecond, p.delay(60))

	retry := OpenPolicy{Mode: OpenRetry}.withDefaults()
	assert.Equal(t, time.Duration(0), retry.delay(3))
	assert.False(t, retry.degrades(100))

	capped := OpenPolicy{Mode: OpenRetry, MaxAttempts: 3}
	assert.False(t, capped.degrades(2))
	assert.True(t, capped.degrades(3))
}

func TestParseOpenMode(t *testing.T) {
	for in, want := range map[string]OpenMode{"": OpenBackoff, "Backoff": OpenBackoff, "retry": OpenRetry, " disable ": OpenDisable} {
		got, err := ParseOpenMode(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseOpenMode("explode")
	assert.Error(t, err)
}
