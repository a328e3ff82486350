package detour

import (
	stderrors "errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallbacksOrder(t *testing.T) {
	c := NewCallbacks[int]()
	var got []int
	record := func(id int) func(int) error {
		return func(arg int) error {
			got = append(got, id*100+arg)
			return nil
		}
	}
	h1 := c.Register(record(1))
	h2 := c.Register(record(2))
	h3 := c.Register(record(3))

	require.NoError(t, c.Run(7))
	assert.Equal(t, []int{107, 207, 307}, got)

	got = nil
	require.NoError(t, c.Unregister(h2))
	require.NoError(t, c.Run(8))
	assert.Equal(t, []int{108, 308}, got)

	h4 := c.Register(record(4))
	for _, h := range []Handle{h1, h2, h3} {
		assert.NotEqual(t, h, h4)
	}
	assert.Greater(t, h4, h3)
	assert.Equal(t, 3, c.Len())
}

func TestCallbacksUnregisterUnknown(t *testing.T) {
	var c Callbacks[string]
	assert.ErrorIs(t, c.Unregister(1), ErrHandleNotFound)

	h := c.Register(func(string) error { return nil })
	assert.Equal(t, Handle(1), h)
	require.NoError(t, c.Unregister(h))
	assert.ErrorIs(t, c.Unregister(h), ErrHandleNotFound)
	assert.NoError(t, c.Run("nobody"))
}

func TestCallbacksFailureIsolated(t *testing.T) {
	errBoom := stderrors.New("boom")
	c := NewCallbacks[int]()
	var ran []int
	c.Register(func(int) error { ran = append(ran, 1); return nil })
	c.Register(func(int) error { ran = append(ran, 2); return errBoom })
	c.Register(func(int) error { ran = append(ran, 3); panic("bad subscriber") })
	c.Register(func(int) error { ran = append(ran, 4); return nil })

	err := c.Run(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errBoom)
	assert.Contains(t, err.Error(), "bad subscriber")
	assert.Equal(t, []int{1, 2, 3, 4}, ran)
}

func TestCallbacksMutateDuringRun(t *testing.T) {
	c := NewCallbacks[int]()
	var ran []string
	var self Handle
	self = c.Register(func(int) error {
		ran = append(ran, "self")
		c.Register(func(int) error { ran = append(ran, "late"); return nil })
		return c.Unregister(self)
	})
	c.Register(func(int) error { ran = append(ran, "second"); return nil })

	require.NoError(t, c.Run(0))
	assert.Equal(t, []string{"self", "second"}, ran)

	ran = nil
	require.NoError(t, c.Run(0))
	assert.Equal(t, []string{"second", "late"}, ran)
}

func TestCallbacksConcurrent(t *testing.T) {
	c := NewCallbacks[int]()
	const workers, rounds = 8, 200

	stop := make(chan struct{})
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		for {
			select {
			case <-stop:
				return
			default:
				_ = c.Run(1)
			}
		}
	}()

	var mu sync.Mutex
	seen := make(map[Handle]bool)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < rounds; i++ {
				h := c.Register(func(int) error { return nil })
				mu.Lock()
				dup := seen[h]
				seen[h] = true
				mu.Unlock()
				assert.False(t, dup, "handle %d issued twice", h)
				if i%2 == 0 {
					assert.NoError(t, c.Unregister(h))
				}
			}
		}()
	}
	wg.Wait()
	close(stop)
	<-runDone

	assert.Len(t, seen, workers*rounds)
	assert.Equal(t, workers*rounds/2, c.Len())
	last := c.Register(func(int) error { return nil })
	assert.Equal(t, Handle(workers*rounds+1), last)
}
