package priority

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// E5 — Priority mutex: 3 threads lock with priorities {5, 1, 3} while
// the main thread holds the mutex for 10ms; acquisition order must be
// priority=1, 3, 5.
func TestMutexPriorityOrder(t *testing.T) {
	m := New()
	m.Lock(0) // main thread holds the mutex first

	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup

	start := func(p int) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Lock(p)
			mu.Lock()
			order = append(order, p)
			mu.Unlock()
			m.Unlock()
		}()
	}

	start(5)
	start(1)
	start(3)

	// Wait for all three to enqueue before releasing the main thread's
	// hold, matching the scenario's "while main thread holds the mutex
	// for 10ms" setup without depending on a fixed real sleep.
	deadline := time.Now().Add(time.Second)
	for m.QueueLen() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	require.Equal(t, 3, m.QueueLen())
	m.Unlock()

	wg.Wait()
	require.Equal(t, []int{1, 3, 5}, order)
}
