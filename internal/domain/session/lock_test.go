package session

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOperatorLocksArePruned(t *testing.T) {
	t.Parallel()

	m := NewManager(nil, nil)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		holders = make(map[int64]int)
		overlap bool
	)
	for i := range 50 {
		operator := int64(i % 5)
		wg.Go(func() {
			unlock := m.lock(operator)
			mu.Lock()
			holders[operator]++
			if holders[operator] > 1 {
				overlap = true
			}
			mu.Unlock()

			mu.Lock()
			holders[operator]--
			mu.Unlock()
			unlock()
		})
	}
	wg.Wait()

	require.False(t, overlap, "один оператор: один держатель")
	m.mu.Lock()
	defer m.mu.Unlock()
	require.Empty(t, m.locks, "мьютексы освобождённых операторов не копятся")
}
