package bridge

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTable(t *testing.T) {
	t.Run("insert and remove", func(t *testing.T) {
		tbl := newTable()
		deadline := time.Now().Add(time.Second)

		entry, err := tbl.insert("a", deadline, nil)
		require.NoError(t, err)
		assert.Equal(t, "a", entry.id)
		assert.Equal(t, deadline, entry.deadline)
		assert.Equal(t, 1, tbl.len())

		removed, ok := tbl.remove("a")
		require.True(t, ok)
		assert.Same(t, entry, removed)
		assert.Zero(t, tbl.len())

		_, ok = tbl.remove("a")
		assert.False(t, ok)
	})

	t.Run("rejects duplicate IDs", func(t *testing.T) {
		tbl := newTable()
		_, err := tbl.insert("a", time.Now(), nil)
		require.NoError(t, err)

		_, err = tbl.insert("a", time.Now(), nil)
		assert.ErrorIs(t, err, ErrDuplicateCorrelationID)
		assert.Equal(t, 1, tbl.len())
	})

	t.Run("removeExpired takes deadlines at or before now", func(t *testing.T) {
		tbl := newTable()
		now := time.Now()
		_, _ = tbl.insert("past", now.Add(-time.Second), nil)
		_, _ = tbl.insert("exact", now, nil)
		_, _ = tbl.insert("future", now.Add(time.Nanosecond), nil)

		expired := tbl.removeExpired(now)

		ids := make([]string, 0, len(expired))
		for _, e := range expired {
			ids = append(ids, e.id)
		}
		assert.ElementsMatch(t, []string{"past", "exact"}, ids)
		assert.Equal(t, 1, tbl.len())
		_, ok := tbl.remove("future")
		assert.True(t, ok)
	})

	t.Run("drainAll empties every shard", func(t *testing.T) {
		tbl := newTable()
		for i := 0; i < 500; i++ {
			_, err := tbl.insert(fmt.Sprintf("id-%d", i), time.Now().Add(time.Hour), nil)
			require.NoError(t, err)
		}

		drained := tbl.drainAll()

		assert.Len(t, drained, 500)
		assert.Zero(t, tbl.len())
		assert.Empty(t, tbl.drainAll())
	})

	t.Run("concurrent removers see each entry once", func(t *testing.T) {
		tbl := newTable()
		const n = 2000
		for i := 0; i < n; i++ {
			_, _ = tbl.insert(fmt.Sprintf("id-%d", i), time.Now().Add(-time.Second), nil)
		}

		var removed atomic.Int64
		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				if w%2 == 0 {
					removed.Add(int64(len(tbl.removeExpired(time.Now()))))
					return
				}
				for i := 0; i < n; i++ {
					if _, ok := tbl.remove(fmt.Sprintf("id-%d", i)); ok {
						removed.Add(1)
					}
				}
			}(w)
		}
		wg.Wait()

		assert.Equal(t, int64(n), removed.Load())
		assert.Zero(t, tbl.len())
	})
}

func TestAdmissionGate(t *testing.T) {
	t.Run("admits up to capacity", func(t *testing.T) {
		g := newAdmissionGate(2)

		assert.True(t, g.tryAdmit())
		assert.True(t, g.tryAdmit())
		assert.False(t, g.tryAdmit())
		assert.Equal(t, int64(2), g.pending())

		g.release()
		assert.Equal(t, int64(1), g.pending())
		assert.True(t, g.tryAdmit())
	})

	t.Run("counter never exceeds capacity under contention", func(t *testing.T) {
		g := newAdmissionGate(10)
		var admitted atomic.Int64
		var wg sync.WaitGroup
		for i := 0; i < 100; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if g.tryAdmit() {
					admitted.Add(1)
					assert.LessOrEqual(t, g.pending(), g.limit())
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(10), admitted.Load())
		assert.Equal(t, int64(10), g.pending())
	})
}
