package bridge

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// admissionGate bounds the number of requests tracked at once. It never
// blocks: a full gate rejects immediately.
type admissionGate struct {
	sem      *semaphore.Weighted
	capacity int64
	inUse    atomic.Int64
}

func newAdmissionGate(capacity int) *admissionGate {
	return &admissionGate{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}
}

// tryAdmit takes one slot if available
func (g *admissionGate) tryAdmit() bool {
	if !g.sem.TryAcquire(1) {
		return false
	}
	g.inUse.Add(1)
	return true
}

// release returns one slot. Every successful tryAdmit is paired with exactly
// one release.
func (g *admissionGate) release() {
	g.inUse.Add(-1)
	g.sem.Release(1)
}

func (g *admissionGate) pending() int64 {
	return g.inUse.Load()
}

func (g *admissionGate) limit() int64 {
	return g.capacity
}
