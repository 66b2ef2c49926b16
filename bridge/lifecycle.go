package bridge

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// State is the lifecycle state of a Bridge or Responder
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// lifecycle runs a set of background loops between start and stop.
// Transitions are serialized; state reads are lock-free.
type lifecycle struct {
	mu     sync.Mutex
	state  atomic.Int32
	cancel context.CancelFunc
	group  *errgroup.Group
}

func (l *lifecycle) current() State {
	return State(l.state.Load())
}

func (l *lifecycle) running() bool {
	return l.current() == StateRunning
}

// start moves Created to Running, calls onStart and launches loops. The loops
// keep ctx values but not its cancellation: only stop ends them.
func (l *lifecycle) start(ctx context.Context, onStart func(), loops ...func(context.Context) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.current() {
	case StateRunning:
		return ErrAlreadyStarted
	case StateStopping, StateStopped:
		return ErrStopped
	}

	if onStart != nil {
		onStart()
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	group, groupCtx := errgroup.WithContext(loopCtx)
	l.cancel = cancel
	l.group = group
	l.state.Store(int32(StateRunning))

	for _, loop := range loops {
		group.Go(func() error {
			return loop(groupCtx)
		})
	}
	return nil
}

// stop ends the loops, waits for them and then runs afterLoops. It is
// idempotent and safe to call on a never-started lifecycle, in which case
// afterLoops is not run.
func (l *lifecycle) stop(afterLoops func()) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.current() {
	case StateCreated:
		l.state.Store(int32(StateStopped))
		return nil
	case StateStopping, StateStopped:
		return nil
	}

	l.state.Store(int32(StateStopping))
	l.cancel()
	err := l.group.Wait()
	if afterLoops != nil {
		afterLoops()
	}
	l.state.Store(int32(StateStopped))
	return err
}
