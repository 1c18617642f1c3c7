package poll

import (
	"context"
	"runtime/debug"
	"sync"

	"github.com/cockroachdb/errors"

	logx "accountpolld/pkg/logx"
)

// ErrLoopStopped is returned by Call once the loop is no longer running.
var ErrLoopStopped = errors.New("dispatch loop stopped")

// Loop is the single dispatch goroutine. Everything that touches poll
// state runs as a closure posted here, in FIFO order.
//
// Post never blocks, so closures may post follow-up work to the loop.
type Loop struct {
	log logx.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func NewLoop(log logx.Logger) *Loop {
	return &Loop{
		log:  log,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Post enqueues fn. Closures posted after the loop stopped are dropped.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Call runs fn on the loop and waits for it.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		fn()
	})
	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes closures until ctx ends. It must be called once.
func (l *Loop) Run(ctx context.Context) error {
	defer close(l.done)
	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
	}()

	for ctx.Err() == nil {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.run(fn)
		}
		if len(batch) > 0 {
			// run closures posted by the batch before sleeping
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-l.wake:
		}
	}
	return nil
}

func (l *Loop) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("dispatch closure panicked", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	fn()
}
