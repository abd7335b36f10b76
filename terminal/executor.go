package terminal

import "sync"

// Executor queues callbacks for the goroutine that drains it. Deliver never
// blocks, so session workers can hand results over while the shell sits at
// the prompt.
type Executor struct {
	mu    sync.Mutex
	queue []func()
	ready chan struct{}
}

func NewExecutor() *Executor {
	return &Executor{ready: make(chan struct{}, 1)}
}

// Deliver queues fn. It is meant for session.Options.Deliver.
func (e *Executor) Deliver(fn func()) {
	e.mu.Lock()
	e.queue = append(e.queue, fn)
	e.mu.Unlock()
	select {
	case e.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when callbacks are waiting.
func (e *Executor) Ready() <-chan struct{} {
	return e.ready
}

// Drain runs the queued callbacks in order on the calling goroutine,
// including ones queued while draining.
func (e *Executor) Drain() {
	for {
		e.mu.Lock()
		queue := e.queue
		e.queue = nil
		e.mu.Unlock()
		if len(queue) == 0 {
			return
		}
		for _, fn := range queue {
			fn()
		}
	}
}
