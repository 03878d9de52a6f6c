package realtime

import (
	"context"
	"sync"
)

// loop is one run of the connect/redial goroutine.
type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}

	mu   sync.Mutex
	drop context.CancelFunc
}

func newLoop(cancel context.CancelFunc) *loop {
	return &loop{
		cancel: cancel,
		done:   make(chan struct{}),
		kick:   make(chan struct{}, 1),
	}
}

func (l *loop) finished() bool {
	select {
	case <-l.done:
		return true
	default:
		return false
	}
}

func (l *loop) setDrop(drop context.CancelFunc) {
	l.mu.Lock()
	l.drop = drop
	l.mu.Unlock()
}

// redial drops the current connection, if any, and cuts a pending backoff
// wait short.
func (l *loop) redial() bool {
	l.mu.Lock()
	drop := l.drop
	l.mu.Unlock()

	if drop != nil {
		drop()
	}
	select {
	case l.kick <- struct{}{}:
	default:
	}
	return drop != nil
}
