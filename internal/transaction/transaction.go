// Package transaction serializes asynchronous write operations into one
// long lived transaction. A single goroutine owns the transaction handle and
// executes attached operations one at a time, in attach order.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSessionClosed is returned when attaching to a session that has been
	// ended or rolled back, or when the session finished before the operation ran.
	ErrSessionClosed = errors.New("session transaction closed")
	// ErrRollback is returned to the Runner by a session that was rolled back.
	ErrRollback = errors.New("session transaction rolled back")
)

// Runner opens a transaction and calls body with its handle. It must commit
// when body returns nil and roll back otherwise.
type Runner[T any] func(ctx context.Context, body func(tx T) error) error

type op[T any] struct {
	fn     func(tx T) error
	result chan error
}

// Session is a running unit of work.
type Session[T any] struct {
	mu       sync.Mutex
	queue    []*op[T]
	closed   bool
	ending   bool
	aborted  bool
	wake     chan struct{}
	abort    chan struct{}
	abortOne sync.Once

	done chan struct{}
	err  error
}

// Begin starts a session on top of run. The session lives until End or
// Rollback is called, or ctx is cancelled.
func Begin[T any](ctx context.Context, run Runner[T]) *Session[T] {
	s := &Session[T]{
		wake:  make(chan struct{}, 1),
		abort: make(chan struct{}),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.done)
		s.err = run(ctx, func(tx T) error { return s.loop(ctx, tx) })
	}()
	return s
}

func (s *Session[T]) loop(ctx context.Context, tx T) error {
	for {
		s.mu.Lock()
		if s.aborted {
			s.mu.Unlock()
			return ErrRollback
		}
		if len(s.queue) > 0 {
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			next.result <- next.fn(tx)
			continue
		}
		if s.ending {
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.abort:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Attach enqueues fn and waits for its result. The error fn returns is
// handed back to the caller and does not end the session. When ctx ends
// before fn started, fn never runs.
func (s *Session[T]) Attach(ctx context.Context, fn func(tx T) error) error {
	o := &op[T]{fn: fn, result: make(chan error, 1)}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.queue = append(s.queue, o)
	s.mu.Unlock()
	s.signal()

	select {
	case err := <-o.result:
		return err
	case <-s.done:
		select {
		case err := <-o.result:
			return err
		default:
		}
		if s.err != nil && !errors.Is(s.err, ErrRollback) {
			return fmt.Errorf("%w: %v", ErrSessionClosed, s.err)
		}
		return ErrSessionClosed
	case <-ctx.Done():
		if s.dequeue(o) {
			return ctx.Err()
		}
		// Already running, its outcome is the transaction's.
		return <-o.result
	}
}

// dequeue removes o if it has not been picked up yet.
func (s *Session[T]) dequeue(o *op[T]) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, queued := range s.queue {
		if queued == o {
			s.queue = append(s.queue[:i], s.queue[i+1:]...)
			return true
		}
	}
	return false
}

// End stops accepting work. Queued operations still run, then the
// transaction commits.
func (s *Session[T]) End() {
	s.mu.Lock()
	s.closed = true
	s.ending = true
	s.mu.Unlock()
	s.signal()
}

// Rollback aborts the transaction. Operations that have not started are
// abandoned and their Attach calls fail with ErrSessionClosed.
func (s *Session[T]) Rollback() {
	s.mu.Lock()
	s.closed = true
	s.aborted = true
	s.mu.Unlock()
	s.abortOne.Do(func() { close(s.abort) })
}

// Wait blocks until the session has finished and returns the outcome of the
// underlying transaction. A rollback requested through Rollback is not an error.
func (s *Session[T]) Wait(ctx context.Context) error {
	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if errors.Is(s.err, ErrRollback) {
		return nil
	}
	return s.err
}

// Done is closed once the session has finished.
func (s *Session[T]) Done() <-chan struct{} {
	return s.done
}

func (s *Session[T]) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
