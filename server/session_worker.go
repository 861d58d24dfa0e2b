package server

import (
	"errors"
	"fmt"
	"sync"

	"github.com/chazu/typelox/pkg/session"
)

// ErrWorkerStopped is returned by Do after Stop.
var ErrWorkerStopped = errors.New("session worker stopped")

// sessionRequest represents a unit of work to be executed on the worker goroutine.
type sessionRequest struct {
	fn   func(*session.Session) any
	done chan sessionResult
}

// sessionResult holds the return value from a session operation.
type sessionResult struct {
	value any
	err   error
}

// SessionWorker serializes all access to one session through a single
// goroutine. A Session is not safe for concurrent use; every LSP handler
// must go through the worker.
type SessionWorker struct {
	session  *session.Session
	requests chan sessionRequest
	quit     chan struct{}
	stopOnce sync.Once
}

// NewSessionWorker creates a SessionWorker and starts the processing goroutine.
func NewSessionWorker(s *session.Session) *SessionWorker {
	w := &SessionWorker{
		session:  s,
		requests: make(chan sessionRequest, 64),
		quit:     make(chan struct{}),
	}
	go w.loop()
	return w
}

// loop processes requests sequentially on a dedicated goroutine.
func (w *SessionWorker) loop() {
	for {
		select {
		case req := <-w.requests:
			req.done <- w.execute(req.fn)
		case <-w.quit:
			return
		}
	}
}

// execute runs a function against the session, recovering from panics.
func (w *SessionWorker) execute(fn func(*session.Session) any) sessionResult {
	var result sessionResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				result.err = fmt.Errorf("%v", r)
			}
		}()
		result.value = fn(w.session)
	}()
	return result
}

// Do submits a function for execution on the worker goroutine and blocks
// until it completes. Returns the result and any error (including panics).
func (w *SessionWorker) Do(fn func(*session.Session) any) (any, error) {
	req := sessionRequest{
		fn:   fn,
		done: make(chan sessionResult, 1),
	}
	select {
	case w.requests <- req:
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
	select {
	case result := <-req.done:
		return result.value, result.err
	case <-w.quit:
		return nil, ErrWorkerStopped
	}
}

// Stop shuts down the worker goroutine. It is safe to call more than once.
func (w *SessionWorker) Stop() {
	w.stopOnce.Do(func() { close(w.quit) })
}
