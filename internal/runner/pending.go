package runner

import (
	"errors"
	"sync"

	"github.com/mtford90/procsi/internal/eventlog"
)

// ErrAborted is the error a parked forward() call receives when
// cleanup runs before the response phase delivers anything (client
// disconnect, shutdown, or a timeout unwinding the pending entry).
var ErrAborted = errors.New("forward aborted: request cancelled before response phase")

// ErrForwardAfterComplete is returned by forward() once the pending
// entry has already been resolved (response delivered or cleaned up).
var ErrForwardAfterComplete = errors.New("forward called after response phase completed")

// pendingEntry tracks the rendezvous for one in-flight request between
// the action goroutine (which may call forward()) and the proxy
// (which eventually supplies the upstream response or tears the entry
// down).
type pendingEntry struct {
	requestID       string
	requestURL      string
	requestMethod   string
	interceptorName string

	selected     chan struct{} // closed the first time forward() is invoked
	selectedOnce sync.Once

	forwardDone chan struct{} // closed once resp/err below are final
	forwardOnce sync.Once

	mu            sync.Mutex
	resp          UpstreamResponse
	err           error
	complete      bool // true once the response phase has run or cleanup fired
	forwardCalled bool // true once forward() has been entered at least once

	// modified is set by the action when it returns a response object
	// after having called forward(); the response phase reads it.
	modified   *ActionResponse
	hasModified bool

	// actionDone is closed once the action goroutine has fully
	// returned from executeAction, whatever the outcome — the response
	// phase waits on this (bounded by the handler timeout) rather than
	// polling, to know when takeModified's result is final.
	actionDone chan struct{}

	finalOutcome handlerOutcome
}

func newPendingEntry(req RequestSnapshot, interceptorName string) *pendingEntry {
	return &pendingEntry{
		requestID:       req.RequestID,
		requestURL:      req.URL,
		requestMethod:   req.Method,
		interceptorName: interceptorName,
		selected:        make(chan struct{}),
		forwardDone:     make(chan struct{}),
		actionDone:      make(chan struct{}),
	}
}

// context returns the eventlog request context this entry should be
// attributed with.
func (p *pendingEntry) context() eventlog.RequestContext {
	return eventlog.RequestContext{ID: p.requestID, URL: p.requestURL, Method: p.requestMethod}
}

// finishAction records the action's final outcome and closes
// actionDone; called exactly once by the runner after the action
// goroutine returns.
func (p *pendingEntry) finishAction(outcome handlerOutcome) {
	p.mu.Lock()
	p.finalOutcome = outcome
	p.mu.Unlock()
	close(p.actionDone)
}

// forward is idempotent while the entry is still pending: the first
// call parks until deliver (or abort) is invoked, signalling "selected"
// immediately so the request phase can let the proxy proceed to
// upstream without waiting for the action to finish running, and a
// repeated call made before completion replays the same result. A call
// made after the response phase has already completed — a handler
// calling forward() a second time once it has nothing left to wait on
// — fails fast with ErrForwardAfterComplete instead of blocking.
func (p *pendingEntry) forward() (UpstreamResponse, error) {
	p.mu.Lock()
	if p.complete && p.forwardCalled {
		p.mu.Unlock()
		return UpstreamResponse{}, ErrForwardAfterComplete
	}
	p.forwardCalled = true
	p.mu.Unlock()

	p.selectedOnce.Do(func() { close(p.selected) })
	<-p.forwardDone

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resp, p.err
}

// deliver supplies the upstream response to a parked forward() call.
// A no-op if the entry is already resolved.
func (p *pendingEntry) deliver(resp UpstreamResponse) {
	p.mu.Lock()
	if p.complete {
		p.mu.Unlock()
		return
	}
	p.resp = resp
	p.mu.Unlock()
	p.selectedOnce.Do(func() { close(p.selected) })
	p.forwardOnce.Do(func() { close(p.forwardDone) })
}

// abort unblocks any parked forward() with ErrAborted. Used by
// cleanup and by the response-phase timeout path.
func (p *pendingEntry) abort() {
	p.mu.Lock()
	if p.complete {
		p.mu.Unlock()
		return
	}
	p.err = ErrAborted
	p.mu.Unlock()
	p.selectedOnce.Do(func() { close(p.selected) })
	p.forwardOnce.Do(func() { close(p.forwardDone) })
}

// markComplete flags the entry as resolved: a later forward() call
// from an action that already forwarded fails with
// ErrForwardAfterComplete, and deliver/abort become no-ops.
func (p *pendingEntry) markComplete() {
	p.mu.Lock()
	p.complete = true
	p.mu.Unlock()
}

func (p *pendingEntry) setModified(resp ActionResponse) {
	p.mu.Lock()
	p.modified = &resp
	p.hasModified = true
	p.mu.Unlock()
}

func (p *pendingEntry) takeModified() (ActionResponse, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.hasModified {
		return ActionResponse{}, false
	}
	return *p.modified, true
}
