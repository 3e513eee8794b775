package runner

import (
	"errors"
	"sync"
	"time"

	"github.com/mtford90/procsi/internal/eventlog"
	"github.com/mtford90/procsi/internal/interceptor"
)

var errUnknownActionType = errors.New("rule has an unrecognised action type")

// RulesSource gives the runner the current interceptor snapshot
// without depending on interceptor.Loader's concrete lifecycle.
type RulesSource interface {
	Rules() []interceptor.Rule
}

// Runner mediates the two-phase forward() protocol between the proxy
// and the action a selected rule declares. One Runner serves an
// entire daemon instance; pending entries are keyed by requestId.
type Runner struct {
	rules  RulesSource
	events *eventlog.Log
	query  Queryer

	matchTimeout   time.Duration
	handlerTimeout time.Duration

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// New constructs a Runner. matchTimeout/handlerTimeout <= 0 fall back
// to the spec defaults (50ms / 5000ms).
func New(rules RulesSource, events *eventlog.Log, query Queryer, matchTimeout, handlerTimeout time.Duration) *Runner {
	if matchTimeout <= 0 {
		matchTimeout = 50 * time.Millisecond
	}
	if handlerTimeout <= 0 {
		handlerTimeout = 5 * time.Second
	}
	return &Runner{
		rules:          rules,
		events:         events,
		query:          query,
		matchTimeout:   matchTimeout,
		handlerTimeout: handlerTimeout,
		pending:        make(map[string]*pendingEntry),
	}
}

// UserLog implements logSink for Context.Log.
func (r *Runner) UserLog(interceptorName, message string) {
	r.events.Append(eventlog.TypeUserLog, interceptorName, message, "")
}

// HandleRequest selects a rule for req (if any) and runs its action
// under the handler timeout budget.
func (r *Runner) HandleRequest(req RequestSnapshot) RequestPhaseOutcome {
	rule, ok := r.selectRule(req)
	if !ok {
		return RequestPhaseOutcome{}
	}

	reqCtx := eventlog.RequestContext{ID: req.RequestID, URL: req.URL, Method: req.Method}
	r.events.AppendForRequest(eventlog.TypeMatched, rule.Name, "interceptor matched request", "", reqCtx)

	entry := newPendingEntry(req, rule.Name)
	r.mu.Lock()
	r.pending[req.RequestID] = entry
	r.mu.Unlock()

	snapshot := req
	snapshot.Headers = make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		snapshot.Headers[k] = v
	}
	snapshot.Body = append([]byte(nil), req.Body...)
	ctx := &Context{Request: snapshot, Query: r.query, entry: entry, events: r}

	outcomeCh := make(chan handlerOutcome, 1)
	go func() {
		outcome := executeAction(rule, ctx)
		entry.finishAction(outcome)
		outcomeCh <- outcome
	}()

	select {
	case <-entry.selected:
		// The action called forward(): modify/observe path. Whether this
		// ends up modified or observe-only isn't known until the response
		// phase resolves, so Type is left unset here — the proxy records
		// interceptedBy now and interceptionType only once
		// HandleResponse's Override tells it which one happened.
		return RequestPhaseOutcome{Intercepted: &Interception{Name: rule.Name}}

	case outcome := <-outcomeCh:
		return r.finishRequestPhaseWithoutForward(reqCtx, rule.Name, outcome)

	case <-time.After(r.handlerTimeout):
		r.events.AppendForRequest(eventlog.TypeHandlerTimeout, rule.Name, "interceptor handler timed out", "", reqCtx)
		r.dropPending(req.RequestID)
		entry.abort() // unblock the still-running action goroutine if it ever calls forward()
		return RequestPhaseOutcome{}
	}
}

// finishRequestPhaseWithoutForward handles the case where the action
// returned before ever calling forward(): mock, pass-through
// (nothing returned, nothing forwarded), invalid shape, or error.
func (r *Runner) finishRequestPhaseWithoutForward(reqCtx eventlog.RequestContext, name string, outcome handlerOutcome) RequestPhaseOutcome {
	switch outcome.kind {
	case outcomeMocked:
		r.events.AppendForRequest(eventlog.TypeMocked, name, "interceptor returned a mock response", "", reqCtx)
		r.dropPending(reqCtx.ID)
		return RequestPhaseOutcome{
			Mock:        outcome.response,
			Intercepted: &Interception{Name: name, Type: InterceptionMocked},
		}

	case outcomeErrored:
		if errors.Is(outcome.err, ErrForwardAfterComplete) {
			r.events.AppendForRequest(eventlog.TypeForwardAfterComplete, name, "interceptor called forward() after the response phase completed", errString(outcome.err), reqCtx)
		} else {
			r.events.AppendForRequest(eventlog.TypeHandlerError, name, "interceptor handler failed", errString(outcome.err), reqCtx)
		}
		r.dropPending(reqCtx.ID)
		return RequestPhaseOutcome{}

	default:
		// An action kind that returns without ever forwarding and isn't a
		// mock has no declarative counterpart (modify/observe always
		// forward first) — treat defensively as pass-through.
		r.events.AppendForRequest(eventlog.TypeInvalidResponse, name, "interceptor action completed without a mock or forward", "", reqCtx)
		r.dropPending(reqCtx.ID)
		return RequestPhaseOutcome{}
	}
}

// HandleResponse delivers the real upstream response to a parked
// forward() call and awaits the action's completion within the
// remaining handler-timeout budget. A no-op if no pending entry
// exists (mock path already completed, or the entry was cleaned up).
func (r *Runner) HandleResponse(requestID string, upstream UpstreamResponse) ResponsePhaseOutcome {
	entry := r.takePending(requestID)
	if entry == nil {
		return ResponsePhaseOutcome{}
	}

	entry.deliver(upstream)
	reqCtx := entry.context()

	select {
	case <-entry.actionDone:
		// The action has fully returned; takeModified's result is final.
	case <-time.After(r.handlerTimeout):
		r.events.AppendForRequest(eventlog.TypeHandlerTimeout, entry.interceptorName, "interceptor handler timed out in response phase", "", reqCtx)
		entry.markComplete()
		return ResponsePhaseOutcome{}
	}

	entry.markComplete()

	if entry.finalOutcome.kind == outcomeErrored {
		if errors.Is(entry.finalOutcome.err, ErrForwardAfterComplete) {
			r.events.AppendForRequest(eventlog.TypeForwardAfterComplete, entry.interceptorName, "interceptor called forward() after the response phase completed", errString(entry.finalOutcome.err), reqCtx)
		} else {
			r.events.AppendForRequest(eventlog.TypeHandlerError, entry.interceptorName, "interceptor handler failed in response phase", errString(entry.finalOutcome.err), reqCtx)
		}
		return ResponsePhaseOutcome{}
	}
	if resp, ok := entry.takeModified(); ok {
		r.events.AppendForRequest(eventlog.TypeModified, entry.interceptorName, "interceptor modified the response", "", reqCtx)
		return ResponsePhaseOutcome{Override: &resp}
	}

	r.events.AppendForRequest(eventlog.TypeObserved, entry.interceptorName, "interceptor observed the response", "", reqCtx)
	return ResponsePhaseOutcome{}
}

// Cleanup forcibly drops the pending entry for requestID (client
// disconnect, shutdown). Any parked forward() call unblocks with
// ErrAborted.
func (r *Runner) Cleanup(requestID string) {
	entry := r.takePending(requestID)
	if entry == nil {
		return
	}
	entry.abort()
	entry.markComplete()
}

func (r *Runner) takePending(requestID string) *pendingEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry := r.pending[requestID]
	delete(r.pending, requestID)
	return entry
}

func (r *Runner) dropPending(requestID string) {
	r.mu.Lock()
	delete(r.pending, requestID)
	r.mu.Unlock()
}

// selectRule iterates the current rule snapshot in order, evaluating
// each candidate's Match predicate under the match timeout. The first
// match wins; a candidate that panics or exceeds the timeout is
// skipped and the search continues.
func (r *Runner) selectRule(req RequestSnapshot) (interceptor.Rule, bool) {
	view := interceptor.RequestView{Method: req.Method, Host: req.Host, Path: req.Path, Headers: req.Headers}
	reqCtx := eventlog.RequestContext{ID: req.RequestID, URL: req.URL, Method: req.Method}

	for _, rule := range r.rules.Rules() {
		matched, ok := r.evaluateMatch(rule, view, reqCtx)
		if !ok {
			continue
		}
		if matched {
			return rule, true
		}
	}
	return interceptor.Rule{}, false
}

func (r *Runner) evaluateMatch(rule interceptor.Rule, view interceptor.RequestView, reqCtx eventlog.RequestContext) (matched, ok bool) {
	resultCh := make(chan bool, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				resultCh <- false
				r.events.AppendForRequest(eventlog.TypeMatchError, rule.Name, "interceptor match predicate panicked", recoverMessage(rec), reqCtx)
			}
		}()
		resultCh <- rule.Matches(view)
	}()

	select {
	case matched := <-resultCh:
		return matched, true
	case <-time.After(r.matchTimeout):
		r.events.AppendForRequest(eventlog.TypeMatchTimeout, rule.Name, "interceptor match predicate timed out", "", reqCtx)
		return false, false
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func recoverMessage(rec interface{}) string {
	if err, ok := rec.(error); ok {
		return err.Error()
	}
	return "panic in match predicate"
}
