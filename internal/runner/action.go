package runner

import (
	"github.com/mtford90/procsi/internal/interceptor"
)

type handlerOutcomeKind int

const (
	outcomeMocked handlerOutcomeKind = iota
	outcomeModified
	outcomeObserved
	outcomeErrored
)

type handlerOutcome struct {
	kind     handlerOutcomeKind
	response *ActionResponse
	err      error
}

// Context is what a rule's action executes against: the frozen
// request, a logging sink, the read-only repository view, and the
// forward() rendezvous.
type Context struct {
	Request RequestSnapshot
	Query   Queryer

	entry  *pendingEntry
	events logSink
}

// logSink decouples action execution from the eventlog package so
// this file only needs a single-method interface.
type logSink interface {
	UserLog(interceptor, message string)
}

// Log records a user_log event attributed to the running rule.
func (c *Context) Log(message string) {
	if c.events != nil {
		c.events.UserLog(c.entry.interceptorName, message)
	}
}

// Forward performs the two-phase handshake: it parks until the proxy
// delivers the real upstream response (or the entry is aborted), and
// is safe to call more than once — later calls simply replay the
// first result.
func (c *Context) Forward() (UpstreamResponse, error) {
	return c.entry.forward()
}

// executeAction runs rule's declared action against ctx. It is always
// invoked on its own goroutine by the runner, since the modify/observe
// paths block inside Forward() until the response phase runs.
func executeAction(rule interceptor.Rule, ctx *Context) handlerOutcome {
	switch rule.Action.Type {
	case interceptor.ActionMock:
		return handlerOutcome{
			kind: outcomeMocked,
			response: &ActionResponse{
				Status:  rule.Action.Status,
				Headers: rule.Action.Headers,
				Body:    []byte(rule.Action.Body),
			},
		}

	case interceptor.ActionModify:
		upstream, err := ctx.Forward()
		if err != nil {
			return handlerOutcome{kind: outcomeErrored, err: err}
		}
		resp := applyModify(rule.Action, upstream)
		ctx.entry.setModified(resp)
		if rule.Action.Log != "" {
			ctx.Log(rule.Action.Log)
		}
		return handlerOutcome{kind: outcomeModified, response: &resp}

	case interceptor.ActionObserve:
		if _, err := ctx.Forward(); err != nil {
			return handlerOutcome{kind: outcomeErrored, err: err}
		}
		if rule.Action.Log != "" {
			ctx.Log(rule.Action.Log)
		}
		return handlerOutcome{kind: outcomeObserved}

	default:
		return handlerOutcome{kind: outcomeErrored, err: errUnknownActionType}
	}
}

// applyModify layers a modify action's setHeaders/removeHeaders on top
// of whatever the real upstream returned; the body and status pass
// through unchanged, since the declarative rule format only exposes
// header mutation for the modify path.
func applyModify(action interceptor.Action, upstream UpstreamResponse) ActionResponse {
	headers := make(map[string]string, len(upstream.Headers)+len(action.SetHeaders))
	for k, v := range upstream.Headers {
		headers[k] = v
	}
	for _, name := range action.RemoveHeaders {
		delete(headers, name)
	}
	for k, v := range action.SetHeaders {
		headers[k] = v
	}
	return ActionResponse{
		Status:  upstream.Status,
		Headers: headers,
		Body:    upstream.Body,
	}
}
