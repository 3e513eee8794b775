// Package runner is the interceptor runtime's concurrency core: it
// mediates the two-phase forward() protocol between the proxy and the
// action a selected interceptor rule declares, exactly as spec'd for
// an arbitrary user handler even though procsi's rules are
// declarative rather than scripted.
package runner

import "github.com/mtford90/procsi/internal/store"

// RequestSnapshot is the frozen view of a request handed to a rule's
// action. Headers/body are copies; mutating them has no effect on the
// proxy's in-flight request.
type RequestSnapshot struct {
	RequestID string
	Method    string
	URL       string
	Host      string
	Path      string
	Headers   map[string]string
	Body      []byte
}

// UpstreamResponse is what the proxy delivers to a parked forward()
// call once the real upstream has answered.
type UpstreamResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// ActionResponse is a rule action's declared response: either the
// literal mock body (action.type: mock) or the header mutations
// applied to whatever forward() returned (action.type: modify).
type ActionResponse struct {
	Status  int
	Headers map[string]string
	Body    []byte
}

// InterceptionType mirrors store.InterceptionType's closed set, kept
// distinct here so this package doesn't have to import store for its
// core control flow; Proxy translates between the two at the
// persistence boundary.
type InterceptionType string

const (
	InterceptionMocked   InterceptionType = "mocked"
	InterceptionModified InterceptionType = "modified"
)

// Interception names which rule handled a request and, where already
// known, how. Type is empty for the modify/observe path at request
// time: forward() parks the action before it's known whether the
// response phase will produce an override, so the proxy must wait for
// ResponsePhaseOutcome before it can persist a final interceptionType.
type Interception struct {
	Name string
	Type InterceptionType
}

// RequestPhaseOutcome is what HandleRequest returns to the proxy.
type RequestPhaseOutcome struct {
	// Mock is non-nil for the mock path: the proxy must answer the
	// client directly without calling upstream.
	Mock *ActionResponse

	// Intercepted is non-nil whenever a rule was selected, whether or
	// not it produced a mock (so the proxy can still call
	// HandleResponse for the modify/observe paths).
	Intercepted *Interception
}

// ResponsePhaseOutcome is what HandleResponse returns to the proxy.
type ResponsePhaseOutcome struct {
	// Override is non-nil for the modify path: the proxy must reply to
	// the client with this instead of the real upstream response. Its
	// presence is also what distinguishes modify from observe for
	// interceptionType — observe leaves the request's interceptionType
	// unset even though interceptedBy was already recorded.
	Override *ActionResponse
}

// Queryer is the strict, read-only subset of the request repository a
// rule's action may consult via Context.Query.
type Queryer interface {
	CountRequests(filter store.RequestFilter) (int, error)
	ListRequestsSummary(filter store.RequestFilter, since int64, limit, offset int) ([]store.RequestSummary, error)
	GetRequest(id string) (store.Request, bool, error)
	SearchBodies(query string, target store.HeaderTarget) ([]store.BodyMatch, error)
	QueryJsonBodies(path string, value interface{}, hasValue bool, target store.HeaderTarget) ([]store.BodyMatch, error)
}
