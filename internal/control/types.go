// Package control is the control-plane RPC server (component J):
// newline-delimited JSON-RPC over a Unix domain socket, fronting the
// request repository, the interceptor loader, the event log, and
// replay for the TUI and any other local consumer. The proxy and the
// runner never speak this protocol; it exists purely for read/control
// access from outside the daemon process.
package control

import (
	"encoding/json"

	"github.com/mtford90/procsi/internal/eventlog"
	"github.com/mtford90/procsi/internal/interceptor"
	"github.com/mtford90/procsi/internal/replay"
	"github.com/mtford90/procsi/internal/store"
)

// JSON-RPC error codes. These are the only three the wire protocol
// ever emits; no handler returns anything else.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeServerError    = -32000
)

// Request is one line of the incoming frame: {id, method, params?}.
type Request struct {
	ID     interface{}     `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is one line of the outgoing frame: either {id, result} or
// {id, error}, never both.
type Response struct {
	ID     interface{} `json:"id"`
	Result interface{} `json:"result,omitempty"`
	Error  *RPCError   `json:"error,omitempty"`
}

// RPCError is the JSON-RPC error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func errorResponse(id interface{}, code int, message string) Response {
	return Response{ID: id, Error: &RPCError{Code: code, Message: message}}
}

func resultResponse(id interface{}, result interface{}) Response {
	return Response{ID: id, Result: result}
}

// Repository is the persistence surface the control server fronts,
// narrowed from *store.DB's full API the same way internal/proxy
// narrows its own dependency on it.
type Repository interface {
	RegisterSession(label, source string, pid int) (store.Session, error)
	ListSessions() ([]store.Session, error)

	SaveRequest(r store.Request) (string, error)
	GetRequest(id string) (store.Request, bool, error)
	ListRequests(filter store.RequestFilter, limit, offset int) ([]store.Request, error)
	ListRequestsSummary(filter store.RequestFilter, since int64, limit, offset int) ([]store.RequestSummary, error)
	CountRequests(filter store.RequestFilter) (int, error)
	SearchBodies(query string, target store.HeaderTarget) ([]store.BodyMatch, error)
	QueryJsonBodies(path string, value interface{}, hasValue bool, target store.HeaderTarget) ([]store.BodyMatch, error)
	ClearRequests() error
	BookmarkRequest(id string) (bool, error)
	UnbookmarkRequest(id string) (bool, error)
}

// RulesSource is the interceptor loader surface the control server
// drives for listInterceptors/reloadInterceptors.
type RulesSource interface {
	Rules() []interceptor.Rule
	Reload()
}

// EventSource is the event log surface the control server reads for
// getInterceptorEvents and status, and clears for
// clearInterceptorEvents.
type EventSource interface {
	Since(afterSeq uint64, filter eventlog.Filter) []eventlog.Event
	Counts() eventlog.Counts
	Clear()
}

// Replayer is the replay subsystem surface replayRequest drives.
type Replayer interface {
	Replay(req store.Request, override replay.Override, initiator store.ReplayInitiator) (replay.Result, error)
}
