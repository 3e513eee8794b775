package control

import (
	"encoding/json"
	"time"

	"github.com/mtford90/procsi/internal/errs"
	"github.com/mtford90/procsi/internal/eventlog"
	"github.com/mtford90/procsi/internal/logging"
	"github.com/mtford90/procsi/internal/replay"
	"github.com/mtford90/procsi/internal/store"
)

// dispatcher holds the control server's collaborators and implements
// the closed method set. One dispatcher per Server; stateless beyond
// its constructor-injected dependencies.
type dispatcher struct {
	repo     Repository
	rules    RulesSource
	events   EventSource
	replayer Replayer

	pid       int
	proxyPort int
	startedAt time.Time
}

type handlerFunc func(d *dispatcher, params json.RawMessage) (interface{}, error)

// methodTable is the closed set spec.md §4.J names; any method not in
// this map is rejected with CodeMethodNotFound.
var methodTable = map[string]handlerFunc{
	"status":                 (*dispatcher).handleStatus,
	"ping":                   (*dispatcher).handlePing,
	"registerSession":        (*dispatcher).handleRegisterSession,
	"listSessions":           (*dispatcher).handleListSessions,
	"listRequests":           (*dispatcher).handleListRequests,
	"listRequestsSummary":    (*dispatcher).handleListRequestsSummary,
	"getRequest":             (*dispatcher).handleGetRequest,
	"countRequests":          (*dispatcher).handleCountRequests,
	"searchBodies":           (*dispatcher).handleSearchBodies,
	"queryJsonBodies":        (*dispatcher).handleQueryJsonBodies,
	"clearRequests":          (*dispatcher).handleClearRequests,
	"saveRequest":            (*dispatcher).handleSaveRequest,
	"unsaveRequest":          (*dispatcher).handleUnsaveRequest,
	"listInterceptors":       (*dispatcher).handleListInterceptors,
	"reloadInterceptors":     (*dispatcher).handleReloadInterceptors,
	"getInterceptorEvents":   (*dispatcher).handleGetInterceptorEvents,
	"clearInterceptorEvents": (*dispatcher).handleClearInterceptorEvents,
	"replayRequest":          (*dispatcher).handleReplayRequest,
}

// handle dispatches one parsed request to its handler, translating
// method-not-found and handler errors into the two remaining RPC error
// codes. Parse errors never reach here; Server.handleConn answers
// those directly.
func (d *dispatcher) handle(req Request) Response {
	fn, ok := methodTable[req.Method]
	if !ok {
		return errorResponse(req.ID, CodeMethodNotFound, "unknown method: "+req.Method)
	}

	result, err := fn(d, req.Params)
	if err != nil {
		logErrorByKind(req.Method, err)
		return errorResponse(req.ID, CodeServerError, err.Error())
	}
	return resultResponse(req.ID, result)
}

func logErrorByKind(method string, err error) {
	fields := logging.Fields{Component: "control", Method: method, Error: err.Error()}
	if errs.KindOf(err) == errs.KindValidation {
		logging.Warn("control method rejected params", fields)
		return
	}
	logging.Error("control method failed", fields)
}

func decodeParams(raw json.RawMessage, out interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errs.Validation("invalid params", err)
	}
	return nil
}

// --- status / ping -----------------------------------------------------

type statusResult struct {
	PID          int             `json:"pid"`
	ProxyPort    int             `json:"proxyPort"`
	UptimeMs     int64           `json:"uptimeMs"`
	RequestCount int             `json:"requestCount"`
	EventCounts  eventlog.Counts `json:"eventCounts"`
}

func (d *dispatcher) handleStatus(_ json.RawMessage) (interface{}, error) {
	count, err := d.repo.CountRequests(store.RequestFilter{})
	if err != nil {
		return nil, errs.Transient("status: counting requests", err)
	}
	return statusResult{
		PID:          d.pid,
		ProxyPort:    d.proxyPort,
		UptimeMs:     time.Since(d.startedAt).Milliseconds(),
		RequestCount: count,
		EventCounts:  d.events.Counts(),
	}, nil
}

func (d *dispatcher) handlePing(_ json.RawMessage) (interface{}, error) {
	return map[string]bool{"pong": true}, nil
}

// --- sessions ------------------------------------------------------------

type registerSessionParams struct {
	Label  string `json:"label,omitempty"`
	PID    int    `json:"pid"`
	Source string `json:"source,omitempty"`
}

func (d *dispatcher) handleRegisterSession(raw json.RawMessage) (interface{}, error) {
	var p registerSessionParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	session, err := d.repo.RegisterSession(p.Label, p.Source, p.PID)
	if err != nil {
		return nil, errs.Transient("registerSession: creating session", err)
	}
	return session, nil
}

func (d *dispatcher) handleListSessions(_ json.RawMessage) (interface{}, error) {
	sessions, err := d.repo.ListSessions()
	if err != nil {
		return nil, errs.Transient("listSessions: querying sessions", err)
	}
	return sessions, nil
}

// --- request filter wire shape --------------------------------------------

// filterParams is the wire shape of spec.md §4.C's RequestFilter; every
// field is optional and absence means "no restriction", matching
// store.RequestFilter's own zero-value-is-wildcard convention.
type filterParams struct {
	SessionID string `json:"sessionId,omitempty"`
	Label     string `json:"label,omitempty"`

	Methods     []string `json:"methods,omitempty"`
	StatusRange string   `json:"statusRange,omitempty"`

	Search string `json:"search,omitempty"`

	Regex      string `json:"regex,omitempty"`
	RegexFlags string `json:"regexFlags,omitempty"`

	Host       string `json:"host,omitempty"`
	PathPrefix string `json:"pathPrefix,omitempty"`

	Since  *int64 `json:"since,omitempty"`
	Before *int64 `json:"before,omitempty"`

	HeaderName  string `json:"headerName,omitempty"`
	HeaderValue *string `json:"headerValue,omitempty"`
	HeaderTarget string `json:"headerTarget,omitempty"`

	InterceptedBy string `json:"interceptedBy,omitempty"`
	Saved         *bool  `json:"saved,omitempty"`
	Source        string `json:"source,omitempty"`
}

func (p filterParams) toStore() store.RequestFilter {
	f := store.RequestFilter{
		SessionID:     p.SessionID,
		Label:         p.Label,
		Methods:       p.Methods,
		StatusRange:   p.StatusRange,
		Search:        p.Search,
		Regex:         p.Regex,
		RegexFlags:    p.RegexFlags,
		Host:          p.Host,
		PathPrefix:    p.PathPrefix,
		HeaderName:    p.HeaderName,
		HeaderTarget:  store.HeaderTarget(p.HeaderTarget),
		InterceptedBy: p.InterceptedBy,
		Source:        p.Source,
	}
	if p.Since != nil {
		f.Since = *p.Since
		f.HasSince = true
	}
	if p.Before != nil {
		f.Before = *p.Before
		f.HasBefore = true
	}
	if p.HeaderValue != nil {
		f.HeaderValue = *p.HeaderValue
		f.HasHeaderValue = true
	}
	if p.Saved != nil {
		f.Saved = *p.Saved
		f.HasSaved = true
	}
	return f
}

// --- request queries -------------------------------------------------

type listRequestsParams struct {
	Filter filterParams `json:"filter,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

func (d *dispatcher) handleListRequests(raw json.RawMessage) (interface{}, error) {
	var p listRequestsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	rows, err := d.repo.ListRequests(p.Filter.toStore(), p.Limit, p.Offset)
	if err != nil {
		return nil, errs.Transient("listRequests: querying requests", err)
	}
	return rows, nil
}

type listRequestsSummaryParams struct {
	Filter filterParams `json:"filter,omitempty"`
	Since  int64        `json:"since,omitempty"`
	Limit  int          `json:"limit,omitempty"`
	Offset int          `json:"offset,omitempty"`
}

func (d *dispatcher) handleListRequestsSummary(raw json.RawMessage) (interface{}, error) {
	var p listRequestsSummaryParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	rows, err := d.repo.ListRequestsSummary(p.Filter.toStore(), p.Since, p.Limit, p.Offset)
	if err != nil {
		return nil, errs.Transient("listRequestsSummary: querying requests", err)
	}
	return rows, nil
}

type idParams struct {
	ID string `json:"id"`
}

type getRequestResult struct {
	Found   bool          `json:"found"`
	Request *store.Request `json:"request,omitempty"`
}

func (d *dispatcher) handleGetRequest(raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errs.Validation("getRequest: id is required", nil)
	}
	req, found, err := d.repo.GetRequest(p.ID)
	if err != nil {
		return nil, errs.Transient("getRequest: querying request", err)
	}
	if !found {
		return getRequestResult{Found: false}, nil
	}
	return getRequestResult{Found: true, Request: &req}, nil
}

type countRequestsParams struct {
	Filter filterParams `json:"filter,omitempty"`
}

func (d *dispatcher) handleCountRequests(raw json.RawMessage) (interface{}, error) {
	var p countRequestsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	count, err := d.repo.CountRequests(p.Filter.toStore())
	if err != nil {
		return nil, errs.Transient("countRequests: counting requests", err)
	}
	return map[string]int{"count": count}, nil
}

type searchBodiesParams struct {
	Query  string `json:"query"`
	Target string `json:"target,omitempty"`
}

func (d *dispatcher) handleSearchBodies(raw json.RawMessage) (interface{}, error) {
	var p searchBodiesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Query == "" {
		return nil, errs.Validation("searchBodies: query is required", nil)
	}
	target, err := parseHeaderTarget(p.Target)
	if err != nil {
		return nil, err
	}
	rows, err := d.repo.SearchBodies(p.Query, target)
	if err != nil {
		return nil, errs.Transient("searchBodies: searching bodies", err)
	}
	return rows, nil
}

type queryJsonBodiesParams struct {
	Path   string      `json:"path"`
	Value  interface{} `json:"value,omitempty"`
	Target string      `json:"target,omitempty"`

	hasValue bool
}

func (p *queryJsonBodiesParams) UnmarshalJSON(data []byte) error {
	type alias queryJsonBodiesParams
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = queryJsonBodiesParams(a)

	var probe struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &probe); err == nil {
		p.hasValue = len(probe.Value) > 0
	}
	return nil
}

func (d *dispatcher) handleQueryJsonBodies(raw json.RawMessage) (interface{}, error) {
	var p queryJsonBodiesParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.Path == "" {
		return nil, errs.Validation("queryJsonBodies: path is required", nil)
	}
	target, err := parseHeaderTarget(p.Target)
	if err != nil {
		return nil, err
	}
	rows, err := d.repo.QueryJsonBodies(p.Path, p.Value, p.hasValue, target)
	if err != nil {
		return nil, errs.Transient("queryJsonBodies: querying bodies", err)
	}
	return rows, nil
}

func parseHeaderTarget(s string) (store.HeaderTarget, error) {
	switch store.HeaderTarget(s) {
	case "":
		return store.TargetBoth, nil
	case store.TargetRequest, store.TargetResponse, store.TargetBoth:
		return store.HeaderTarget(s), nil
	default:
		return "", errs.Validation("invalid target: "+s, nil)
	}
}

func (d *dispatcher) handleClearRequests(_ json.RawMessage) (interface{}, error) {
	if err := d.repo.ClearRequests(); err != nil {
		return nil, errs.Transient("clearRequests: clearing requests", err)
	}
	return map[string]bool{"ok": true}, nil
}

// --- bookmarks -------------------------------------------------------

// saveRequest/unsaveRequest toggle the saved (bookmark) flag on an
// already-captured row; they never insert new capture data, which
// only the proxy engine does.
func (d *dispatcher) handleSaveRequest(raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errs.Validation("saveRequest: id is required", nil)
	}
	ok, err := d.repo.BookmarkRequest(p.ID)
	if err != nil {
		return nil, errs.Transient("saveRequest: bookmarking request", err)
	}
	return map[string]bool{"ok": ok}, nil
}

func (d *dispatcher) handleUnsaveRequest(raw json.RawMessage) (interface{}, error) {
	var p idParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errs.Validation("unsaveRequest: id is required", nil)
	}
	ok, err := d.repo.UnbookmarkRequest(p.ID)
	if err != nil {
		return nil, errs.Transient("unsaveRequest: unbookmarking request", err)
	}
	return map[string]bool{"ok": ok}, nil
}

// --- interceptors ----------------------------------------------------

func (d *dispatcher) handleListInterceptors(_ json.RawMessage) (interface{}, error) {
	return d.rules.Rules(), nil
}

func (d *dispatcher) handleReloadInterceptors(_ json.RawMessage) (interface{}, error) {
	d.rules.Reload()
	return map[string]int{"count": len(d.rules.Rules())}, nil
}

// --- event log ---------------------------------------------------------

type getInterceptorEventsParams struct {
	AfterSeq    uint64 `json:"afterSeq,omitempty"`
	Limit       int    `json:"limit,omitempty"`
	Level       string `json:"level,omitempty"`
	Interceptor string `json:"interceptor,omitempty"`
	Type        string `json:"type,omitempty"`
}

func (d *dispatcher) handleGetInterceptorEvents(raw json.RawMessage) (interface{}, error) {
	var p getInterceptorEventsParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}

	filter := eventlog.Filter{
		Interceptor: p.Interceptor,
		Type:        eventlog.Type(p.Type),
		Limit:       p.Limit,
	}
	if p.Level != "" {
		level, ok := parseLevel(p.Level)
		if !ok {
			return nil, errs.Validation("getInterceptorEvents: invalid level: "+p.Level, nil)
		}
		filter.Level = level
		filter.HasLevel = true
	}

	return d.events.Since(p.AfterSeq, filter), nil
}

func parseLevel(s string) (eventlog.Level, bool) {
	switch s {
	case "info":
		return eventlog.LevelInfo, true
	case "warn":
		return eventlog.LevelWarn, true
	case "error":
		return eventlog.LevelError, true
	default:
		return 0, false
	}
}

func (d *dispatcher) handleClearInterceptorEvents(_ json.RawMessage) (interface{}, error) {
	d.events.Clear()
	return map[string]bool{"ok": true}, nil
}

// --- replay --------------------------------------------------------------

type replayRequestParams struct {
	ID            string            `json:"id"`
	SetHeaders    map[string]string `json:"setHeaders,omitempty"`
	RemoveHeaders []string          `json:"removeHeaders,omitempty"`
	TimeoutMs     int               `json:"timeoutMs,omitempty"`
	Initiator     string            `json:"initiator"`
}

func (d *dispatcher) handleReplayRequest(raw json.RawMessage) (interface{}, error) {
	var p replayRequestParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.ID == "" {
		return nil, errs.Validation("replayRequest: id is required", nil)
	}
	initiator, ok := parseInitiator(p.Initiator)
	if !ok {
		return nil, errs.Validation("replayRequest: invalid initiator: "+p.Initiator, nil)
	}

	original, found, err := d.repo.GetRequest(p.ID)
	if err != nil {
		return nil, errs.Transient("replayRequest: loading original request", err)
	}
	if !found {
		return nil, errs.NotFound("replayRequest: no request with id "+p.ID, nil)
	}

	result, err := d.replayer.Replay(original, replay.Override{
		SetHeaders:    p.SetHeaders,
		RemoveHeaders: p.RemoveHeaders,
		TimeoutMs:     p.TimeoutMs,
	}, initiator)
	if err != nil {
		return nil, errs.Transient("replayRequest: replaying request", err)
	}
	return result, nil
}

func parseInitiator(s string) (store.ReplayInitiator, bool) {
	switch store.ReplayInitiator(s) {
	case store.ReplayTUI, store.ReplayMCP:
		return store.ReplayInitiator(s), true
	default:
		return "", false
	}
}
