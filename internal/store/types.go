package store

// DaemonSessionID is the well-known session id the proxy attributes a
// request to when no trusted session header pair is present or it
// fails validation.
const DaemonSessionID = "daemon"

// Session identifies a logical producer of requests.
type Session struct {
	ID            string `json:"id"`
	Label         string `json:"label,omitempty"`
	Source        string `json:"source,omitempty"`
	PID           int    `json:"pid"`
	StartedAt     int64  `json:"startedAt"`
	InternalToken string `json:"internalToken,omitempty"`
}

// InterceptionType is the closed set of non-empty values
// Request.InterceptionType may take.
type InterceptionType string

const (
	InterceptionModified InterceptionType = "modified"
	InterceptionMocked   InterceptionType = "mocked"
)

// ReplayInitiator is the closed set of non-empty values
// Request.ReplayInitiator may take.
type ReplayInitiator string

const (
	ReplayTUI ReplayInitiator = "tui"
	ReplayMCP ReplayInitiator = "mcp"
)

// Request is a captured HTTP(S) exchange. Response fields are the zero
// value until the response phase completes.
type Request struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	DurationMs int64  `json:"durationMs,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestHeaders       map[string]string `json:"requestHeaders,omitempty"`
	RequestBody          []byte            `json:"requestBody,omitempty"`
	RequestBodyTruncated bool              `json:"requestBodyTruncated,omitempty"`
	RequestContentType   string            `json:"requestContentType,omitempty"`
	RequestBodyHash      string            `json:"requestBodyHash,omitempty"`

	HasResponse           bool              `json:"hasResponse"`
	ResponseStatus        int               `json:"responseStatus,omitempty"`
	ResponseHeaders       map[string]string `json:"responseHeaders,omitempty"`
	ResponseBody          []byte            `json:"responseBody,omitempty"`
	ResponseBodyTruncated bool              `json:"responseBodyTruncated,omitempty"`
	ResponseContentType   string            `json:"responseContentType,omitempty"`
	ResponseBodyHash      string            `json:"responseBodyHash,omitempty"`

	Label  string `json:"label,omitempty"`
	Source string `json:"source,omitempty"`

	InterceptedBy    string           `json:"interceptedBy,omitempty"`
	InterceptionType InterceptionType `json:"interceptionType,omitempty"`

	ReplayedFromID  string          `json:"replayedFromId,omitempty"`
	ReplayInitiator ReplayInitiator `json:"replayInitiator,omitempty"`

	Saved bool `json:"saved,omitempty"`
}

// RequestSummary is Request stripped of body bytes, with sizes reported
// instead — what listRequestsSummary returns.
type RequestSummary struct {
	ID         string `json:"id"`
	SessionID  string `json:"sessionId"`
	Timestamp  int64  `json:"timestamp"`
	DurationMs int64  `json:"durationMs,omitempty"`

	Method string `json:"method"`
	URL    string `json:"url"`
	Host   string `json:"host"`
	Path   string `json:"path"`

	RequestContentType  string `json:"requestContentType,omitempty"`
	RequestBodySize     int    `json:"requestBodySize"`
	ResponseContentType string `json:"responseContentType,omitempty"`
	ResponseBodySize    int    `json:"responseBodySize"`

	HasResponse    bool `json:"hasResponse"`
	ResponseStatus int  `json:"responseStatus,omitempty"`

	Label  string `json:"label,omitempty"`
	Source string `json:"source,omitempty"`

	InterceptedBy    string           `json:"interceptedBy,omitempty"`
	InterceptionType InterceptionType `json:"interceptionType,omitempty"`

	ReplayedFromID  string          `json:"replayedFromId,omitempty"`
	ReplayInitiator ReplayInitiator `json:"replayInitiator,omitempty"`

	Saved bool `json:"saved,omitempty"`
}

func summarize(r *Request) RequestSummary {
	return RequestSummary{
		ID:                  r.ID,
		SessionID:           r.SessionID,
		Timestamp:           r.Timestamp,
		DurationMs:          r.DurationMs,
		Method:              r.Method,
		URL:                 r.URL,
		Host:                r.Host,
		Path:                r.Path,
		RequestContentType:  r.RequestContentType,
		RequestBodySize:     len(r.RequestBody),
		ResponseContentType: r.ResponseContentType,
		ResponseBodySize:    len(r.ResponseBody),
		HasResponse:         r.HasResponse,
		ResponseStatus:      r.ResponseStatus,
		Label:               r.Label,
		Source:              r.Source,
		InterceptedBy:       r.InterceptedBy,
		InterceptionType:    r.InterceptionType,
		ReplayedFromID:      r.ReplayedFromID,
		ReplayInitiator:     r.ReplayInitiator,
		Saved:               r.Saved,
	}
}

// BodyMatch is one row of a searchBodies/queryJsonBodies result.
type BodyMatch struct {
	Summary        RequestSummary `json:"summary"`
	ExtractedValue interface{}    `json:"extractedValue,omitempty"` // queryJsonBodies only; nil for searchBodies
}
