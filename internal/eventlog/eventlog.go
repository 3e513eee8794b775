// Package eventlog tracks interceptor-runtime activity in a bounded,
// in-memory ring so the control server can report recent rule matches,
// timeouts and load errors without a persistent store.
package eventlog

import (
	"sync"
	"time"

	"github.com/mtford90/procsi/internal/assert"
	"github.com/mtford90/procsi/internal/ring"
)

// Type enumerates the closed set of interceptor-runtime event kinds.
// Level is derived from Type by levelFor, never set directly by callers.
type Type string

const (
	TypeMatched  Type = "matched"
	TypeMocked   Type = "mocked"
	TypeModified Type = "modified"
	TypeObserved Type = "observed"
	TypeLoaded   Type = "loaded"
	TypeReload   Type = "reload"
	TypeUserLog  Type = "user_log"
	TypeMatchTimeout         Type = "match_timeout"
	TypeHandlerTimeout       Type = "handler_timeout"
	TypeInvalidResponse      Type = "invalid_response"
	TypeForwardAfterComplete Type = "forward_after_complete"
	TypeMatchError           Type = "match_error"
	TypeHandlerError         Type = "handler_error"
	TypeLoadError            Type = "load_error"
)

// Level is the hierarchical severity derived from an event's Type.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// MarshalJSON renders Level as its string name rather than the
// underlying int, since Level crosses the control server's wire
// boundary in getInterceptorEvents results.
func (l Level) MarshalJSON() ([]byte, error) {
	return []byte(`"` + l.String() + `"`), nil
}

var levelByType = map[Type]Level{
	TypeMatched:  LevelInfo,
	TypeMocked:   LevelInfo,
	TypeModified: LevelInfo,
	TypeObserved: LevelInfo,
	TypeLoaded:   LevelInfo,
	TypeReload:   LevelInfo,
	TypeUserLog:  LevelInfo,

	TypeMatchTimeout:         LevelWarn,
	TypeHandlerTimeout:       LevelWarn,
	TypeInvalidResponse:      LevelWarn,
	TypeForwardAfterComplete: LevelWarn,

	TypeMatchError:   LevelError,
	TypeHandlerError: LevelError,
	TypeLoadError:    LevelError,
}

// levelFor derives the severity for a Type, defaulting to info for any
// type not in the closed set (defensive; every constructor path uses a
// known Type).
func levelFor(t Type) Level {
	if lvl, ok := levelByType[t]; ok {
		return lvl
	}
	return LevelInfo
}

// Event is a single interceptor-runtime record. Seq is assigned by the
// log at append time and is strictly increasing across the process
// lifetime even as older events are evicted from the ring.
type Event struct {
	Seq           uint64    `json:"seq"`
	Timestamp     time.Time `json:"timestamp"`
	Level         Level     `json:"level"`
	Type          Type      `json:"type"`
	Interceptor   string    `json:"interceptor,omitempty"`
	Message       string    `json:"message,omitempty"`
	RequestID     string    `json:"requestId,omitempty"`
	RequestURL    string    `json:"requestUrl,omitempty"`
	RequestMethod string    `json:"requestMethod,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// RequestContext carries the in-flight request a runner event is
// attributed to. The zero value means "not request-scoped" (e.g. an
// interceptor-load error), and every field is omitted from the wire
// event in that case.
type RequestContext struct {
	ID     string
	URL    string
	Method string
}

// DefaultCapacity is the ring size used when none is configured.
const DefaultCapacity = 1000

// Counts is a snapshot of the running severity counters, reflecting
// only currently-retained events.
type Counts struct {
	Info  uint64 `json:"info"`
	Warn  uint64 `json:"warn"`
	Error uint64 `json:"error"`
}

// Log is a fixed-capacity, thread-safe event log with monotonic
// sequence numbers and running severity counters.
type Log struct {
	mu      sync.Mutex
	buf     *ring.Buffer[Event]
	nextSeq uint64
	counts  Counts
}

// New creates a Log with the given capacity, falling back to
// DefaultCapacity when capacity <= 0.
func New(capacity int) (*Log, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	buf, err := ring.New[Event](capacity)
	if err != nil {
		return nil, err
	}
	return &Log{buf: buf}, nil
}

// Append records an event of the given type, deriving its level and
// assigning the next sequence number and current timestamp. Returns
// the assigned Event.
func (l *Log) Append(typ Type, interceptor, message, errMsg string) Event {
	return l.AppendForRequest(typ, interceptor, message, errMsg, RequestContext{})
}

// AppendForRequest is Append with the in-flight request it's
// attributed to, so readers of the event log can correlate a rule
// match, timeout or error back to the request that triggered it.
func (l *Log) AppendForRequest(typ Type, interceptor, message, errMsg string, req RequestContext) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextSeq++
	ev := Event{
		Seq:           l.nextSeq,
		Timestamp:     time.Now().UTC(),
		Level:         levelFor(typ),
		Type:          typ,
		Interceptor:   interceptor,
		Message:       message,
		RequestID:     req.ID,
		RequestURL:    req.URL,
		RequestMethod: req.Method,
		Error:         errMsg,
	}

	l.bumpCount(ev.Level, 1)
	if evicted, ok := l.buf.Push(ev); ok {
		l.bumpCount(evicted.Level, -1)
	}
	return ev
}

func (l *Log) bumpCount(level Level, delta int64) {
	switch level {
	case LevelInfo:
		l.counts.Info = addCount(l.counts.Info, delta)
	case LevelWarn:
		l.counts.Warn = addCount(l.counts.Warn, delta)
	case LevelError:
		l.counts.Error = addCount(l.counts.Error, delta)
	}
}

func addCount(current uint64, delta int64) uint64 {
	if delta < 0 {
		if err := assert.Check(current > 0, "event log counter underflow"); err != nil {
			return 0
		}
		return current - 1
	}
	return current + 1
}

// Filter narrows a Since read. Level is a minimum severity: a
// filter of LevelWarn matches warn and error events. Zero values for
// Interceptor/Type mean "no restriction".
type Filter struct {
	Level       Level
	HasLevel    bool
	Interceptor string
	Type        Type
	Limit       int
}

func (f Filter) matches(ev Event) bool {
	if f.HasLevel && ev.Level < f.Level {
		return false
	}
	if f.Interceptor != "" && ev.Interceptor != f.Interceptor {
		return false
	}
	if f.Type != "" && ev.Type != f.Type {
		return false
	}
	return true
}

// Since returns retained events with Seq > afterSeq matching filter,
// oldest first, capped at filter.Limit when positive.
func (l *Log) Since(afterSeq uint64, filter Filter) []Event {
	var out []Event
	l.buf.ForEach(func(ev Event) bool {
		if ev.Seq > afterSeq && filter.matches(ev) {
			out = append(out, ev)
			if filter.Limit > 0 && len(out) >= filter.Limit {
				return false
			}
		}
		return true
	})
	return out
}

// Latest returns the most recent n retained events, oldest first.
func (l *Log) Latest(n int) []Event {
	all := l.buf.Snapshot()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

// Counts returns a snapshot of the running severity counters.
func (l *Log) Counts() Counts {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts
}

// Clear discards all retained events and resets the severity counters.
// nextSeq is untouched: seq stays strictly increasing across the
// process lifetime even across a clear.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.buf.Clear()
	l.counts = Counts{}
}

// ErrorCountSince returns the number of retained error-level events
// with Seq > afterSeq.
func (l *Log) ErrorCountSince(afterSeq uint64) int {
	n := 0
	l.buf.ForEach(func(ev Event) bool {
		if ev.Seq > afterSeq && ev.Level == LevelError {
			n++
		}
		return true
	})
	return n
}
