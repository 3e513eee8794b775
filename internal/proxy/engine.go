package proxy

import (
	"bytes"
	"io"
	"net/http"
	"strings"
	"time"

	hdr "github.com/mtford90/procsi/internal/headers"
	"github.com/mtford90/procsi/internal/logging"
	"github.com/mtford90/procsi/internal/runner"
	"github.com/mtford90/procsi/internal/store"
	"github.com/google/uuid"
)

// Engine terminates already-decrypted HTTP(S) traffic, mirroring the
// teacher's AELProxy: ServeIntercepted runs a Director-equivalent step
// ahead of the upstream RoundTrip and a ModifyResponse-equivalent step
// after it, and every exchange is handed to
// the repository regardless of whether a rule intercepted it.
type Engine struct {
	repo       Repository
	runner     RuleRunner
	replay     ReplayConsumer
	transport  http.RoundTripper
	maxBodySize int
}

// New constructs an Engine. transport defaults to
// http.DefaultTransport when nil.
func New(repo Repository, rnr RuleRunner, replayConsumer ReplayConsumer, transport http.RoundTripper, maxBodySize int) *Engine {
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Engine{
		repo:        repo,
		runner:      rnr,
		replay:      replayConsumer,
		transport:   transport,
		maxBodySize: maxBodySize,
	}
}

// ServeIntercepted is the external MITM collaborator's entry point for
// one already-TLS-terminated (or plain HTTP) request: steps 1-6 of
// spec.md §4.G.
func (e *Engine) ServeIntercepted(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()

	reqHeaders := flattenHeaders(r.Header)

	sessionID, source := resolveSession(reqHeaders, e.repo)

	var replayOriginID string
	var replayInitiator store.ReplayInitiator
	var isReplay bool
	if token, ok := lookupHeaderFold(reqHeaders, hdr.ReplayToken); ok {
		if origin, initiator, consumed := e.replay.Consume(token); consumed {
			replayOriginID, replayInitiator, isReplay = origin, initiator, true
		}
	}

	hdr.StripInternalAndHopByHop(reqHeaders)

	rawReqBody, err := io.ReadAll(r.Body)
	if err != nil {
		logging.Error("failed to read request body", logging.Fields{Component: "proxy", Error: err.Error()})
		http.Error(w, "failed to read request body", http.StatusBadGateway)
		return
	}

	reqContentType := reqHeaders["content-type"]
	persistedReqBody, persistedReqHeaders := decodeForPersistence(reqHeaders, rawReqBody)
	storedReqBody, reqTruncated := truncate(persistedReqBody, e.maxBodySize)

	host := r.Host
	snapshot := runner.RequestSnapshot{
		RequestID: requestID,
		Method:    r.Method,
		URL:       r.URL.String(),
		Host:      host,
		Path:      r.URL.Path,
		Headers:   reqHeaders,
		Body:      persistedReqBody,
	}

	reqOutcome := e.runner.HandleRequest(snapshot)

	record := store.Request{
		ID:                   requestID,
		SessionID:            sessionID,
		Timestamp:            start.UnixMilli(),
		Method:               r.Method,
		URL:                  r.URL.String(),
		Host:                 host,
		Path:                 r.URL.Path,
		RequestHeaders:       persistedReqHeaders,
		RequestBody:          storedReqBody,
		RequestBodyTruncated: reqTruncated,
		RequestContentType:   reqContentType,
		Source:               source,
	}
	if _, err := e.repo.SaveRequest(record); err != nil {
		logging.Error("failed to persist request", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
	}
	if isReplay {
		if err := e.repo.UpdateRequestReplay(requestID, replayOriginID, replayInitiator); err != nil {
			logging.Error("failed to persist replay linkage", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
		}
	}
	if reqOutcome.Intercepted != nil {
		// Type is only ever non-empty here for the mock path (known
		// immediately); modify/observe leave it unset until the response
		// phase resolves which of the two actually happened.
		if err := e.repo.UpdateRequestInterception(requestID, reqOutcome.Intercepted.Name, toStoreInterceptionType(reqOutcome.Intercepted.Type)); err != nil {
			logging.Error("failed to persist interception metadata", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
		}
	}

	if reqOutcome.Mock != nil {
		e.writeAndPersistResponse(w, requestID, start, *reqOutcome.Mock, false)
		return
	}

	upstreamReq, err := http.NewRequest(r.Method, r.URL.String(), bytes.NewReader(rawReqBody))
	if err != nil {
		logging.Error("failed to build upstream request", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
		e.runner.Cleanup(requestID)
		http.Error(w, "failed to build upstream request", http.StatusBadGateway)
		return
	}
	for k, v := range reqHeaders {
		upstreamReq.Header.Set(k, v)
	}

	upstreamResp, err := e.transport.RoundTrip(upstreamReq)
	if err != nil {
		logging.Error("upstream request failed", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
		e.runner.Cleanup(requestID)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer upstreamResp.Body.Close()

	rawRespBody, err := io.ReadAll(upstreamResp.Body)
	if err != nil {
		logging.Error("failed to read upstream response", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
		e.runner.Cleanup(requestID)
		http.Error(w, "failed to read upstream response", http.StatusBadGateway)
		return
	}

	rawRespHeaders := flattenHeaders(upstreamResp.Header)
	persistedRespBody, persistedRespHeaders := decodeForPersistence(rawRespHeaders, rawRespBody)

	respOutcome := e.runner.HandleResponse(requestID, runner.UpstreamResponse{
		Status:  upstreamResp.StatusCode,
		Headers: persistedRespHeaders,
		Body:    persistedRespBody,
	})

	if respOutcome.Override != nil {
		// The response phase just resolved modify over observe: now, and
		// only now, is interceptionType known. interceptedBy was already
		// recorded at the request phase; this call finalizes the type.
		if reqOutcome.Intercepted != nil {
			if err := e.repo.UpdateRequestInterception(requestID, reqOutcome.Intercepted.Name, store.InterceptionModified); err != nil {
				logging.Error("failed to persist interception metadata", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
			}
		}
		e.writeAndPersistResponse(w, requestID, start, *respOutcome.Override, true)
		return
	}

	// Pass-through: relay upstream's raw bytes byte-for-byte, including
	// whatever content-encoding it used, but persist the decoded view.
	writeHeaders(w, rawRespHeaders, hopByHopOnly)
	w.WriteHeader(upstreamResp.StatusCode)
	w.Write(rawRespBody)

	storedRespBody, respTruncated := truncate(persistedRespBody, e.maxBodySize)
	if err := e.repo.UpdateRequestResponse(requestID, upstreamResp.StatusCode, persistedRespHeaders, storedRespBody, time.Since(start).Milliseconds(), respTruncated); err != nil {
		logging.Error("failed to persist response", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
	}
}

// writeAndPersistResponse writes resp to the client (mock or modify
// override, both already in decoded/plain form) and persists it.
func (e *Engine) writeAndPersistResponse(w http.ResponseWriter, requestID string, start time.Time, resp runner.ActionResponse, overrodeUpstream bool) {
	writeHeaders(w, resp.Headers, hopByHopOnly)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)

	storedBody, truncated := truncate(resp.Body, e.maxBodySize)
	if err := e.repo.UpdateRequestResponse(requestID, resp.Status, resp.Headers, storedBody, time.Since(start).Milliseconds(), truncated); err != nil {
		logging.Error("failed to persist response", logging.Fields{Component: "proxy", RequestID: requestID, Error: err.Error()})
	}
}

// toStoreInterceptionType maps the runner's marker to the store's
// closed set. The zero value (modify/observe, not yet resolved at the
// request phase) maps to "", which UpdateRequestInterception persists
// as NULL rather than guessing modified.
func toStoreInterceptionType(t runner.InterceptionType) store.InterceptionType {
	switch t {
	case runner.InterceptionMocked:
		return store.InterceptionMocked
	case runner.InterceptionModified:
		return store.InterceptionModified
	default:
		return ""
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		if len(v) > 0 {
			out[strings.ToLower(k)] = v[0]
		}
	}
	return out
}

func hopByHopOnly(name string) bool {
	for _, n := range hdr.HopByHop {
		if strings.EqualFold(n, name) {
			return true
		}
	}
	return false
}

func writeHeaders(w http.ResponseWriter, headers map[string]string, skip func(string) bool) {
	for k, v := range headers {
		if skip != nil && skip(k) {
			continue
		}
		w.Header().Set(k, v)
	}
}
