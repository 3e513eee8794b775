package store

import (
	"database/sql"
	"encoding/json"
	"strings"

	"github.com/mtford90/procsi/internal/fingerprint"
)

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

// fullRequestColumns is the column list shared by every query that
// populates a full Request, kept in one place so GetRequest and
// ListRequests can't drift apart.
func fullRequestColumns() string {
	return `SELECT
		id, session_id, timestamp, duration_ms,
		method, url, host, path,
		request_headers, request_body, request_body_truncated, request_content_type,
		response_status, response_headers, response_body, response_body_truncated, response_content_type,
		label, source, intercepted_by, interception_type,
		replayed_from_id, replay_initiator, saved`
}

func scanRequest(row rowScanner) (Request, error) {
	var r Request
	var durationMs sql.NullInt64
	var requestHeadersJSON string
	var requestContentType sql.NullString
	var responseStatus sql.NullInt64
	var responseHeadersJSON sql.NullString
	var responseBody []byte
	var responseBodyTruncated sql.NullBool
	var responseContentType sql.NullString
	var label, source, interceptedBy, interceptionType sql.NullString
	var replayedFromID, replayInitiator sql.NullString
	var saved int

	err := row.Scan(
		&r.ID, &r.SessionID, &r.Timestamp, &durationMs,
		&r.Method, &r.URL, &r.Host, &r.Path,
		&requestHeadersJSON, &r.RequestBody, &r.RequestBodyTruncated, &requestContentType,
		&responseStatus, &responseHeadersJSON, &responseBody, &responseBodyTruncated, &responseContentType,
		&label, &source, &interceptedBy, &interceptionType,
		&replayedFromID, &replayInitiator, &saved,
	)
	if err != nil {
		return Request{}, err
	}

	r.DurationMs = durationMs.Int64
	r.RequestContentType = requestContentType.String
	r.RequestHeaders = unmarshalHeaders(requestHeadersJSON)
	r.RequestBodyHash = fingerprint.Hash(r.RequestBody, isJSONContentType(r.RequestContentType))

	r.Label = label.String
	r.Source = source.String
	r.InterceptedBy = interceptedBy.String
	r.InterceptionType = InterceptionType(interceptionType.String)
	r.ReplayedFromID = replayedFromID.String
	r.ReplayInitiator = ReplayInitiator(replayInitiator.String)
	r.Saved = saved != 0

	if responseStatus.Valid {
		r.HasResponse = true
		r.ResponseStatus = int(responseStatus.Int64)
		r.ResponseBody = responseBody
		r.ResponseBodyTruncated = responseBodyTruncated.Bool
		r.ResponseContentType = responseContentType.String
		if responseHeadersJSON.Valid {
			r.ResponseHeaders = unmarshalHeaders(responseHeadersJSON.String)
		}
		r.ResponseBodyHash = fingerprint.Hash(r.ResponseBody, isJSONContentType(r.ResponseContentType))
	}

	return r, nil
}

// unmarshalHeaders parses a stored headers JSON blob, returning an
// empty map for both an empty blob and one that fails to parse —
// corrupt stored header JSON must never fail the query it's read by.
func unmarshalHeaders(blob string) map[string]string {
	if blob == "" {
		return map[string]string{}
	}
	var headers map[string]string
	if err := json.Unmarshal([]byte(blob), &headers); err != nil || headers == nil {
		return map[string]string{}
	}
	return headers
}

// matchesRegex applies a compiled-and-cached regex (with optional
// "/pattern/flags" literal normalisation already resolved by the
// caller) against s.
func matchesRegex(s, pattern, flags string) (bool, error) {
	re, err := compileRegex(pattern, flags)
	if err != nil {
		return false, err
	}
	return re.MatchString(s), nil
}

// matchesHeaderFilter evaluates f's header predicate against r's
// request and/or response headers, depending on f.HeaderTarget.
func matchesHeaderFilter(r Request, f RequestFilter) bool {
	target := f.HeaderTarget
	if target == "" {
		target = TargetBoth
	}

	name := strings.ToLower(f.HeaderName)
	if target == TargetRequest || target == TargetBoth {
		if v, ok := lookupHeader(r.RequestHeaders, name); ok && headerValueMatches(v, f) {
			return true
		}
	}
	if r.HasResponse && (target == TargetResponse || target == TargetBoth) {
		if v, ok := lookupHeader(r.ResponseHeaders, name); ok && headerValueMatches(v, f) {
			return true
		}
	}
	return false
}

func headerValueMatches(actual string, f RequestFilter) bool {
	if !f.HasHeaderValue {
		return true
	}
	return actual == f.HeaderValue
}

func lookupHeader(headers map[string]string, lowerName string) (string, bool) {
	v, ok := headers[lowerName]
	return v, ok
}
