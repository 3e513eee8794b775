package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtford90/procsi/internal/assert"
)

const evictionCheckInterval = 100

// SaveRequest inserts the request phase of an exchange and returns its
// generated id. Response fields remain null until UpdateRequestResponse.
func (db *DB) SaveRequest(r Request) (string, error) {
	if err := assert.Check(r.SessionID != "", "sessionId must not be empty"); err != nil {
		return "", err
	}
	if err := assert.Check(r.Method != "" && r.URL != "" && r.Host != "" && r.Path != "", "method/url/host/path must not be empty"); err != nil {
		return "", err
	}

	id := uuid.New().String()
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}

	headers := lowercaseHeaders(r.RequestHeaders)
	headersJSON, err := json.Marshal(headers)
	if err != nil {
		return "", fmt.Errorf("marshalling request headers: %w", err)
	}

	isText := isTextContentType(r.RequestContentType)
	isJSON := isJSONContentType(r.RequestContentType)

	_, err = db.conn.Exec(`
		INSERT INTO requests (
			id, session_id, timestamp, method, url, host, path,
			request_headers, request_body, request_body_truncated, request_content_type,
			request_is_text, request_is_json,
			label, source, saved
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0)`,
		id, r.SessionID, r.Timestamp, r.Method, r.URL, r.Host, r.Path,
		string(headersJSON), r.RequestBody, boolToInt(r.RequestBodyTruncated), nullableString(r.RequestContentType),
		boolToInt(isText), boolToInt(isJSON),
		nullableString(r.Label), nullableString(r.Source),
	)
	if err != nil {
		return "", fmt.Errorf("inserting request: %w", err)
	}

	db.evictIfNeeded()
	return id, nil
}

// UpdateRequestResponse writes the response phase for id.
func (db *DB) UpdateRequestResponse(id string, status int, headers map[string]string, body []byte, durationMs int64, truncated bool) error {
	if err := assert.Check(id != "", "request id must not be empty"); err != nil {
		return err
	}

	lowered := lowercaseHeaders(headers)
	contentType := lowered["content-type"]
	headersJSON, err := json.Marshal(lowered)
	if err != nil {
		return fmt.Errorf("marshalling response headers: %w", err)
	}

	isText := isTextContentType(contentType)
	isJSON := isJSONContentType(contentType)

	res, err := db.conn.Exec(`
		UPDATE requests SET
			response_status = ?, response_headers = ?, response_body = ?,
			response_body_truncated = ?, response_content_type = ?,
			response_is_text = ?, response_is_json = ?, duration_ms = ?
		WHERE id = ?`,
		status, string(headersJSON), body, boolToInt(truncated), nullableString(contentType),
		boolToInt(isText), boolToInt(isJSON), durationMs, id,
	)
	if err != nil {
		return fmt.Errorf("updating response: %w", err)
	}
	return checkRowsAffected(res, "request")
}

// UpdateRequestInterception records which interceptor handled id and
// how, if at all.
func (db *DB) UpdateRequestInterception(id, interceptedBy string, interceptionType InterceptionType) error {
	if err := assert.Check(id != "", "request id must not be empty"); err != nil {
		return err
	}
	res, err := db.conn.Exec(
		`UPDATE requests SET intercepted_by = ?, interception_type = ? WHERE id = ?`,
		nullableString(interceptedBy), nullableString(string(interceptionType)), id,
	)
	if err != nil {
		return fmt.Errorf("updating interception: %w", err)
	}
	return checkRowsAffected(res, "request")
}

// UpdateRequestReplay records that id originated from a replay of
// replayedFromID, initiated by initiator.
func (db *DB) UpdateRequestReplay(id, replayedFromID string, initiator ReplayInitiator) error {
	if err := assert.Check(id != "", "request id must not be empty"); err != nil {
		return err
	}
	res, err := db.conn.Exec(
		`UPDATE requests SET replayed_from_id = ?, replay_initiator = ? WHERE id = ?`,
		nullableString(replayedFromID), nullableString(string(initiator)), id,
	)
	if err != nil {
		return fmt.Errorf("updating replay linkage: %w", err)
	}
	return checkRowsAffected(res, "request")
}

// BookmarkRequest marks id as saved (protected from eviction/clear).
// Returns false if id doesn't exist.
func (db *DB) BookmarkRequest(id string) (bool, error) {
	return db.setSaved(id, true)
}

// UnbookmarkRequest clears id's saved flag. Returns false if id
// doesn't exist.
func (db *DB) UnbookmarkRequest(id string) (bool, error) {
	return db.setSaved(id, false)
}

func (db *DB) setSaved(id string, saved bool) (bool, error) {
	res, err := db.conn.Exec(`UPDATE requests SET saved = ? WHERE id = ?`, boolToInt(saved), id)
	if err != nil {
		return false, fmt.Errorf("updating bookmark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// GetRequest returns the full request+response row for id, or
// ok == false if it doesn't exist.
func (db *DB) GetRequest(id string) (Request, bool, error) {
	row := db.conn.QueryRow(fullRequestColumns()+` FROM requests WHERE id = ?`, id)
	r, err := scanRequest(row)
	if err == sql.ErrNoRows {
		return Request{}, false, nil
	}
	if err != nil {
		return Request{}, false, fmt.Errorf("querying request: %w", err)
	}
	return r, true, nil
}

// ListRequests returns full rows matching filter, newest first,
// paginated by limit/offset (limit <= 0 means unbounded).
//
// Regex and header predicates can't be expressed in SQL, so when
// either is set, pagination is applied in Go after filtering the full
// matching set rather than pushed down as LIMIT/OFFSET — otherwise a
// page could come back short even though more matches exist further
// back in the table.
func (db *DB) ListRequests(filter RequestFilter, limit, offset int) ([]Request, error) {
	postFilter := filter.Regex != "" || filter.HeaderName != ""

	where, args := filter.sqlWhere()
	query := fullRequestColumns() + ` FROM requests WHERE ` + where + ` ORDER BY timestamp DESC`
	if limit > 0 && !postFilter {
		query += fmt.Sprintf(" LIMIT %d OFFSET %d", limit, offset)
	}

	regexPattern, regexFlags := filter.Regex, filter.RegexFlags
	if regexPattern != "" {
		if p, fl := normalizeLiteralRegex(regexPattern); fl != "" {
			regexPattern, regexFlags = p, fl
		}
	}

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying requests: %w", err)
	}
	defer rows.Close()

	var out []Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}
		if regexPattern != "" {
			ok, err := matchesRegex(r.URL, regexPattern, regexFlags)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if filter.HeaderName != "" && !matchesHeaderFilter(r, filter) {
			continue
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if postFilter && limit > 0 {
		if offset >= len(out) {
			return []Request{}, nil
		}
		end := offset + limit
		if end > len(out) {
			end = len(out)
		}
		return out[offset:end], nil
	}
	return out, nil
}

// ListRequestsSummary is ListRequests with bodies stripped to sizes.
// since, when > 0, additionally restricts to timestamp > since so UI
// clients can poll for new captures.
func (db *DB) ListRequestsSummary(filter RequestFilter, since int64, limit, offset int) ([]RequestSummary, error) {
	if since > 0 {
		filter.HasSince = true
		// since here is exclusive (poll semantics), unlike filter.Since which
		// is inclusive; bump by one millisecond to express "strictly after".
		filter.Since = since + 1
	}
	rows, err := db.ListRequests(filter, limit, offset)
	if err != nil {
		return nil, err
	}
	out := make([]RequestSummary, len(rows))
	for i, r := range rows {
		out[i] = summarize(&r)
	}
	return out, nil
}

// CountRequests returns the number of rows matching filter.
func (db *DB) CountRequests(filter RequestFilter) (int, error) {
	if filter.Regex == "" && filter.HeaderName == "" {
		where, args := filter.sqlWhere()
		var n int
		err := db.conn.QueryRow(`SELECT COUNT(*) FROM requests WHERE `+where, args...).Scan(&n)
		if err != nil {
			return 0, fmt.Errorf("counting requests: %w", err)
		}
		return n, nil
	}
	// Regex/header predicates are evaluated in Go; fall back to listing.
	rows, err := db.ListRequests(filter, 0, 0)
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// SearchBodies returns rows whose target body (text-classified, or
// with no stored content type) contains query as a substring.
func (db *DB) SearchBodies(query string, target HeaderTarget) ([]BodyMatch, error) {
	if err := assert.Check(query != "", "search query must not be empty"); err != nil {
		return nil, err
	}
	if target == "" {
		target = TargetBoth
	}

	rows, err := db.conn.Query(fullRequestColumns() + ` FROM requests`)
	if err != nil {
		return nil, fmt.Errorf("querying bodies: %w", err)
	}
	defer rows.Close()

	var out []BodyMatch
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}

		matchReq := (target == TargetRequest || target == TargetBoth) &&
			bodySearchable(r.RequestContentType) &&
			containsBytes(r.RequestBody, query)
		matchResp := r.HasResponse && (target == TargetResponse || target == TargetBoth) &&
			bodySearchable(r.ResponseContentType) &&
			containsBytes(r.ResponseBody, query)

		if matchReq || matchResp {
			out = append(out, BodyMatch{Summary: summarize(&r)})
		}
	}
	return out, rows.Err()
}

// bodySearchable treats unknown content types as searchable (legacy
// rows with no stored content type remain visible) but skips anything
// classified as binary.
func bodySearchable(contentType string) bool {
	if contentType == "" {
		return true
	}
	return isTextContentType(contentType)
}

// QueryJsonBodies runs path against eligible (JSON-classified) bodies,
// optionally filtering to rows whose extracted value equals value.
func (db *DB) QueryJsonBodies(path string, value interface{}, hasValue bool, target HeaderTarget) ([]BodyMatch, error) {
	if err := assert.Check(path != "", "json path must not be empty"); err != nil {
		return nil, err
	}
	if target == "" {
		target = TargetBoth
	}

	rows, err := db.conn.Query(fullRequestColumns() + ` FROM requests`)
	if err != nil {
		return nil, fmt.Errorf("querying json bodies: %w", err)
	}
	defer rows.Close()

	var out []BodyMatch
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning request: %w", err)
		}

		var extracted interface{}
		var found bool

		if (target == TargetRequest || target == TargetBoth) && isJSONContentType(r.RequestContentType) {
			if v, ok := extractJSONPath(r.RequestBody, path); ok {
				extracted, found = v, true
			}
		}
		if !found && r.HasResponse && (target == TargetResponse || target == TargetBoth) && isJSONContentType(r.ResponseContentType) {
			if v, ok := extractJSONPath(r.ResponseBody, path); ok {
				extracted, found = v, true
			}
		}
		if !found {
			continue
		}
		if hasValue && !jsonEqual(extracted, value) {
			continue
		}
		out = append(out, BodyMatch{Summary: summarize(&r), ExtractedValue: extracted})
	}
	return out, rows.Err()
}

// ClearRequests deletes every row that isn't bookmarked.
func (db *DB) ClearRequests() error {
	_, err := db.conn.Exec(`DELETE FROM requests WHERE saved = 0`)
	if err != nil {
		return fmt.Errorf("clearing requests: %w", err)
	}
	return nil
}

// evictIfNeeded runs an amortised eviction check every
// evictionCheckInterval inserts: if the unsaved row count exceeds
// maxStoredRequests, the oldest excess unsaved rows are deleted.
func (db *DB) evictIfNeeded() {
	n := db.insertsSinceCheck.Add(1)
	if n < evictionCheckInterval {
		return
	}
	db.insertsSinceCheck.Store(0)

	db.mu.Lock()
	defer db.mu.Unlock()

	var count int
	if err := db.conn.QueryRow(`SELECT COUNT(*) FROM requests WHERE saved = 0`).Scan(&count); err != nil {
		return
	}
	if count <= db.maxStoredRequests {
		return
	}
	excess := count - db.maxStoredRequests
	db.conn.Exec(`
		DELETE FROM requests WHERE id IN (
			SELECT id FROM requests WHERE saved = 0 ORDER BY timestamp ASC LIMIT ?
		)`, excess)
}

func checkRowsAffected(res sql.Result, what string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s not found", what)
	}
	return nil
}

func lowercaseHeaders(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for k, v := range h {
		out[lowercaseASCII(k)] = v
	}
	return out
}

func lowercaseASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}

func containsBytes(body []byte, query string) bool {
	return len(body) > 0 && strings.Contains(string(body), query)
}

func jsonEqual(a, b interface{}) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
