package store

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	tmpDir, err := os.MkdirTemp("", "procsi-store-test-*")
	if err != nil {
		t.Fatalf("MkdirTemp: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	db, err := Open(filepath.Join(tmpDir, "procsi.db"), 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func seedSession(t *testing.T, db *DB) Session {
	t.Helper()
	s, err := db.RegisterSession("", "test", 1234)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	return s
}

func TestOpen_MigratesFreshDatabase(t *testing.T) {
	db := newTestDB(t)
	var version int
	if err := db.conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("reading user_version: %v", err)
	}
	if version != len(migrations) {
		t.Errorf("expected user_version %d, got %d", len(migrations), version)
	}
}

func TestOpen_IsIdempotentOnExistingDatabase(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "procsi.db")

	db1, err := Open(path, 0)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	if _, err := db1.RegisterSession("", "test", 1); err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	db1.Close()

	db2, err := Open(path, 0)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	sessions, err := db2.ListSessions()
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session to survive reopen, got %d", len(sessions))
	}
}

func TestRegisterSession_GeneratesUniqueTokens(t *testing.T) {
	db := newTestDB(t)
	s1, err := db.RegisterSession("a", "cli", 1)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	s2, err := db.RegisterSession("b", "cli", 2)
	if err != nil {
		t.Fatalf("RegisterSession: %v", err)
	}
	if s1.InternalToken == "" || s2.InternalToken == "" {
		t.Fatal("expected non-empty internal tokens")
	}
	if s1.InternalToken == s2.InternalToken {
		t.Fatal("expected distinct internal tokens")
	}
	if len(s1.InternalToken) != 32 { // 16 bytes hex-encoded
		t.Errorf("expected 32 hex chars (128 bits), got %d", len(s1.InternalToken))
	}
}

func TestEnsureSession_IsIdempotent(t *testing.T) {
	db := newTestDB(t)
	first, err := db.EnsureSession("fixed-id", "label", "cli", 1)
	if err != nil {
		t.Fatalf("EnsureSession: %v", err)
	}
	second, err := db.EnsureSession("fixed-id", "other-label", "other-source", 2)
	if err != nil {
		t.Fatalf("EnsureSession (repeat): %v", err)
	}
	if second.InternalToken != first.InternalToken || second.Label != first.Label {
		t.Errorf("expected EnsureSession to return the original row unchanged, got %+v vs %+v", first, second)
	}
}

func TestGetSessionAuth_RejectsWrongTokenAndUnknownSession(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	if _, ok := db.GetSessionAuth(s.ID, "wrong-token"); ok {
		t.Error("expected auth failure for wrong token")
	}
	if _, ok := db.GetSessionAuth("unknown-session", s.InternalToken); ok {
		t.Error("expected auth failure for unknown session")
	}
	if source, ok := db.GetSessionAuth(s.ID, s.InternalToken); !ok || source != "test" {
		t.Errorf("expected successful auth with source %q, got %q ok=%v", "test", source, ok)
	}
}

func TestSaveRequest_RoundTripsThroughGetRequest(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	id, err := db.SaveRequest(Request{
		SessionID:          s.ID,
		Method:             "POST",
		URL:                "https://api.example.com/v1/widgets",
		Host:               "api.example.com",
		Path:               "/v1/widgets",
		RequestHeaders:     map[string]string{"Content-Type": "application/json"},
		RequestBody:        []byte(`{"name":"widget"}`),
		RequestContentType: "application/json",
	})
	if err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}

	got, ok, err := db.GetRequest(id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if !ok {
		t.Fatal("expected request to be found")
	}
	if got.HasResponse {
		t.Error("expected HasResponse to be false before UpdateRequestResponse")
	}
	if got.RequestHeaders["content-type"] != "application/json" {
		t.Errorf("expected lowercased header key, got %+v", got.RequestHeaders)
	}
	if got.RequestBodyHash == "" {
		t.Error("expected non-empty request body hash")
	}

	err = db.UpdateRequestResponse(id, 201, map[string]string{"Content-Type": "application/json"}, []byte(`{"id":"1"}`), 12, false)
	if err != nil {
		t.Fatalf("UpdateRequestResponse: %v", err)
	}

	got, ok, err = db.GetRequest(id)
	if err != nil {
		t.Fatalf("GetRequest (after response): %v", err)
	}
	if !ok || !got.HasResponse || got.ResponseStatus != 201 {
		t.Fatalf("expected a 201 response recorded, got %+v", got)
	}
}

func TestGetRequest_CorruptHeaderJSONDegradesToEmptyMap(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	id, err := db.SaveRequest(Request{
		SessionID: s.ID,
		Method:    "GET",
		URL:       "https://api.example.com/v1/widgets",
		Host:      "api.example.com",
		Path:      "/v1/widgets",
	})
	if err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	if err := db.UpdateRequestResponse(id, 200, map[string]string{"Content-Type": "application/json"}, nil, 1, false); err != nil {
		t.Fatalf("UpdateRequestResponse: %v", err)
	}

	if _, err := db.conn.Exec(`UPDATE requests SET request_headers = ?, response_headers = ? WHERE id = ?`,
		`{"not valid json`, `{"not valid json`, id); err != nil {
		t.Fatalf("corrupting stored headers: %v", err)
	}

	got, ok, err := db.GetRequest(id)
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if !ok {
		t.Fatal("expected request to be found")
	}
	if len(got.RequestHeaders) != 0 {
		t.Errorf("expected empty RequestHeaders for corrupt JSON, got %+v", got.RequestHeaders)
	}
	if len(got.ResponseHeaders) != 0 {
		t.Errorf("expected empty ResponseHeaders for corrupt JSON, got %+v", got.ResponseHeaders)
	}

	list, err := db.ListRequests(RequestFilter{SessionID: s.ID}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected one request, got %d", len(list))
	}
	if len(list[0].RequestHeaders) != 0 || len(list[0].ResponseHeaders) != 0 {
		t.Errorf("expected empty headers from ListRequests, got %+v", list[0])
	}
}

func TestGetRequest_UnknownIDReturnsNotOK(t *testing.T) {
	db := newTestDB(t)
	_, ok, err := db.GetRequest("does-not-exist")
	if err != nil {
		t.Fatalf("GetRequest: %v", err)
	}
	if ok {
		t.Error("expected ok=false for unknown id")
	}
}

func TestBookmarkRequest_ProtectsFromClearRequests(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	bookmarked, err := db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://a/", Host: "a", Path: "/"})
	if err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}
	unbookmarked, err := db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://b/", Host: "b", Path: "/"})
	if err != nil {
		t.Fatalf("SaveRequest: %v", err)
	}

	ok, err := db.BookmarkRequest(bookmarked)
	if err != nil || !ok {
		t.Fatalf("BookmarkRequest: ok=%v err=%v", ok, err)
	}

	if err := db.ClearRequests(); err != nil {
		t.Fatalf("ClearRequests: %v", err)
	}

	if _, ok, _ := db.GetRequest(bookmarked); !ok {
		t.Error("expected bookmarked request to survive ClearRequests")
	}
	if _, ok, _ := db.GetRequest(unbookmarked); ok {
		t.Error("expected unbookmarked request to be removed by ClearRequests")
	}
}

func TestBookmarkRequest_UnknownIDReturnsFalse(t *testing.T) {
	db := newTestDB(t)
	ok, err := db.BookmarkRequest("nope")
	if err != nil {
		t.Fatalf("BookmarkRequest: %v", err)
	}
	if ok {
		t.Error("expected false for unknown id")
	}
}

func TestListRequests_FiltersByMethodAndStatusRange(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	get, _ := db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://a/", Host: "a", Path: "/"})
	post, _ := db.SaveRequest(Request{SessionID: s.ID, Method: "POST", URL: "http://a/", Host: "a", Path: "/"})

	db.UpdateRequestResponse(get, 200, nil, nil, 1, false)
	db.UpdateRequestResponse(post, 404, nil, nil, 1, false)

	results, err := db.ListRequests(RequestFilter{Methods: []string{"GET"}}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(results) != 1 || results[0].ID != get {
		t.Fatalf("expected only the GET request, got %+v", results)
	}

	results, err = db.ListRequests(RequestFilter{StatusRange: "4xx"}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests (status range): %v", err)
	}
	if len(results) != 1 || results[0].ID != post {
		t.Fatalf("expected only the 404 request, got %+v", results)
	}
}

func TestListRequests_HostSuffixMatchesSubdomains(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://api.example.com/", Host: "api.example.com", Path: "/"})
	db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://example.com/", Host: "example.com", Path: "/"})
	db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://other.com/", Host: "other.com", Path: "/"})

	results, err := db.ListRequests(RequestFilter{Host: ".example.com"}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected both example.com and api.example.com, got %d: %+v", len(results), results)
	}
}

func TestListRequests_SinceIsInclusiveBeforeIsExclusive(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	db.SaveRequest(Request{SessionID: s.ID, Timestamp: 100, Method: "GET", URL: "http://a/", Host: "a", Path: "/"})
	db.SaveRequest(Request{SessionID: s.ID, Timestamp: 200, Method: "GET", URL: "http://a/", Host: "a", Path: "/"})

	results, err := db.ListRequests(RequestFilter{HasSince: true, Since: 200}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests (since): %v", err)
	}
	if len(results) != 1 || results[0].Timestamp != 200 {
		t.Fatalf("expected since=200 to include the row at 200, got %+v", results)
	}

	results, err = db.ListRequests(RequestFilter{HasBefore: true, Before: 200}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests (before): %v", err)
	}
	if len(results) != 1 || results[0].Timestamp != 100 {
		t.Fatalf("expected before=200 to exclude the row at 200, got %+v", results)
	}
}

func TestListRequests_RegexFiltersPostQuery(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://a/v1/widgets", Host: "a", Path: "/v1/widgets"})
	db.SaveRequest(Request{SessionID: s.ID, Method: "GET", URL: "http://a/v2/widgets", Host: "a", Path: "/v2/widgets"})

	results, err := db.ListRequests(RequestFilter{Regex: `/v1/`}, 0, 0)
	if err != nil {
		t.Fatalf("ListRequests (regex): %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected exactly one /v1/ match, got %d", len(results))
	}
}

func TestStatusRangeBounds_RecognisesDocumentedForms(t *testing.T) {
	cases := []struct {
		in       string
		wantLo   int
		wantHi   int
		wantOK   bool
	}{
		{"2xx", 200, 299, true},
		{"404", 404, 404, true},
		{"400-499", 400, 499, true},
		{"not-a-range", 0, 0, false},
		{"", 0, 0, false},
		{"999", 0, 0, false},
	}
	for _, c := range cases {
		lo, hi, ok := statusRangeBounds(c.in)
		if ok != c.wantOK {
			t.Errorf("statusRangeBounds(%q) ok=%v, want %v", c.in, ok, c.wantOK)
			continue
		}
		if ok && (lo != c.wantLo || hi != c.wantHi) {
			t.Errorf("statusRangeBounds(%q) = (%d,%d), want (%d,%d)", c.in, lo, hi, c.wantLo, c.wantHi)
		}
	}
}

func TestSearchBodies_OnlyMatchesTextClassifiedBodies(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	textID, _ := db.SaveRequest(Request{
		SessionID: s.ID, Method: "POST", URL: "http://a/", Host: "a", Path: "/",
		RequestBody: []byte("needle in haystack"), RequestContentType: "text/plain",
	})
	db.SaveRequest(Request{
		SessionID: s.ID, Method: "POST", URL: "http://a/", Host: "a", Path: "/",
		RequestBody: []byte("needle in haystack but binary"), RequestContentType: "application/octet-stream",
	})

	matches, err := db.SearchBodies("needle", TargetRequest)
	if err != nil {
		t.Fatalf("SearchBodies: %v", err)
	}
	if len(matches) != 1 || matches[0].Summary.ID != textID {
		t.Fatalf("expected only the text/plain body to match, got %+v", matches)
	}
}

func TestQueryJsonBodies_ExtractsNestedPath(t *testing.T) {
	db := newTestDB(t)
	s := seedSession(t, db)

	id, _ := db.SaveRequest(Request{
		SessionID: s.ID, Method: "POST", URL: "http://a/", Host: "a", Path: "/",
		RequestBody:        []byte(`{"user":{"id":42,"tags":["a","b"]}}`),
		RequestContentType: "application/json",
	})

	matches, err := db.QueryJsonBodies("user.id", nil, false, TargetRequest)
	if err != nil {
		t.Fatalf("QueryJsonBodies: %v", err)
	}
	if len(matches) != 1 || matches[0].Summary.ID != id {
		t.Fatalf("expected one match for user.id, got %+v", matches)
	}
	if n, ok := matches[0].ExtractedValue.(float64); !ok || n != 42 {
		t.Errorf("expected extracted value 42, got %#v", matches[0].ExtractedValue)
	}

	matches, err = db.QueryJsonBodies("user.tags[1]", nil, false, TargetRequest)
	if err != nil {
		t.Fatalf("QueryJsonBodies (array index): %v", err)
	}
	if len(matches) != 1 || matches[0].ExtractedValue != "b" {
		t.Fatalf("expected tags[1]=='b', got %+v", matches)
	}
}

func TestEvictIfNeeded_RemovesOldestUnsavedRowsOnceOverCapacity(t *testing.T) {
	tmpDir := t.TempDir()
	db, err := Open(filepath.Join(tmpDir, "procsi.db"), 5)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	s := seedSession(t, db)

	var bookmarked string
	const totalInserts = 305 // several multiples of the 100-insert eviction check interval
	for i := 0; i < totalInserts; i++ {
		id, err := db.SaveRequest(Request{
			SessionID: s.ID, Timestamp: int64(i), Method: "GET",
			URL: "http://a/", Host: "a", Path: "/",
		})
		if err != nil {
			t.Fatalf("SaveRequest #%d: %v", i, err)
		}
		if i == 0 {
			bookmarked = id
			if _, err := db.BookmarkRequest(id); err != nil {
				t.Fatalf("BookmarkRequest: %v", err)
			}
		}
	}

	count, err := db.CountRequests(RequestFilter{})
	if err != nil {
		t.Fatalf("CountRequests: %v", err)
	}
	// Eviction is amortised (only checked every 100 inserts), so the row
	// count settles somewhere between the cap and the cap plus one
	// check-interval's worth of rows inserted since the last sweep.
	if count >= totalInserts {
		t.Errorf("expected eviction to have reduced the row count below %d, got %d", totalInserts, count)
	}

	if _, ok, _ := db.GetRequest(bookmarked); !ok {
		t.Error("expected the bookmarked row to survive eviction regardless of age")
	}
}
