package store

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// HeaderTarget selects which side of an exchange a header/body
// predicate applies to.
type HeaderTarget string

const (
	TargetRequest  HeaderTarget = "request"
	TargetResponse HeaderTarget = "response"
	TargetBoth     HeaderTarget = "both"
)

// RequestFilter combines predicates conjunctively; a zero-value field
// is a wildcard (no restriction from that predicate).
type RequestFilter struct {
	SessionID string
	Label     string

	Methods     []string
	StatusRange string

	Search string

	Regex      string
	RegexFlags string

	Host       string
	PathPrefix string

	Since  int64
	Before int64
	HasSince  bool
	HasBefore bool

	HeaderName   string
	HeaderValue  string
	HasHeaderValue bool
	HeaderTarget HeaderTarget

	InterceptedBy string
	HasSaved      bool
	Saved         bool
	Source        string
}

// regexCache is a process-wide LRU of compiled expressions keyed by
// "flags\0pattern", bounding memory for ad-hoc query patterns.
var regexCache, _ = lru.New[string, *regexp.Regexp](256)

func compileRegex(pattern, flags string) (*regexp.Regexp, error) {
	key := flags + "\x00" + pattern
	if re, ok := regexCache.Get(key); ok {
		return re, nil
	}

	goPattern := pattern
	if strings.Contains(flags, "i") {
		goPattern = "(?i)" + goPattern
	}
	re, err := regexp.Compile(goPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling regex: %w", err)
	}
	regexCache.Add(key, re)
	return re, nil
}

// normalizeLiteralRegex converts a "/pattern/flags" literal form into
// separate pattern/flags; returns the input unchanged if it isn't in
// that form.
func normalizeLiteralRegex(literal string) (pattern, flags string) {
	if len(literal) < 2 || literal[0] != '/' {
		return literal, ""
	}
	lastSlash := strings.LastIndexByte(literal, '/')
	if lastSlash <= 0 {
		return literal, ""
	}
	return literal[1:lastSlash], literal[lastSlash+1:]
}

// statusRangeBounds parses a statusRange string into an inclusive
// [lo, hi] bound. ok is false for unrecognised forms, which callers
// treat as "silently ignored" (no restriction).
func statusRangeBounds(s string) (lo, hi int, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, false
	}

	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		digit, err := strconv.Atoi(string(s[0]))
		if err != nil {
			return 0, 0, false
		}
		lo = digit * 100
		return lo, lo + 99, true
	}

	if idx := strings.IndexByte(s, '-'); idx > 0 {
		loStr, hiStr := s[:idx], s[idx+1:]
		loVal, errLo := strconv.Atoi(loStr)
		hiVal, errHi := strconv.Atoi(hiStr)
		if errLo != nil || errHi != nil {
			return 0, 0, false
		}
		if loVal < 100 || hiVal > 599 || loVal > hiVal {
			return 0, 0, false
		}
		return loVal, hiVal, true
	}

	val, err := strconv.Atoi(s)
	if err != nil {
		return 0, 0, false
	}
	if val < 100 || val > 599 {
		return 0, 0, false
	}
	return val, val, true
}

// escapeLike escapes SQLite LIKE wildcards (% and _) in a literal
// substring so callers can safely embed it in a LIKE pattern.
func escapeLike(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "%", "\\%")
	s = strings.ReplaceAll(s, "_", "\\_")
	return s
}

// isTextContentType classifies a (possibly parameter-qualified)
// content-type as text for body search purposes.
func isTextContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if ct == "" {
		return false
	}
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	if strings.HasPrefix(ct, "text/") {
		return true
	}
	switch ct {
	case "application/json", "application/xml", "application/javascript",
		"application/x-www-form-urlencoded", "application/xhtml+xml",
		"application/x-ndjson", "application/graphql":
		return true
	}
	return strings.HasSuffix(ct, "+json") || strings.HasSuffix(ct, "+xml")
}

// isJSONContentType classifies a content-type as JSON for
// queryJsonBodies purposes.
func isJSONContentType(ct string) bool {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	return ct == "application/json" || strings.HasSuffix(ct, "+json")
}

// sqlWhere builds a WHERE clause fragment (without the WHERE keyword)
// and its bound arguments for f. The regex predicate, if present, is
// applied in Go after the SQL query runs (SQLite has no native regex),
// so it is not included in the returned fragment; callers must call
// matchesRegex separately per row.
func (f RequestFilter) sqlWhere() (clause string, args []interface{}) {
	var conds []string

	if f.SessionID != "" {
		conds = append(conds, "session_id = ?")
		args = append(args, f.SessionID)
	}
	if f.Label != "" {
		conds = append(conds, "label = ?")
		args = append(args, f.Label)
	}
	if len(f.Methods) > 0 {
		placeholders := make([]string, len(f.Methods))
		for i, m := range f.Methods {
			placeholders[i] = "?"
			args = append(args, m)
		}
		conds = append(conds, "method IN ("+strings.Join(placeholders, ",")+")")
	}
	if f.StatusRange != "" {
		if lo, hi, ok := statusRangeBounds(f.StatusRange); ok {
			conds = append(conds, "response_status BETWEEN ? AND ?")
			args = append(args, lo, hi)
		}
	}
	if f.Search != "" {
		for _, term := range strings.Fields(f.Search) {
			like := "%" + escapeLike(term) + "%"
			conds = append(conds, "(url LIKE ? ESCAPE '\\' OR path LIKE ? ESCAPE '\\')")
			args = append(args, like, like)
		}
	}
	if f.Host != "" {
		if strings.HasPrefix(f.Host, ".") {
			conds = append(conds, "(host = ? OR host LIKE ? ESCAPE '\\')")
			args = append(args, strings.TrimPrefix(f.Host, "."), "%"+escapeLike(f.Host))
		} else {
			conds = append(conds, "host = ?")
			args = append(args, f.Host)
		}
	}
	if f.PathPrefix != "" {
		conds = append(conds, "path LIKE ? ESCAPE '\\'")
		args = append(args, escapeLike(f.PathPrefix)+"%")
	}
	if f.HasSince {
		conds = append(conds, "timestamp >= ?")
		args = append(args, f.Since)
	}
	if f.HasBefore {
		conds = append(conds, "timestamp < ?")
		args = append(args, f.Before)
	}
	if f.InterceptedBy != "" {
		conds = append(conds, "intercepted_by = ?")
		args = append(args, f.InterceptedBy)
	}
	if f.HasSaved {
		conds = append(conds, "saved = ?")
		args = append(args, boolToInt(f.Saved))
	}
	if f.Source != "" {
		conds = append(conds, "source = ?")
		args = append(args, f.Source)
	}

	if len(conds) == 0 {
		return "1=1", args
	}
	return strings.Join(conds, " AND "), args
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
