package store

import (
	"encoding/json"
	"strconv"
	"strings"
)

// extractJSONPath walks body as decoded JSON following a dot/bracket
// path such as "data.items[0].id" and returns the value found there.
// ok is false if body isn't valid JSON or the path doesn't resolve.
//
// This is a small hand-rolled walker rather than a third-party
// JSON-path library: none of the example repos or their dependency
// trees pull one in, and the grammar this supports (dotted field
// access plus numeric array indices) covers what queryJsonBodies needs
// without taking on JSONPath's full query-language surface.
func extractJSONPath(body []byte, path string) (interface{}, bool) {
	if len(body) == 0 {
		return nil, false
	}

	var doc interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, false
	}

	segments := splitJSONPath(path)
	if len(segments) == 0 {
		return nil, false
	}

	cur := doc
	for _, seg := range segments {
		if seg.index != nil {
			arr, ok := cur.([]interface{})
			if !ok || *seg.index < 0 || *seg.index >= len(arr) {
				return nil, false
			}
			cur = arr[*seg.index]
			continue
		}

		obj, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := obj[seg.field]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

type pathSegment struct {
	field string
	index *int
}

// splitJSONPath turns "data.items[0].id" into
// [{field:"data"} {field:"items"} {index:0} {field:"id"}]. A leading
// "$." root marker, if present, is stripped first.
func splitJSONPath(path string) []pathSegment {
	path = strings.TrimPrefix(path, "$.")
	path = strings.TrimPrefix(path, "$")

	var segments []pathSegment
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		for len(part) > 0 {
			open := strings.IndexByte(part, '[')
			if open < 0 {
				segments = append(segments, pathSegment{field: part})
				break
			}
			if open > 0 {
				segments = append(segments, pathSegment{field: part[:open]})
			}
			close := strings.IndexByte(part[open:], ']')
			if close < 0 {
				segments = append(segments, pathSegment{field: part})
				break
			}
			idxStr := part[open+1 : open+close]
			if n, err := strconv.Atoi(idxStr); err == nil {
				segments = append(segments, pathSegment{index: &n})
			}
			part = part[open+close+1:]
		}
	}
	return segments
}
