// Package fingerprint computes a content-addressed hash for captured
// request/response bodies: RFC 8785 JSON canonicalization followed by
// SHA-256 for JSON bodies, a plain SHA-256 over the raw bytes for
// everything else.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/ucarion/jcs"
)

// Hash returns the content fingerprint of body. When isJSON is true and
// body parses as JSON, the hash is computed over its RFC 8785
// canonical form so that semantically identical JSON with different
// key order or whitespace hashes identically; otherwise it hashes the
// raw bytes directly.
func Hash(body []byte, isJSON bool) string {
	if len(body) == 0 {
		return ""
	}
	if isJSON {
		if canonical, ok := canonicalize(body); ok {
			return sha256Hex(canonical)
		}
	}
	return sha256Hex(body)
}

func canonicalize(body []byte) ([]byte, bool) {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		return nil, false
	}
	canonical, err := jcs.Format(v)
	if err != nil {
		return nil, false
	}
	return canonical, true
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
