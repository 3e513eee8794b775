package proxy

import (
	"bytes"
	"compress/gzip"
	"io"
	"strings"
)

// decodeForPersistence returns body decoded per the content-encoding
// header (gzip only, the minimum spec.md requires), and the header set
// with content-encoding removed when decoding succeeded. A body that
// isn't gzip-encoded, or fails to decode, is returned unchanged with
// its headers untouched — the wire bytes are never lost, only
// optionally made more useful for storage and rule inspection.
func decodeForPersistence(headers map[string]string, body []byte) ([]byte, map[string]string) {
	encoding, ok := lookupHeaderFold(headers, "content-encoding")
	if !ok || !strings.EqualFold(strings.TrimSpace(encoding), "gzip") {
		return body, headers
	}

	decoded, err := gunzip(body)
	if err != nil {
		return body, headers
	}

	out := make(map[string]string, len(headers))
	for k, v := range headers {
		if strings.EqualFold(k, "content-encoding") {
			continue
		}
		out[k] = v
	}
	return decoded, out
}

func gunzip(body []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// truncate reports whether body exceeds maxBodySize and, if so,
// returns the truncated prefix and truncated=true. maxBodySize <= 0
// disables truncation.
func truncate(body []byte, maxBodySize int) (out []byte, truncated bool) {
	if maxBodySize <= 0 || len(body) <= maxBodySize {
		return body, false
	}
	return body[:maxBodySize], true
}

func lookupHeaderFold(headers map[string]string, name string) (string, bool) {
	lower := strings.ToLower(name)
	for k, v := range headers {
		if strings.ToLower(k) == lower {
			return v, true
		}
	}
	return "", false
}
