package proxy

import (
	hdr "github.com/mtford90/procsi/internal/headers"
	"github.com/mtford90/procsi/internal/store"
)

// resolveSession implements spec.md's session-resolution rule: a
// trusted header pair that validates against GetSessionAuth wins;
// anything else (absent, malformed, or a token mismatch) falls back to
// the daemon session.
func resolveSession(headers map[string]string, repo Repository) (sessionID, source string) {
	id, hasID := lookupHeaderFold(headers, hdr.SessionID)
	token, hasToken := lookupHeaderFold(headers, hdr.SessionToken)

	if hasID && hasToken && id != "" {
		if src, ok := repo.GetSessionAuth(id, token); ok {
			return id, src
		}
	}

	return store.DaemonSessionID, store.DaemonSessionID
}
