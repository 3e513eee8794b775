// Package proxy is the HTTP(S) capture engine (component G): for every
// request it resolves the owning session, consults the interceptor
// runner, forwards upstream when nothing overrides it, and persists
// both sides of the exchange to the request repository. TLS
// termination itself is an external MITM collaborator's job — this
// package is handed already-decrypted HTTP, the same shape the
// teacher's own reverse proxy terminates plaintext MCP traffic.
package proxy

import (
	"github.com/mtford90/procsi/internal/runner"
	"github.com/mtford90/procsi/internal/store"
)

// Repository is the persistence surface the engine needs, narrowed
// from *store.DB's full API the way the teacher narrows its storage
// dependency to EventRepository — so the engine can be exercised
// against a fake in tests without a real database.
type Repository interface {
	EnsureSession(id, label, source string, pid int) (store.Session, error)
	GetSessionAuth(id, token string) (source string, ok bool)
	SaveRequest(r store.Request) (string, error)
	UpdateRequestResponse(id string, status int, headers map[string]string, body []byte, durationMs int64, truncated bool) error
	UpdateRequestInterception(id, interceptedBy string, interceptionType store.InterceptionType) error
	UpdateRequestReplay(id, replayedFromID string, initiator store.ReplayInitiator) error
}

// RuleRunner is the interceptor runtime surface the engine drives.
type RuleRunner interface {
	HandleRequest(req runner.RequestSnapshot) runner.RequestPhaseOutcome
	HandleResponse(requestID string, upstream runner.UpstreamResponse) runner.ResponsePhaseOutcome
	Cleanup(requestID string)
}

// ReplayConsumer is the replay tracker surface the engine drives.
type ReplayConsumer interface {
	Consume(token string) (originID string, initiator store.ReplayInitiator, ok bool)
}
