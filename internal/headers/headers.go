// Package headers centralises the header-name conventions procsi's
// proxy, replay executor and runner share: the trusted runtime header
// names the control plane authenticates with, and the hop-by-hop set
// that must never survive a forwarded request or response.
package headers

import "strings"

// Trusted runtime headers, lowercase on the wire per spec: a caller
// presenting the session id/token pair attributes a request to that
// session instead of the daemon's own; the replay token header lets
// the proxy recognise a replayed request on the way back in; the
// runtime source header records what kind of client sent it.
const (
	SessionID     = "procsi-session-id"
	SessionToken  = "procsi-session-token"
	RuntimeSource = "procsi-runtime-source"
	ReplayToken   = "procsi-replay-token"
)

// Internal lists every trusted runtime header by name, for iteration.
var Internal = []string{SessionID, SessionToken, RuntimeSource, ReplayToken}

// HopByHop is the RFC 7230 §6.1 set plus Proxy-Connection, the same
// list net/http/httputil.ReverseProxy strips from a forwarded request.
var HopByHop = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripInternalAndHopByHop deletes every trusted-runtime and
// hop-by-hop header from headers in place (case-insensitive).
func StripInternalAndHopByHop(h map[string]string) {
	for _, name := range Internal {
		deleteFold(h, name)
	}
	for _, name := range HopByHop {
		deleteFold(h, name)
	}
}

// IsInternalOrHopByHop reports whether name (any case) is one of the
// headers StripInternalAndHopByHop removes.
func IsInternalOrHopByHop(name string) bool {
	lower := strings.ToLower(name)
	for _, n := range Internal {
		if n == lower {
			return true
		}
	}
	for _, n := range HopByHop {
		if strings.ToLower(n) == lower {
			return true
		}
	}
	return false
}

func deleteFold(h map[string]string, name string) {
	lower := strings.ToLower(name)
	for k := range h {
		if strings.ToLower(k) == lower {
			delete(h, k)
		}
	}
}
