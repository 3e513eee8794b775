package replay

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mtford90/procsi/internal/assert"
	"github.com/mtford90/procsi/internal/headers"
	"github.com/mtford90/procsi/internal/store"
)

const (
	minTimeoutMs     = 1000
	maxTimeoutMs     = 120000
	defaultTimeoutMs = 10000
)

// Override is the caller-supplied replay spec: headers to set/remove
// on top of the stored request, and an optional timeout override.
type Override struct {
	SetHeaders    map[string]string
	RemoveHeaders []string
	TimeoutMs     int
}

// Result is what a successful replay reports back to the caller.
type Result struct {
	Status int `json:"status"`
}

// Executor resends a stored request through the local proxy, using the
// project's own CA as the TLS trust anchor — the same "hand the
// verifier the root material explicitly" shape the teacher's
// internal/crypto.Signer uses for its Ed25519 verification trust root,
// applied here to TLS instead of event signatures.
type Executor struct {
	proxyURL *url.URL
	tracker  *Tracker
	client   *http.Client
}

// NewExecutor builds an Executor that dials through proxyURL (the
// daemon's own listener) and trusts caCertPEM for upstream TLS.
func NewExecutor(proxyURL *url.URL, caCertPEM []byte, tracker *Tracker) (*Executor, error) {
	if err := assert.NotNil(proxyURL, "proxy URL"); err != nil {
		return nil, err
	}
	if err := assert.NotNil(tracker, "replay tracker"); err != nil {
		return nil, err
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCertPEM) {
		return nil, fmt.Errorf("replay executor: failed to parse CA certificate")
	}

	transport := &http.Transport{
		Proxy:           http.ProxyURL(proxyURL),
		TLSClientConfig: &tls.Config{RootCAs: pool},
	}

	return &Executor{
		proxyURL: proxyURL,
		tracker:  tracker,
		client:   &http.Client{Transport: transport},
	}, nil
}

// Replay rebuilds req per override and sends it through the local
// proxy, returning the upstream status on success or a typed error on
// timeout/transport failure.
func (e *Executor) Replay(req store.Request, override Override, initiator store.ReplayInitiator) (Result, error) {
	method := strings.ToUpper(req.Method)

	body := req.RequestBody
	if dropsBody(method) {
		body = nil
	}

	rebuilt := rebuildReplayHeaders(req.RequestHeaders, override)

	token, err := e.tracker.Register(req.ID, initiator)
	if err != nil {
		return Result{}, fmt.Errorf("replay: registering token: %w", err)
	}
	rebuilt[headers.ReplayToken] = token

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(clampTimeoutMs(override.TimeoutMs))*time.Millisecond)
	defer cancel()

	var bodyReader io.Reader
	if len(body) > 0 {
		bodyReader = bytes.NewReader(body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, req.URL, bodyReader)
	if err != nil {
		return Result{}, fmt.Errorf("replay: building request: %w", err)
	}
	for k, v := range rebuilt {
		httpReq.Header.Set(k, v)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("replay: sending request: %w", err)
	}
	defer resp.Body.Close()

	// Drain fully so the proxy's response-phase lifecycle (persistence,
	// runner.HandleResponse) completes before Replay returns.
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return Result{}, fmt.Errorf("replay: draining response body: %w", err)
	}

	return Result{Status: resp.StatusCode}, nil
}

// dropsBody reports whether method must never carry a body regardless
// of what was originally stored.
func dropsBody(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

// clampTimeoutMs applies the [minTimeoutMs, maxTimeoutMs] bound with a
// defaultTimeoutMs fallback for an unset (<= 0) override.
func clampTimeoutMs(timeoutMs int) int {
	if timeoutMs <= 0 {
		return defaultTimeoutMs
	}
	if timeoutMs < minTimeoutMs {
		return minTimeoutMs
	}
	if timeoutMs > maxTimeoutMs {
		return maxTimeoutMs
	}
	return timeoutMs
}

// rebuildReplayHeaders starts from the stored (lowercased) header set,
// applies setHeaders then removeHeaders, strips hop-by-hop/internal
// headers and content-length (the transport recomputes it), and
// returns a fresh map ready for the replay request.
func rebuildReplayHeaders(stored map[string]string, override Override) map[string]string {
	rebuilt := make(map[string]string, len(stored)+len(override.SetHeaders))
	for k, v := range stored {
		rebuilt[strings.ToLower(k)] = v
	}
	for k, v := range override.SetHeaders {
		rebuilt[strings.ToLower(k)] = v
	}
	for _, name := range override.RemoveHeaders {
		delete(rebuilt, strings.ToLower(name))
	}
	headers.StripInternalAndHopByHop(rebuilt)
	delete(rebuilt, "content-length")
	return rebuilt
}
