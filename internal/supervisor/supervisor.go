// Package supervisor is the daemon supervisor (component K): it boots
// every other component in dependency order, picks and publishes the
// proxy's listening port, and tears everything down idempotently on
// shutdown. It is the one package that knows the full component graph;
// everything else only knows its own immediate collaborators.
package supervisor

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mtford90/procsi/internal/ca"
	"github.com/mtford90/procsi/internal/config"
	"github.com/mtford90/procsi/internal/control"
	"github.com/mtford90/procsi/internal/eventlog"
	"github.com/mtford90/procsi/internal/interceptor"
	"github.com/mtford90/procsi/internal/layout"
	"github.com/mtford90/procsi/internal/logging"
	"github.com/mtford90/procsi/internal/proxy"
	"github.com/mtford90/procsi/internal/replay"
	"github.com/mtford90/procsi/internal/runner"
	"github.com/mtford90/procsi/internal/store"
)

// Supervisor owns every long-lived component for one daemon instance
// and the order in which they start and stop.
type Supervisor struct {
	layout    *layout.Layout
	cfg       config.Config
	startedAt time.Time

	caStore  *ca.Store
	db       *store.DB
	events   *eventlog.Log
	loader   *interceptor.Loader
	runner   *runner.Runner
	tracker  *replay.Tracker
	executor *replay.Executor
	engine   *proxy.Engine

	proxyListener net.Listener
	proxyPort     int
	proxyServer   *http.Server

	controlServer *control.Server

	stopOnce sync.Once
	stopErr  error
}

// Boot resolves the project layout rooted at root and brings up, in
// order, the CA store (B), request repository (C), event log (D),
// interceptor loader (E), runner (F), replay tracker (H) and proxy
// engine (G). The replay executor (I) and control server (J) are built
// by Listen. Nothing accepts connections until Serve is called.
func Boot(root string) (*Supervisor, error) {
	lo, err := layout.ResolveAt(root)
	if err != nil {
		return nil, fmt.Errorf("resolving project layout: %w", err)
	}

	cfg, err := config.Load(lo.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	// B: CA store.
	caStore, err := ca.Load(lo.CACertPath(), lo.CAKeyPath())
	if err != nil {
		return nil, fmt.Errorf("loading CA: %w", err)
	}

	// C: request repository.
	db, err := store.Open(lo.DatabasePath(), cfg.MaxStoredRequests)
	if err != nil {
		return nil, fmt.Errorf("opening request repository: %w", err)
	}

	// D: interceptor event log.
	events, err := eventlog.New(cfg.EventLogCapacity)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating event log: %w", err)
	}

	// E: interceptor loader.
	loader, err := interceptor.New(lo.InterceptorsDir(), events)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating interceptor loader: %w", err)
	}
	if err := loader.Watch(); err != nil {
		loader.Close()
		db.Close()
		return nil, fmt.Errorf("watching interceptors directory: %w", err)
	}

	// F: interceptor runner.
	matchTimeout := time.Duration(cfg.MatchTimeoutMs) * time.Millisecond
	handlerTimeout := time.Duration(cfg.HandlerTimeoutMs) * time.Millisecond
	rnr := runner.New(loader, events, db, matchTimeout, handlerTimeout)

	// H: replay tracker.
	tracker := replay.New()

	// G: proxy engine. The replay executor needs the proxy's own
	// address, which isn't known until the listener binds, so it is
	// constructed after the listener below and wired back in.
	engine := proxy.New(db, rnr, tracker, http.DefaultTransport, cfg.MaxBodySize)

	s := &Supervisor{
		layout:    lo,
		cfg:       cfg,
		startedAt: time.Now(),
		caStore:   caStore,
		db:        db,
		events:    events,
		loader:    loader,
		runner:    rnr,
		tracker:   tracker,
		engine:    engine,
	}
	return s, nil
}

// Listen picks the proxy's listening port (the preferred.port hint if
// present, otherwise an OS-assigned ephemeral port), builds the I
// replay executor against it, then opens the control socket (J).
// Nothing is served yet; call Serve for that.
func (s *Supervisor) Listen() error {
	addr := ":0"
	if preferred, ok := s.readPreferredPort(); ok {
		addr = fmt.Sprintf(":%d", preferred)
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil && addr != ":0" {
		// The preferred port may be stale (another process holds it,
		// or a previous instance never cleaned up); fall back to an
		// OS-assigned one rather than fail the whole boot over a hint.
		ln, err = net.Listen("tcp", ":0")
	}
	if err != nil {
		return fmt.Errorf("binding proxy listener: %w", err)
	}
	s.proxyListener = ln
	s.proxyPort = ln.Addr().(*net.TCPAddr).Port

	proxyURL, err := url.Parse(fmt.Sprintf("http://127.0.0.1:%d", s.proxyPort))
	if err != nil {
		return fmt.Errorf("building proxy URL: %w", err)
	}
	executor, err := replay.NewExecutor(proxyURL, s.caStore.CertPEM(), s.tracker)
	if err != nil {
		return fmt.Errorf("creating replay executor: %w", err)
	}
	s.executor = executor

	s.proxyServer = &http.Server{Handler: http.HandlerFunc(s.engine.ServeIntercepted)}

	s.controlServer = control.New(
		s.layout.ControlSocketPath(),
		s.db,
		s.loader,
		s.events,
		s.executor,
		os.Getpid(),
		s.proxyPort,
		s.startedAt,
	)
	if err := s.controlServer.Listen(); err != nil {
		return fmt.Errorf("binding control socket: %w", err)
	}

	if err := s.writeStateFiles(); err != nil {
		return fmt.Errorf("writing state files: %w", err)
	}
	return nil
}

// Serve runs the proxy and control servers until Shutdown is called.
// It blocks; call it from its own goroutine or as the last call in
// main.
func (s *Supervisor) Serve() {
	go s.controlServer.Serve()

	logging.Info("procsi daemon listening", logging.Fields{Component: "supervisor"})
	if err := s.proxyServer.Serve(s.proxyListener); err != nil && err != http.ErrServerClosed {
		logging.Error("proxy server stopped unexpectedly", logging.Fields{Component: "supervisor", Error: err.Error()})
	}
}

// ProxyPort reports the bound proxy port. Only meaningful after
// Listen has returned successfully.
func (s *Supervisor) ProxyPort() int { return s.proxyPort }

// Shutdown stops accepting new work, drains in-flight requests,
// compacts the database, and releases every resource, in reverse boot
// order: J, G, tracker, E, repository, then state files. Safe to call
// more than once or concurrently; only the first call does anything.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.stopErr = s.shutdown(ctx)
	})
	return s.stopErr
}

func (s *Supervisor) shutdown(ctx context.Context) error {
	if s.controlServer != nil {
		if err := s.controlServer.Close(); err != nil {
			logging.Warn("closing control server", logging.Fields{Component: "supervisor", Error: err.Error()})
		}
	}
	if s.proxyServer != nil {
		if err := s.proxyServer.Shutdown(ctx); err != nil {
			logging.Warn("shutting down proxy server", logging.Fields{Component: "supervisor", Error: err.Error()})
		}
	}
	s.tracker.Close()
	if err := s.loader.Close(); err != nil {
		logging.Warn("closing interceptor loader", logging.Fields{Component: "supervisor", Error: err.Error()})
	}
	if err := s.db.CompactDatabase(); err != nil {
		logging.Warn("compacting database", logging.Fields{Component: "supervisor", Error: err.Error()})
	}
	if err := s.db.Close(); err != nil {
		logging.Warn("closing request repository", logging.Fields{Component: "supervisor", Error: err.Error()})
	}
	s.removeStateFiles()
	return nil
}

func (s *Supervisor) readPreferredPort() (int, bool) {
	data, err := os.ReadFile(s.layout.PreferredPortPath())
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(string(trimNewline(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

func (s *Supervisor) writeStateFiles() error {
	if err := os.WriteFile(s.layout.PIDPath(), []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	if err := os.WriteFile(s.layout.ProxyPortPath(), []byte(strconv.Itoa(s.proxyPort)), 0644); err != nil {
		return fmt.Errorf("writing port file: %w", err)
	}
	// Persisted (not removed on shutdown) so the next boot's Listen can
	// prefer rebinding this same port instead of an ephemeral one.
	if err := os.WriteFile(s.layout.PreferredPortPath(), []byte(strconv.Itoa(s.proxyPort)), 0644); err != nil {
		return fmt.Errorf("writing preferred port hint: %w", err)
	}
	return nil
}

func (s *Supervisor) removeStateFiles() {
	_ = os.Remove(s.layout.PIDPath())
	_ = os.Remove(s.layout.ProxyPortPath())
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r' || b[len(b)-1] == ' ') {
		b = b[:len(b)-1]
	}
	return b
}
