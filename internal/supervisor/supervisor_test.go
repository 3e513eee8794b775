package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func bootTestSupervisor(t *testing.T) (*Supervisor, string) {
	t.Helper()
	root := t.TempDir()

	sup, err := Boot(root)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := sup.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	go sup.Serve()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	})

	// give the accept loops a moment to start.
	time.Sleep(20 * time.Millisecond)
	return sup, root
}

func TestBoot_WritesPIDAndPortFiles(t *testing.T) {
	sup, root := bootTestSupervisor(t)

	pidData, err := os.ReadFile(filepath.Join(root, ".procsi", "daemon.pid"))
	if err != nil {
		t.Fatalf("reading pid file: %v", err)
	}
	if pid, err := strconv.Atoi(string(pidData)); err != nil || pid != os.Getpid() {
		t.Errorf("expected pid file to contain %d, got %q", os.Getpid(), pidData)
	}

	portData, err := os.ReadFile(filepath.Join(root, ".procsi", "proxy.port"))
	if err != nil {
		t.Fatalf("reading port file: %v", err)
	}
	if port, err := strconv.Atoi(string(portData)); err != nil || port != sup.ProxyPort() {
		t.Errorf("expected port file to contain %d, got %q", sup.ProxyPort(), portData)
	}
}

func TestBoot_WritesPreferredPortHint(t *testing.T) {
	sup, root := bootTestSupervisor(t)

	hintData, err := os.ReadFile(filepath.Join(root, ".procsi", "preferred.port"))
	if err != nil {
		t.Fatalf("reading preferred.port: %v", err)
	}
	if port, err := strconv.Atoi(string(hintData)); err != nil || port != sup.ProxyPort() {
		t.Errorf("expected preferred.port to contain %d, got %q", sup.ProxyPort(), hintData)
	}
}

func TestShutdown_LeavesPreferredPortHintForNextBoot(t *testing.T) {
	sup, root := bootTestSupervisor(t)
	wantPort := sup.ProxyPort()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	hintData, err := os.ReadFile(filepath.Join(root, ".procsi", "preferred.port"))
	if err != nil {
		t.Fatalf("expected preferred.port to survive shutdown: %v", err)
	}
	if port, err := strconv.Atoi(string(hintData)); err != nil || port != wantPort {
		t.Errorf("expected preferred.port to still contain %d, got %q", wantPort, hintData)
	}
}

func TestBoot_PrefersHintedPort(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, ".procsi"), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	ln, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatalf("probing a free port: %v", err)
	}
	want := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	if err := os.WriteFile(filepath.Join(root, ".procsi", "preferred.port"), []byte(strconv.Itoa(want)), 0644); err != nil {
		t.Fatalf("writing preferred.port: %v", err)
	}

	sup, err := Boot(root)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if err := sup.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sup.Shutdown(ctx)
	}()

	if sup.ProxyPort() != want {
		t.Errorf("expected the hinted port %d, got %d", want, sup.ProxyPort())
	}
}

func TestServe_ControlSocketRespondsToStatus(t *testing.T) {
	sup, root := bootTestSupervisor(t)

	conn, err := net.DialTimeout("unix", filepath.Join(root, ".procsi", "control.sock"), 2*time.Second)
	if err != nil {
		t.Fatalf("dialing control socket: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(`{"id":1,"method":"status"}` + "\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	scanner := bufio.NewScanner(conn)
	if !scanner.Scan() {
		t.Fatalf("expected a response, scanner err: %v", scanner.Err())
	}
	var resp struct {
		Result struct {
			ProxyPort int `json:"proxyPort"`
		} `json:"result"`
		Error interface{} `json:"error"`
	}
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	if resp.Result.ProxyPort != sup.ProxyPort() {
		t.Errorf("expected status to report proxyPort %d, got %d", sup.ProxyPort(), resp.Result.ProxyPort)
	}
}

func TestServe_ProxyAcceptsPlainHTTPRequests(t *testing.T) {
	sup, _ := bootTestSupervisor(t)

	upstream := http.NewServeMux()
	upstream.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	upstreamLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listening for a fake upstream: %v", err)
	}
	upstreamSrv := &http.Server{Handler: upstream}
	go upstreamSrv.Serve(upstreamLn)
	defer upstreamSrv.Close()

	proxyURL, err := url.Parse("http://127.0.0.1:" + strconv.Itoa(sup.ProxyPort()))
	if err != nil {
		t.Fatalf("parsing proxy URL: %v", err)
	}
	client := &http.Client{
		Timeout:   2 * time.Second,
		Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
	}

	req, err := http.NewRequest(http.MethodGet, "http://"+upstreamLn.Addr().String()+"/", nil)
	if err != nil {
		t.Fatalf("building request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("request through the proxy: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("expected 204 from the fake upstream, got %d", resp.StatusCode)
	}
}

func TestShutdown_IsIdempotentAndRemovesStateFiles(t *testing.T) {
	sup, root := bootTestSupervisor(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := sup.Shutdown(ctx); err != nil {
		t.Fatalf("second Shutdown should be a no-op, got: %v", err)
	}

	if _, err := os.Stat(filepath.Join(root, ".procsi", "daemon.pid")); !os.IsNotExist(err) {
		t.Errorf("expected pid file to be removed after shutdown, stat err: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, ".procsi", "proxy.port")); !os.IsNotExist(err) {
		t.Errorf("expected port file to be removed after shutdown, stat err: %v", err)
	}
}
