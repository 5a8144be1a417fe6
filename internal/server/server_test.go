package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/txn2/mcp-sessions/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{
			Name:    "mcp-sessions-test",
			Version: "test",
			Address: "127.0.0.1:0",
		},
		Sessions: config.SessionsConfig{
			Backend:     config.BackendMemory,
			IdleTimeout: time.Hour,
		},
		Events: config.EventsConfig{
			Backend:     config.BackendMemory,
			SlidingTTL:  time.Minute,
			AbsoluteTTL: 5 * time.Minute,
		},
		Streams: config.StreamsConfig{
			RetryInterval: time.Second,
		},
		Reaper: config.ReaperConfig{
			Interval: time.Minute,
		},
	}
}

func testMCPServer() *mcp.Server {
	return mcp.NewServer(&mcp.Implementation{Name: "test-server", Version: "v0"}, nil)
}

func TestVersion(t *testing.T) {
	// Version should be set to "dev" by default
	if Version != "dev" {
		t.Errorf("expected Version 'dev', got %q", Version)
	}
}

func TestNew(t *testing.T) {
	t.Run("memory backends", func(t *testing.T) {
		s, err := New(testConfig(), testMCPServer())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if s == nil {
			t.Fatal("expected non-nil server")
		}
		if s.Addr() != "" {
			t.Errorf("Addr() = %q before Run, want empty", s.Addr())
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := New(nil, testMCPServer())
		if err == nil {
			t.Error("expected error for nil config")
		}
	})

	t.Run("nil mcp server", func(t *testing.T) {
		_, err := New(testConfig(), nil)
		if err == nil {
			t.Error("expected error for nil mcp server")
		}
	})

	t.Run("invalid backend", func(t *testing.T) {
		cfg := testConfig()
		cfg.Sessions.Backend = "etcd"
		_, err := New(cfg, testMCPServer())
		if err == nil {
			t.Error("expected error for unknown backend")
		}
	})

	t.Run("redis backends", func(t *testing.T) {
		mr := miniredis.RunT(t)

		cfg := testConfig()
		cfg.Sessions.Backend = config.BackendRedis
		cfg.Sessions.Redis.Addr = mr.Addr()
		cfg.Events.Backend = config.BackendRedis
		cfg.Events.Redis.Addr = mr.Addr()

		s, err := New(cfg, testMCPServer())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("redis backend unreachable", func(t *testing.T) {
		mr := miniredis.RunT(t)
		addr := mr.Addr()
		mr.Close()

		cfg := testConfig()
		cfg.Sessions.Backend = config.BackendRedis
		cfg.Sessions.Redis.Addr = addr

		_, err := New(cfg, testMCPServer())
		if err == nil {
			t.Error("expected error for unreachable redis")
		}
	})
}

func TestNewWithConfig(t *testing.T) {
	t.Run("valid config file", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, "config.yaml")
		configContent := `
server:
  name: file-server
  address: "127.0.0.1:0"
sessions:
  backend: memory
events:
  backend: memory
`
		if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		s, err := NewWithConfig(configPath, testMCPServer())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got := s.Config().Server.Name; got != "file-server" {
			t.Errorf("Server.Name = %q, want %q", got, "file-server")
		}
		if err := s.Close(); err != nil {
			t.Errorf("Close() error = %v", err)
		}
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := NewWithConfig("/nonexistent/path/config.yaml", testMCPServer())
		if err == nil {
			t.Error("expected error for missing config file")
		}
	})

	t.Run("invalid config content", func(t *testing.T) {
		dir := t.TempDir()
		configPath := filepath.Join(dir, "config.yaml")
		configContent := `
sessions:
  backend: unknown-backend
`
		if err := os.WriteFile(configPath, []byte(configContent), 0o644); err != nil {
			t.Fatalf("failed to write config file: %v", err)
		}

		_, err := NewWithConfig(configPath, testMCPServer())
		if err == nil {
			t.Error("expected error for invalid config")
		}
	})
}

// initializeSession runs a raw initialize handshake against /mcp and
// returns the minted session ID.
func initializeSession(t *testing.T, addr string) string {
	t.Helper()

	body := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{` +
		`"protocolVersion":"2025-03-26","capabilities":{},` +
		`"clientInfo":{"name":"ops-test","version":"1.0"}}}`
	req, err := http.NewRequest(http.MethodPost, fmt.Sprintf("http://%s/mcp", addr), strings.NewReader(body))
	if err != nil {
		t.Fatalf("building request: %v", err)
	}
	req.Header.Set("Accept", "application/json, text/event-stream")
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		t.Fatalf("draining response: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	sessionID := resp.Header.Get("Mcp-Session-Id")
	if sessionID == "" {
		t.Fatal("no session ID minted")
	}
	return sessionID
}

func fetchSessions(t *testing.T, addr, query string, out *sessionListResponse) {
	t.Helper()

	url := fmt.Sprintf("http://%s/sessions", addr)
	if query != "" {
		url += "?" + query
	}
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET /sessions: %v", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decoding listing: %v", err)
	}
}

// waitForAddr polls until Run has bound the listener.
func waitForAddr(t *testing.T, s *Server) string {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server did not start listening")
	return ""
}

func TestRun(t *testing.T) {
	s, err := New(testConfig(), testMCPServer())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			t.Logf("Close() error (non-fatal): %v", cerr)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- s.Run(ctx) }()

	addr := waitForAddr(t, s)

	t.Run("liveness endpoint", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/healthz", addr))
		if err != nil {
			t.Fatalf("GET /healthz: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
	})

	t.Run("readiness endpoint", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/readyz", addr))
		if err != nil {
			t.Fatalf("GET /readyz: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusOK)
		}
		body, _ := io.ReadAll(resp.Body)
		if !strings.Contains(string(body), "ready") {
			t.Errorf("body = %s, want state %q", body, "ready")
		}
		if !strings.Contains(string(body), "live_sessions") {
			t.Errorf("body = %s, want occupancy stats", body)
		}
	})

	t.Run("mcp endpoint routed", func(t *testing.T) {
		// A GET without an SSE Accept header reaches the handler and is
		// rejected there, proving the route is wired.
		resp, err := http.Get(fmt.Sprintf("http://%s/mcp", addr))
		if err != nil {
			t.Fatalf("GET /mcp: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("sessions listing", func(t *testing.T) {
		var listing sessionListResponse
		fetchSessions(t, addr, "", &listing)
		if len(listing.Sessions) != 0 {
			t.Errorf("sessions = %d, want 0", len(listing.Sessions))
		}

		sessionID := initializeSession(t, addr)

		fetchSessions(t, addr, "", &listing)
		if len(listing.Sessions) != 1 {
			t.Fatalf("sessions = %d, want 1", len(listing.Sessions))
		}
		if listing.Sessions[0].ID != sessionID {
			t.Errorf("session ID = %q, want %q", listing.Sessions[0].ID, sessionID)
		}
		if listing.NextCursor != "" {
			t.Errorf("next_cursor = %q, want empty on final page", listing.NextCursor)
		}
	})

	t.Run("sessions listing rejects bad cursor", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/sessions?cursor=%s", addr, "not-a-cursor!"))
		if err != nil {
			t.Fatalf("GET /sessions: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	t.Run("sessions listing rejects bad limit", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("http://%s/sessions?limit=zero", addr))
		if err != nil {
			t.Fatalf("GET /sessions: %v", err)
		}
		defer func() { _ = resp.Body.Close() }()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", resp.StatusCode, http.StatusBadRequest)
		}
	})

	cancel()
	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Run() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}
}
