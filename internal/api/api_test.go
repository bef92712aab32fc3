package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/recsup/recsup/internal/events"
	"github.com/recsup/recsup/internal/testutil"
)

// --- Mock implementations ---

type mockRecorderManager struct {
	recorders []RecorderInfo
}

func (m *mockRecorderManager) List() []RecorderInfo { return m.recorders }
func (m *mockRecorderManager) Get(name string) (RecorderInfo, error) {
	for _, r := range m.recorders {
		if r.Name == name {
			return r, nil
		}
	}
	return RecorderInfo{}, fmt.Errorf("no such recorder: %s", name)
}
func (m *mockRecorderManager) Start(name string) error {
	r, err := m.Get(name)
	if err != nil {
		return err
	}
	if r.State == "RUNNING" {
		return fmt.Errorf("recorder already started: %s", name)
	}
	if r.Role == "voltage-tengine" {
		return fmt.Errorf("voltage-tengine %s conflicts with raw-voltage-beam vbeam-1 (RUNNING)", name)
	}
	return nil
}
func (m *mockRecorderManager) Stop(name string) error {
	r, err := m.Get(name)
	if err != nil {
		return err
	}
	if r.State != "RUNNING" {
		return fmt.Errorf("recorder not running: %s", name)
	}
	return nil
}
func (m *mockRecorderManager) Restart(name string) error {
	_, err := m.Get(name)
	return err
}
func (m *mockRecorderManager) Signal(name string, sig string) error {
	if _, err := m.Get(name); err != nil {
		return err
	}
	valid := map[string]bool{"TERM": true, "HUP": true, "INT": true, "KILL": true, "USR1": true, "USR2": true}
	if !valid[strings.ToUpper(sig)] {
		return fmt.Errorf("invalid signal: %s", sig)
	}
	return nil
}
func (m *mockRecorderManager) ReadLog(name string, length int) ([]byte, error) {
	if _, err := m.Get(name); err != nil {
		return nil, err
	}
	return []byte("recorder output\n"), nil
}
func (m *mockRecorderManager) RenderUnit(name string) ([]byte, error) {
	if _, err := m.Get(name); err != nil {
		return nil, err
	}
	return []byte("[Unit]\nDescription=test\n"), nil
}

type mockRoleManager struct {
	roles []string
}

func (m *mockRoleManager) ListRoles() []string { return m.roles }
func (m *mockRoleManager) StartRole(role string) error {
	for _, r := range m.roles {
		if r == role {
			return nil
		}
	}
	return fmt.Errorf("no such role: %s", role)
}
func (m *mockRoleManager) StopRole(role string) error    { return m.StartRole(role) }
func (m *mockRoleManager) RestartRole(role string) error { return m.StartRole(role) }

type mockConfigManager struct {
	cfg any
}

func (m *mockConfigManager) GetConfig() any { return m.cfg }
func (m *mockConfigManager) Reload() ([]string, []string, []string, error) {
	return []string{"new"}, []string{"changed"}, []string{"removed"}, nil
}

type mockDaemonInfo struct {
	shuttingDown bool
	ready        bool
	shutdowns    int
}

func (m *mockDaemonInfo) IsShuttingDown() bool { return m.shuttingDown }
func (m *mockDaemonInfo) IsReady() bool        { return m.ready }
func (m *mockDaemonInfo) CheckReady(recorders []string) (bool, []string, error) {
	for _, r := range recorders {
		if r == "unknown" {
			return false, nil, fmt.Errorf("no such recorder: %s", r)
		}
	}
	if m.ready {
		return true, nil, nil
	}
	return false, recorders, nil
}
func (m *mockDaemonInfo) Version() map[string]string {
	return map[string]string{"version": "dev", "commit": "abc123", "pid": "12345"}
}
func (m *mockDaemonInfo) PID() int  { return 12345 }
func (m *mockDaemonInfo) Shutdown() { m.shutdowns++ }

func testServer() (*Server, *mockRecorderManager, *mockDaemonInfo) {
	rm := &mockRecorderManager{
		recorders: []RecorderInfo{
			{Name: "slow-band01", Role: "slow-visibility", State: "RUNNING", StateCode: 2, PID: 1234, Uptime: 3600, Band: 1, Port: 10001, Program: "dr_visibilities"},
			{Name: "beam2", Role: "power-beam", State: "STOPPED", StateCode: 0, Beam: 2, Port: 20001, Program: "dr_beam"},
			{Name: "tengine-1", Role: "voltage-tengine", State: "STOPPED", StateCode: 0, Beam: 1, Port: 30001, Program: "dr_tengine"},
		},
	}
	ro := &mockRoleManager{roles: []string{"power-beam", "slow-visibility", "voltage-tengine"}}
	cm := &mockConfigManager{cfg: map[string]string{"test": "config"}}
	di := &mockDaemonInfo{ready: true}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.NewBus(logger)

	srv := NewServer(Config{}, rm, ro, cm, di, bus, logger)
	return srv, rm, di
}

// --- Health endpoint tests ---

func TestHealthzOK(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" {
		t.Fatalf("expected ok, got %s", body["status"])
	}
}

func TestHealthzShuttingDown(t *testing.T) {
	srv, _, di := testServer()
	di.shuttingDown = true
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestHealthzNoAuth(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	srv.authPass = "secret"

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.RemoteAddr = "127.0.0.1:12345" // Simulate TCP connection.
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	// /healthz should work without auth.
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// --- Readiness endpoint tests ---

func TestReadyzReady(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzNotReady(t *testing.T) {
	srv, _, di := testServer()
	di.ready = false
	req := httptest.NewRequest("GET", "/readyz", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}

func TestReadyzWithRecorderFilter(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/readyz?recorder=slow-band01,beam2", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReadyzWithUnknownRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/readyz?recorder=unknown", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReadyzPendingRecorders(t *testing.T) {
	srv, _, di := testServer()
	di.ready = false
	req := httptest.NewRequest("GET", "/readyz?recorder=beam2", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	pending, _ := body["pending"].([]any)
	if len(pending) != 1 || pending[0] != "beam2" {
		t.Fatalf("pending = %v, want [beam2]", body["pending"])
	}
}

// --- Recorder endpoint tests ---

func TestListRecorders(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}

	var recs []RecorderInfo
	if err := json.Unmarshal(w.Body.Bytes(), &recs); err != nil {
		t.Fatal(err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 recorders, got %d", len(recs))
	}
}

func TestGetRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders/slow-band01", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var info RecorderInfo
	if err := json.Unmarshal(w.Body.Bytes(), &info); err != nil {
		t.Fatal(err)
	}
	if info.Role != "slow-visibility" || info.Band != 1 {
		t.Fatalf("info = %+v", info)
	}
}

func TestGetRecorderNotFound(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %s", body["code"])
	}
}

func TestStartRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/beam2/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartRecorderAlreadyRunning(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestStartRecorderConflictPair(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/tengine-1/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409 for mutual-exclusion rejection, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["code"] != "CONFLICT" {
		t.Fatalf("expected CONFLICT, got %s", body["code"])
	}
}

func TestStartRecorderWhileShuttingDown(t *testing.T) {
	srv, _, di := testServer()
	di.shuttingDown = true
	req := httptest.NewRequest("POST", "/api/v1/recorders/beam2/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
}

func TestStopRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/stop", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStopRecorderNotRunning(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/beam2/stop", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestRestartRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/restart", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSignalRecorder(t *testing.T) {
	srv, _, _ := testServer()
	body := strings.NewReader(`{"signal":"USR1"}`)
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/signal", body)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestSignalRecorderInvalidSignal(t *testing.T) {
	srv, _, _ := testServer()
	body := strings.NewReader(`{"signal":"NOPE"}`)
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/signal", body)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestSignalRecorderMissingBody(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/recorders/slow-band01/signal", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestReadLog(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders/slow-band01/log?length=100", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "recorder output") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestRenderUnit(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders/slow-band01/unit", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "[Unit]") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

// --- Role endpoint tests ---

func TestListRoles(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/roles", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var roles []string
	if err := json.Unmarshal(w.Body.Bytes(), &roles); err != nil {
		t.Fatal(err)
	}
	if len(roles) != 3 {
		t.Fatalf("roles = %v", roles)
	}
}

func TestStartRole(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/roles/power-beam/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestStartRoleNotFound(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/roles/nonexistent/start", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Config endpoint tests ---

func TestGetConfig(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/config", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestReloadConfig(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("POST", "/api/v1/config/reload", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "reloaded" {
		t.Fatalf("status = %v", body["status"])
	}
}

// --- Daemon endpoint tests ---

func TestShutdownEndpoint(t *testing.T) {
	srv, _, di := testServer()
	req := httptest.NewRequest("POST", "/api/v1/shutdown", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	// Shutdown is deferred so the response can flush.
	deadline := time.Now().Add(time.Second)
	for di.shutdowns == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if di.shutdowns != 1 {
		t.Fatalf("shutdowns = %d, want 1", di.shutdowns)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/version", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["version"] != "dev" {
		t.Fatalf("version = %q", body["version"])
	}
}

// --- Auth tests ---

func TestAuthRequiredOnTCP(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	srv.authPass = "secret"

	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if h := w.Header().Get("WWW-Authenticate"); !strings.Contains(h, "recsup") {
		t.Fatalf("WWW-Authenticate = %q", h)
	}
}

func TestAuthValidCredentials(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	srv.authPass = "secret" // plaintext fallback

	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.SetBasicAuth("admin", "secret")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestAuthInvalidPassword(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	srv.authPass = "secret"

	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.SetBasicAuth("admin", "wrong")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestAuthBcryptHash(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	// bcrypt hash of "secret", cost 10.
	srv.authPass = "$2a$10$N9qo8uLOickgx2ZMRZoMy.Mrq4H8paWJrSrbXAtrY0OpW27o/Uj4S"

	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	req.RemoteAddr = "127.0.0.1:40000"
	req.SetBasicAuth("admin", "wrong")
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for wrong password against bcrypt hash, got %d", w.Code)
	}
}

func TestAuthSkippedOnUnixSocket(t *testing.T) {
	srv, _, _ := testServer()
	srv.authUser = "admin"
	srv.authPass = "secret"

	req := httptest.NewRequest("GET", "/api/v1/recorders", nil)
	req.RemoteAddr = "" // Unix socket connections have no remote address.
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

// --- Listener tests ---

func TestStartUnixSocket(t *testing.T) {
	srv, _, _ := testServer()
	sock := testutil.FreeSocket(t)

	if err := srv.StartUnix(sock, 0700); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	info, err := os.Stat(sock)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		t.Fatal("expected a socket file")
	}
	if perm := info.Mode().Perm(); perm != 0700 {
		t.Fatalf("socket mode = %o, want 0700", perm)
	}

	// Round-trip a request through the socket.
	client := &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sock)
			},
		},
	}
	resp, err := client.Get("http://unix/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestStartUnixRemovesStaleSocket(t *testing.T) {
	srv, _, _ := testServer()
	sock := testutil.FreeSocket(t)

	// Leave a stale socket behind.
	ln, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatal(err)
	}
	ln.Close()

	if err := srv.StartUnix(sock, 0700); err != nil {
		t.Fatal(err)
	}
	srv.Stop(context.Background())
}

func TestStartUnixRefusesNonSocket(t *testing.T) {
	srv, _, _ := testServer()
	dir := t.TempDir()
	path := filepath.Join(dir, "recsup.sock")
	if err := os.WriteFile(path, []byte("not a socket"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := srv.StartUnix(path, 0700); err == nil {
		srv.Stop(context.Background())
		t.Fatal("expected error for existing non-socket file")
	}
}

func TestStartTCP(t *testing.T) {
	srv, _, _ := testServer()
	if err := srv.StartTCP("127.0.0.1:0"); err != nil {
		t.Fatal(err)
	}
	defer srv.Stop(context.Background())

	addr := srv.TCPAddr()
	if addr == "" {
		t.Fatal("expected non-empty TCP address")
	}

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

// --- Event stream tests ---

func TestEventStream(t *testing.T) {
	srv, _, _ := testServer()
	ts := httptest.NewServer(srv.mux)
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/events/stream")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	// Give the handler time to subscribe, then publish.
	time.Sleep(50 * time.Millisecond)
	srv.bus.Publish(events.Event{
		Type: events.ConflictRejected,
		Data: map[string]string{"name": "tengine-1", "peer": "vbeam-1"},
	})

	buf := make([]byte, 4096)
	type readResult struct {
		n   int
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		n, err := resp.Body.Read(buf)
		done <- readResult{n, err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			t.Fatal(res.err)
		}
		chunk := string(buf[:res.n])
		if !strings.Contains(chunk, "event: CONFLICT_REJECTED") {
			t.Fatalf("chunk = %q", chunk)
		}
		if !strings.Contains(chunk, "tengine-1") {
			t.Fatalf("chunk = %q", chunk)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestLogStreamUnknownRecorder(t *testing.T) {
	srv, _, _ := testServer()
	req := httptest.NewRequest("GET", "/api/v1/recorders/nonexistent/log/stream", nil)
	w := httptest.NewRecorder()
	srv.mux.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

// --- Error classification tests ---

func TestClassifyError(t *testing.T) {
	tests := []struct {
		msg  string
		want int
	}{
		{"no such recorder: x", http.StatusNotFound},
		{"no such role: y", http.StatusNotFound},
		{"voltage-tengine tengine-1 conflicts with raw-voltage-beam vbeam-1", http.StatusConflict},
		{"restart budget exhausted", http.StatusConflict},
		{"recorder already started: x", http.StatusConflict},
		{"invalid signal: NOPE", http.StatusBadRequest},
		{"recorder not running: x", http.StatusBadRequest},
		{"disk on fire", http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := classifyError(fmt.Errorf("%s", tt.msg)); got != tt.want {
			t.Errorf("classifyError(%q) = %d, want %d", tt.msg, got, tt.want)
		}
	}
}
