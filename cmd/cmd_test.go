package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/privacyd/internal/clock"
	"grimm.is/privacyd/internal/config"
	"grimm.is/privacyd/internal/directory"
	"grimm.is/privacyd/internal/firewall"
	"grimm.is/privacyd/internal/logging"
)

// memBackend is an in-memory firewall.Backend.
type memBackend struct {
	mu        sync.Mutex
	createErr error
	exists    bool
	hooks  map[firewall.Hook]bool
	drops  []string
}

func newMemBackend() *memBackend {
	return &memBackend{hooks: make(map[firewall.Hook]bool)}
}

func (b *memBackend) Name() string { return "mem" }

func (b *memBackend) ChainExists(ctx context.Context) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exists, nil
}

func (b *memBackend) CreateChain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.createErr != nil {
		return b.createErr
	}
	b.exists = true
	return nil
}

func (b *memBackend) DeleteChain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exists = false
	return nil
}

func (b *memBackend) FlushChain(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops = nil
	return nil
}

func (b *memBackend) HookAttached(ctx context.Context, hook firewall.Hook) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hooks[hook], nil
}

func (b *memBackend) AttachHook(ctx context.Context, hook firewall.Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hooks[hook] = true
	return nil
}

func (b *memBackend) DetachHook(ctx context.Context, hook firewall.Hook) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.hooks, hook)
	return nil
}

func (b *memBackend) DropExists(ctx context.Context, ip string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, d := range b.drops {
		if d == ip {
			return true, nil
		}
	}
	return false, nil
}

func (b *memBackend) AppendDrop(ctx context.Context, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.drops = append(b.drops, ip)
	return nil
}

func (b *memBackend) DeleteDrop(ctx context.Context, ip string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, d := range b.drops {
		if d == ip {
			b.drops = append(b.drops[:i], b.drops[i+1:]...)
			return nil
		}
	}
	return firewall.ErrRuleNotFound
}

func (b *memBackend) ListDrops(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.drops...), nil
}

// fakeStore serves the directory HTTP API from a map.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]map[string]any
	kinds   map[string]string
	updates []string
}

func (s *fakeStore) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /get_all", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		out := []map[string]any{}
		for id, v := range s.records {
			out = append(out, map[string]any{"topic_name": s.kinds[id], "topic_uuid": id, "value": v})
		}
		json.NewEncoder(w).Encode(out)
	})
	mux.HandleFunc("GET /topic_name/{kind}", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]any{})
	})
	mux.HandleFunc("POST /topic_name/{kind}/topic_uuid/{id}", func(w http.ResponseWriter, r *http.Request) {
		var v map[string]any
		json.NewDecoder(r.Body).Decode(&v)
		s.mu.Lock()
		defer s.mu.Unlock()
		s.records[r.PathValue("id")] = v
		s.updates = append(s.updates, r.PathValue("id"))
	})
	return mux
}

func testConfig(t *testing.T, srv *httptest.Server) *config.Config {
	t.Helper()
	return testConfigAddr(t, srv.Listener.Addr().String())
}

func testConfigAddr(t *testing.T, addr string) *config.Config {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	p, err := strconv.Atoi(port)
	require.NoError(t, err)

	src := fmt.Sprintf(`
ops_listen = "off"
directory {
  host = %q
  port = %d
}
schedule {
  sweep_interval = "1h"
  audit_interval = "1h"
}
stream {
  initial_backoff = "10ms"
  max_backoff     = "50ms"
}
`, host, p)
	cfg, err := config.LoadBytes("test.hcl", []byte(src))
	require.NoError(t, err)
	return cfg
}

// runDaemon starts d.run in the background and returns its result channel.
func runDaemon(ctx context.Context, d *daemon) <-chan error {
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()
	return done
}

func returned(done <-chan error) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}

func TestDaemonStartupResetsFlaggedDevices(t *testing.T) {
	store := &fakeStore{
		records: map[string]map[string]any{
			"cam-1": {"name": "Hall", "ip_address": "192.168.1.50", "privacy": true},
		},
		kinds: map[string]string{"cam-1": "domo_camera"},
	}
	srv := httptest.NewServer(store.handler())
	defer srv.Close()

	cfg := testConfig(t, srv)
	backend := newMemBackend()
	backend.drops = []string{"192.168.1.50"}
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))

	d := assemble(cfg, logging.Discard(), clock.NewMockClock(time.Now()), gw)
	require.NoError(t, d.startup(context.Background()))

	assert.True(t, backend.exists)
	assert.True(t, backend.hooks[firewall.HookForward])
	assert.True(t, backend.hooks[firewall.HookOutput])
	assert.Empty(t, backend.drops)

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.Equal(t, []string{"cam-1"}, store.updates)
	assert.Equal(t, false, store.records["cam-1"]["privacy"])
}

func TestDaemonRunStopsAndTearsDown(t *testing.T) {
	store := &fakeStore{records: map[string]map[string]any{}, kinds: map[string]string{}}
	srv := httptest.NewServer(store.handler())
	defer srv.Close()

	cfg := testConfig(t, srv)
	backend := newMemBackend()
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))
	d := assemble(cfg, logging.Discard(), clock.NewMockClock(time.Now()), gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx) }()

	require.Eventually(t, func() bool {
		ok, _ := backend.ChainExists(context.Background())
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}

	assert.False(t, backend.exists)
	assert.Empty(t, backend.hooks)
}

func TestPrintBlocked(t *testing.T) {
	cfg := config.Default()
	backend := newMemBackend()
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))

	var buf bytes.Buffer
	require.NoError(t, printBlocked(context.Background(), &buf, cfg, gw))
	assert.Contains(t, buf.String(), "No destinations blocked")

	require.True(t, gw.Block(context.Background(), "10.0.0.7"))
	buf.Reset()
	require.NoError(t, printBlocked(context.Background(), &buf, cfg, gw))
	assert.Contains(t, buf.String(), "10.0.0.7")
	assert.Contains(t, buf.String(), "destination(s) blocked")
}

func TestRunCheck_ValidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "privacyd.hcl")
	validConfig := `
log_level = "debug"
firewall {
  backend = "nftables"
}
`
	require.NoError(t, os.WriteFile(configPath, []byte(validConfig), 0644))
	assert.NoError(t, RunCheck(configPath, false, false))
}

func TestRunCheck_InvalidConfig(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.hcl")
	require.NoError(t, os.WriteFile(configPath, []byte("directory {\n  port = 0\n"), 0644))
	assert.Error(t, RunCheck(configPath, false, false))

	require.NoError(t, os.WriteFile(configPath, []byte(`firewall { backend = "pf" }`), 0644))
	assert.Error(t, RunCheck(configPath, false, false))
}

func TestRunCheck_MissingFile(t *testing.T) {
	assert.Error(t, RunCheck(filepath.Join(t.TempDir(), "absent.hcl"), false, false))
}

func TestPrintSummary(t *testing.T) {
	cfg := config.Default()
	cfg.OpsListen = config.OpsDisabled

	var buf bytes.Buffer
	printSummary(&buf, cfg)
	out := buf.String()
	assert.Contains(t, out, "http://localhost:3000")
	assert.Regexp(t, `Ops listen:\s+disabled`, out)
	assert.NotContains(t, out, "Table:")
}

func TestProbeDirectory(t *testing.T) {
	store := &fakeStore{records: map[string]map[string]any{}, kinds: map[string]string{}}
	srv := httptest.NewServer(store.handler())
	defer srv.Close()

	cfg := testConfig(t, srv)
	var buf bytes.Buffer
	client := newTestClient(cfg)
	require.NoError(t, probeDirectory(context.Background(), &buf, client, cfg.RuleKind))
	assert.Contains(t, buf.String(), "Directory reachable")

	srv.Close()
	assert.Error(t, probeDirectory(context.Background(), io.Discard, client, cfg.RuleKind))
}

func newTestClient(cfg *config.Config) *directory.Client {
	return directory.NewClient(cfg.Directory.BaseURL(), directory.WithTimeout(time.Second))
}

func TestDaemonRunSurvivesChainSetupFailure(t *testing.T) {
	store := &fakeStore{records: map[string]map[string]any{}, kinds: map[string]string{}}
	srv := httptest.NewServer(store.handler())
	defer srv.Close()

	backend := newMemBackend()
	backend.createErr = errors.New("iptables: Permission denied")
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))
	d := assemble(testConfig(t, srv), logging.Discard(), clock.NewMockClock(time.Now()), gw)

	ctx, cancel := context.WithCancel(context.Background())
	done := runDaemon(ctx, d)

	assert.Never(t, func() bool { return returned(done) }, 300*time.Millisecond, 10*time.Millisecond)
	assert.True(t, d.sched.IsRunning())

	backend.mu.Lock()
	backend.createErr = nil
	backend.mu.Unlock()
	assert.True(t, gw.Block(context.Background(), "10.0.0.9"), "next gateway call prepares the chain")

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonRecoveryWaitsForDirectory(t *testing.T) {
	// Reserve an address, then release it so the store is unreachable.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	store := &fakeStore{
		records: map[string]map[string]any{
			"cam-1": {"name": "Hall", "ip_address": "192.168.1.50", "privacy": true},
		},
		kinds: map[string]string{"cam-1": "domo_camera"},
	}
	backend := newMemBackend()
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))
	d := assemble(testConfigAddr(t, addr), logging.Discard(), clock.NewMockClock(time.Now()), gw)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runDaemon(ctx, d)

	assert.Never(t, func() bool { return returned(done) }, 200*time.Millisecond, 10*time.Millisecond)
	assert.False(t, d.sched.IsRunning(), "tasks wait for recovery")

	l, err = net.Listen("tcp", addr)
	require.NoError(t, err)
	srv := httptest.NewUnstartedServer(store.handler())
	srv.Listener.Close()
	srv.Listener = l
	srv.Start()
	defer srv.Close()

	require.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return len(store.updates) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, d.sched.IsRunning, 2*time.Second, 10*time.Millisecond)

	store.mu.Lock()
	assert.Equal(t, false, store.records["cam-1"]["privacy"])
	store.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop")
	}
}

func TestDaemonCancelDuringRecovery(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	backend := newMemBackend()
	gw := firewall.NewGateway(backend, firewall.WithLogger(logging.Discard()))
	d := assemble(testConfigAddr(t, addr), logging.Discard(), clock.NewMockClock(time.Now()), gw)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, d.run(ctx))
	assert.False(t, backend.exists, "chain torn down")
}
