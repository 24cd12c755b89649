//go:build integration
// +build integration

package integration

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"chanlink/internal/domain"
	"chanlink/internal/engine"
	"chanlink/internal/httpserver"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
)

// scriptedGateway walks an instance close -> connecting -> open over
// connectionState calls after connect, like the mock-gateway binary.
type scriptedGateway struct {
	mu           sync.Mutex
	connected    bool
	checks       int
	scanAfter    int
	connectAfter int
}

func (g *scriptedGateway) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/instance/create"):
			w.WriteHeader(http.StatusCreated)
			_ = json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{"status": "close"}})
		case strings.HasPrefix(r.URL.Path, "/instance/connect/"):
			g.connected = true
			g.checks = 0
			_ = json.NewEncoder(w).Encode(map[string]any{"base64": "2@scripted"})
		case strings.HasPrefix(r.URL.Path, "/instance/connectionState/"):
			state := "close"
			if g.connected {
				g.checks++
				if g.checks >= g.connectAfter {
					state = "open"
				} else if g.checks >= g.scanAfter {
					state = "connecting"
				}
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"instance": map[string]any{"state": state}})
		case strings.HasPrefix(r.URL.Path, "/instance/fetchInstances"):
			_ = json.NewEncoder(w).Encode([]map[string]any{})
		default:
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "ok"})
		}
	}
}

type memStore struct {
	mu   sync.Mutex
	rows map[string]store.ChannelIntegration
}

func newMemStore() *memStore { return &memStore{rows: make(map[string]store.ChannelIntegration)} }

func key(tenantID, channelType string) string { return tenantID + "/" + channelType }

func (m *memStore) GetIntegration(_ context.Context, tenantID, channelType string) (store.ChannelIntegration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	itg, ok := m.rows[key(tenantID, channelType)]
	return itg, ok, nil
}

func (m *memStore) InsertIntegration(_ context.Context, in store.IntegrationInsert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[key(in.TenantID, in.ChannelType)] = store.ChannelIntegration{
		ID: in.ID, TenantID: in.TenantID, TenantSlug: in.TenantSlug,
		ChannelType: in.ChannelType, IsEnabled: in.IsEnabled,
		ConnectionStatus: in.ConnectionStatus, InstanceName: in.InstanceName,
	}
	return nil
}

func (m *memStore) UpdateIntegration(_ context.Context, in store.IntegrationUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, itg := range m.rows {
		if itg.ID == in.ID && itg.TenantID == in.TenantID {
			itg.IsEnabled = in.IsEnabled
			itg.ConnectionStatus = in.ConnectionStatus
			itg.InstanceName = in.InstanceName
			m.rows[k] = itg
			return nil
		}
	}
	return store.ErrTenantMismatch
}

func (m *memStore) UpdateConnectionStatus(_ context.Context, in store.StatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, itg := range m.rows {
		if itg.ID == in.ID && itg.TenantID == in.TenantID {
			itg.ConnectionStatus = in.ConnectionStatus
			if in.SetEnabled != nil {
				itg.IsEnabled = *in.SetEnabled
			}
			m.rows[k] = itg
			return nil
		}
	}
	return store.ErrTenantMismatch
}

func (m *memStore) DeleteIntegration(_ context.Context, id, tenantID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, itg := range m.rows {
		if itg.ID == id && itg.TenantID == tenantID {
			delete(m.rows, k)
		}
	}
	return nil
}

func newManager(st *memStore, gatewayURL string, notices *httpserver.NoticeLog, maxChecks int) *engine.Manager {
	return &engine.Manager{
		Store:    st,
		Notifier: notices,
		NewGateway: func(cfg evolution.Config) engine.Gateway {
			return &evolution.Client{Config: cfg, HTTP: http.DefaultClient}
		},
		Defaults:       evolution.Config{BaseURL: gatewayURL, APIKey: "test-key"},
		InstancePrefix: "chanlink",
		FastInterval:   20 * time.Millisecond,
		SlowInterval:   50 * time.Millisecond,
		MaxChecks:      maxChecks,
		DeepEvery:      3,
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %v", timeout)
}

// The full happy path: activate, request pairing, let the loop watch
// the scripted gateway walk to open, and check everything settled.
func TestPairingJourney(t *testing.T) {
	gw := &scriptedGateway{scanAfter: 2, connectAfter: 4}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	st := newMemStore()
	notices := httpserver.NewNoticeLog()
	mgr := newManager(st, srv.URL, notices, 60)
	defer mgr.Shutdown()

	ctx := context.Background()
	s, err := mgr.Session(ctx, "t1", "acme", domain.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("session: %v", err)
	}

	if err := s.Toggle(ctx, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	artifact, err := s.RequestPairing(ctx)
	if err != nil {
		t.Fatalf("pairing: %v", err)
	}
	if artifact == "" {
		t.Fatalf("no artifact issued")
	}

	waitFor(t, 5*time.Second, func() bool {
		return s.Snapshot().Status == domain.StatusConnected
	})

	snap := s.Snapshot()
	if snap.PairingSurfaceOpen || snap.PairingArtifact != "" {
		t.Fatalf("surface must close on connected: %+v", snap)
	}
	itg, ok, _ := st.GetIntegration(ctx, "t1", "whatsapp")
	if !ok || itg.ConnectionStatus != "connected" || !itg.IsEnabled {
		t.Fatalf("row after journey: %+v", itg)
	}

	kinds := make(map[domain.NoticeKind]bool)
	for _, n := range notices.Recent("t1", domain.ChannelWhatsApp) {
		kinds[n.Kind] = true
	}
	if !kinds[domain.NoticeScanDetected] || !kinds[domain.NoticeConnected] {
		t.Fatalf("notice kinds %v", kinds)
	}
}

// A device that never scans: the loop must land on timeout and stop.
func TestPairingTimesOut(t *testing.T) {
	gw := &scriptedGateway{scanAfter: 1 << 30, connectAfter: 1 << 30}
	srv := httptest.NewServer(gw.handler())
	defer srv.Close()

	st := newMemStore()
	notices := httpserver.NewNoticeLog()
	mgr := newManager(st, srv.URL, notices, 5)
	defer mgr.Shutdown()

	ctx := context.Background()
	s, err := mgr.Session(ctx, "t1", "acme", domain.ChannelWhatsApp)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	if err := s.Toggle(ctx, true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := s.RequestPairing(ctx); err != nil {
		t.Fatalf("pairing: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool {
		return s.Snapshot().Status == domain.StatusTimeout
	})

	snap := s.Snapshot()
	if snap.PairingSurfaceOpen || snap.Polling {
		t.Fatalf("loop must stop after timeout: %+v", snap)
	}
	itg, _, _ := st.GetIntegration(ctx, "t1", "whatsapp")
	if itg.ConnectionStatus == "timeout" {
		t.Fatalf("timeout must never be persisted")
	}
}
