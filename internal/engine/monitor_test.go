package engine

import (
	"context"
	"testing"

	"chanlink/internal/domain"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
)

// pairingSession builds a session mid-pairing without going through the
// HTTP-facing operations, so tests can drive ticks one by one.
func pairingSession(m *Manager, gw Gateway) *Session {
	s := newTestSession(m)
	s.enabled = true
	s.integrationID = "itg_1"
	s.instanceName = "chanlink-acme"
	s.gw = gw
	s.state.OpenSurface()
	return s
}

func TestTickPairingSequence(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{states: []string{"close", "connecting", "open"}}
	n := &fakeNotifier{}
	ev := &fakeEvents{}
	m := newTestManager(st, gw, n, ev)
	s := pairingSession(m, gw)

	ctx := context.Background()
	var got []domain.Status
	for i := 0; i < 3; i++ {
		s.tick(ctx)
		got = append(got, s.Snapshot().Status)
	}

	want := []domain.Status{domain.StatusDisconnected, domain.StatusScanning, domain.StatusConnected}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("canonical sequence %v, want %v", got, want)
		}
	}

	// Exactly one persistence write for the whole pairing flow.
	if st.statusWrites != 1 {
		t.Fatalf("status writes = %d, want 1", st.statusWrites)
	}
	itg, _ := st.row("t1", "whatsapp")
	if itg.ConnectionStatus != "connected" || !itg.IsEnabled {
		t.Fatalf("row after pairing: %+v", itg)
	}

	snap := s.Snapshot()
	if snap.PairingSurfaceOpen || snap.PairingArtifact != "" {
		t.Fatalf("surface must close on connected: %+v", snap)
	}
	if !n.has(domain.NoticeScanDetected) || !n.has(domain.NoticeConnected) {
		t.Fatalf("notices %v", n.kinds())
	}
}

// A fast scan: the provider jumps straight from close to open between
// two polls. Connected must still persist, clear the artifact, and
// close the surface even with no intermediate state observed.
func TestTickCloseToOpenJump(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{states: []string{"close", "open"}}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	s := pairingSession(m, gw)
	s.state.PairingArtifact = "2@qr"

	ctx := context.Background()
	s.tick(ctx)
	s.tick(ctx)

	snap := s.Snapshot()
	if snap.Status != domain.StatusConnected {
		t.Fatalf("status %q, want connected", snap.Status)
	}
	if snap.PairingSurfaceOpen || snap.PairingArtifact != "" {
		t.Fatalf("surface must close on connected: %+v", snap)
	}
	if st.statusWrites != 1 {
		t.Fatalf("status writes = %d, want 1", st.statusWrites)
	}
	itg, _ := st.row("t1", "whatsapp")
	if itg.ConnectionStatus != "connected" || !itg.IsEnabled {
		t.Fatalf("row after jump: %+v", itg)
	}
	if !n.has(domain.NoticeConnected) {
		t.Fatalf("no connected notice, got %v", n.kinds())
	}
}

func TestTickConnectingWithClosedSurface(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{states: []string{"connecting"}}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)
	s.enabled = true
	s.integrationID = "itg_1"
	s.instanceName = "chanlink-acme"
	s.gw = gw
	s.state.PollingEnabled = true

	s.tick(context.Background())

	if got := s.Snapshot().Status; got != domain.StatusDisconnected {
		t.Fatalf("connecting with closed surface must read disconnected, got %q", got)
	}
	if st.statusWrites != 0 {
		t.Fatalf("no persistence expected, wrote %d", st.statusWrites)
	}
}

func TestTickDropFromConnected(t *testing.T) {
	st := newFakeStore()
	st.rows[rowKey("t1", "whatsapp")] = store.ChannelIntegration{
		ID: "itg_1", TenantID: "t1", TenantSlug: "acme",
		ChannelType: "whatsapp", IsEnabled: true,
		ConnectionStatus: "connected", InstanceName: "chanlink-acme",
	}
	gw := &fakeGateway{states: []string{"close"}}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	s := newTestSession(m)
	s.enabled = true
	s.integrationID = "itg_1"
	s.instanceName = "chanlink-acme"
	s.gw = gw
	s.state.Status = domain.StatusConnected
	s.state.LastObserved = domain.StatusConnected
	s.state.PollingEnabled = true

	s.tick(context.Background())

	if got := s.Snapshot().Status; got != domain.StatusDisconnected {
		t.Fatalf("status %q, want disconnected", got)
	}
	itg, _ := st.row("t1", "whatsapp")
	if itg.ConnectionStatus != "disconnected" {
		t.Fatalf("drop not persisted: %+v", itg)
	}
	// The row stays enabled; only the connection state dropped.
	if !itg.IsEnabled {
		t.Fatalf("is_enabled must survive a drop")
	}
	if !n.has(domain.NoticeDisconnected) {
		t.Fatalf("no disconnect notice")
	}
}

func TestTickCutoffAfterMaxChecks(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{states: []string{"connecting"}}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	m.MaxChecks = 60
	m.DeepEvery = 0 // isolate the cutoff behavior
	s := pairingSession(m, gw)

	ctx := context.Background()
	for i := 0; i < 60; i++ {
		s.tick(ctx)
	}

	snap := s.Snapshot()
	if snap.Status != domain.StatusTimeout {
		t.Fatalf("status %q, want timeout", snap.Status)
	}
	if snap.PairingSurfaceOpen || snap.Polling {
		t.Fatalf("polling must stop at the cutoff: %+v", snap)
	}
	if snap.CheckCount != 60 {
		t.Fatalf("check count %d, want 60", snap.CheckCount)
	}
	if !n.has(domain.NoticeTimeout) {
		t.Fatalf("no timeout notice, got %v", n.kinds())
	}
	if st.statusWrites != 0 {
		t.Fatalf("timeout must not persist, wrote %d", st.statusWrites)
	}
}

func TestTickDeepCheckLeapfrog(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{
		states: []string{"connecting"},
		info:   evolution.Info{State: "paired"},
	}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := pairingSession(m, gw)

	ctx := context.Background()
	s.tick(ctx) // connecting -> scanning
	s.tick(ctx) // unchanged
	s.tick(ctx) // unchanged coarse, deep check adopts paired

	if got := s.Snapshot().Status; got != domain.StatusPaired {
		t.Fatalf("status %q, want paired via deep check", got)
	}
	if st.statusWrites != 0 {
		t.Fatalf("paired is not a persisted state, wrote %d", st.statusWrites)
	}
}

func TestTickDeepCheckRefreshesArtifact(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{
		states: []string{"connecting"},
		info:   evolution.Info{QRCode: "2@fresh"},
	}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := pairingSession(m, gw)
	s.state.PairingArtifact = "2@stale"

	ctx := context.Background()
	s.tick(ctx)
	s.tick(ctx)
	s.tick(ctx)

	if got := s.Snapshot().PairingArtifact; got != "2@fresh" {
		t.Fatalf("artifact %q, want refreshed", got)
	}
}

func TestTickSkipsWithoutInstance(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{states: []string{"open"}}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)
	s.state.OpenSurface()

	s.tick(context.Background())

	snap := s.Snapshot()
	if snap.Status != domain.StatusUnknown || snap.CheckCount != 0 {
		t.Fatalf("tick without instance must be a no-op: %+v", snap)
	}
}

func TestTickGatewayErrorKeepsState(t *testing.T) {
	st := newFakeStore()
	seedEnabledRow(st)
	gw := &fakeGateway{stateErr: context.DeadlineExceeded}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := pairingSession(m, gw)
	s.state.Status = domain.StatusScanning
	s.state.LastObserved = domain.StatusConnecting

	s.tick(context.Background())

	snap := s.Snapshot()
	if snap.Status != domain.StatusScanning {
		t.Fatalf("transient poll failure must not move state, got %q", snap.Status)
	}
}
