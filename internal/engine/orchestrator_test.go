package engine

import (
	"context"
	"errors"
	"testing"

	"chanlink/internal/domain"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
)

func TestActivateFreshTenant(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	s := newTestSession(m)

	if err := s.Toggle(context.Background(), true); err != nil {
		t.Fatalf("activate: %v", err)
	}

	itg, ok := st.row("t1", "whatsapp")
	if !ok {
		t.Fatalf("no row persisted")
	}
	if !itg.IsEnabled || itg.ConnectionStatus != "disconnected" {
		t.Fatalf("row settled wrong: %+v", itg)
	}
	if itg.InstanceName != "chanlink-acme" {
		t.Fatalf("instance name %q", itg.InstanceName)
	}
	if len(gw.created) != 1 || gw.created[0] != "chanlink-acme" {
		t.Fatalf("created %v", gw.created)
	}
	if !n.has(domain.NoticeActivated) {
		t.Fatalf("no activated notice, got %v", n.kinds())
	}

	snap := s.Snapshot()
	if !snap.Enabled || snap.Status != domain.StatusDisconnected {
		t.Fatalf("session after activate: %+v", snap)
	}
}

func TestActivateRollbackDeletesFreshRow(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{createErr: errors.New("invalid api key")}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	s := newTestSession(m)

	err := s.Toggle(context.Background(), true)
	if !errors.Is(err, domain.ErrProvisioning) {
		t.Fatalf("expected provisioning failure, got %v", err)
	}

	if _, ok := st.row("t1", "whatsapp"); ok {
		t.Fatalf("fresh row must be deleted on rollback")
	}
	if st.deletes != 1 {
		t.Fatalf("deletes = %d", st.deletes)
	}
	if !n.has(domain.NoticeError) {
		t.Fatalf("no error notice, got %v", n.kinds())
	}
}

func TestActivateRollbackRevertsExistingRow(t *testing.T) {
	st := newFakeStore()
	st.rows[rowKey("t1", "whatsapp")] = store.ChannelIntegration{
		ID: "itg_prev", TenantID: "t1", TenantSlug: "acme",
		ChannelType: "whatsapp", IsEnabled: false,
		ConnectionStatus: "disconnected", InstanceName: "chanlink-acme",
	}
	gw := &fakeGateway{createErr: errors.New("gateway rejected the request")}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)

	err := s.Toggle(context.Background(), true)
	if !errors.Is(err, domain.ErrProvisioning) {
		t.Fatalf("expected provisioning failure, got %v", err)
	}

	itg, ok := st.row("t1", "whatsapp")
	if !ok {
		t.Fatalf("pre-existing row must survive rollback")
	}
	if itg.IsEnabled || itg.ConnectionStatus != "disconnected" || itg.InstanceName != "chanlink-acme" {
		t.Fatalf("row not reverted: %+v", itg)
	}
	if st.deletes != 0 {
		t.Fatalf("pre-existing row must never be deleted")
	}
}

func TestActivateReusesLiveInstance(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{
		instances: []evolution.InstanceSummary{{Name: "chanlink-acme-v2", ConnectionStatus: "open"}},
	}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)

	if err := s.Toggle(context.Background(), true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if len(gw.created) != 0 {
		t.Fatalf("must not provision a duplicate, created %v", gw.created)
	}
	itg, _ := st.row("t1", "whatsapp")
	if itg.InstanceName != "chanlink-acme-v2" {
		t.Fatalf("adopted instance %q", itg.InstanceName)
	}
}

func TestActivateTolerateAlreadyExists(t *testing.T) {
	st := newFakeStore()
	gw := &fakeGateway{createErr: errors.New("instance name already in use")}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)

	if err := s.Toggle(context.Background(), true); err != nil {
		t.Fatalf("already-exists must count as provisioned: %v", err)
	}
	itg, _ := st.row("t1", "whatsapp")
	if !itg.IsEnabled {
		t.Fatalf("row not enabled: %+v", itg)
	}
}

func TestDeactivateBestEffort(t *testing.T) {
	st := newFakeStore()
	st.rows[rowKey("t1", "whatsapp")] = store.ChannelIntegration{
		ID: "itg_1", TenantID: "t1", TenantSlug: "acme",
		ChannelType: "whatsapp", IsEnabled: true,
		ConnectionStatus: "connected", InstanceName: "chanlink-acme",
	}
	gw := &fakeGateway{}
	n := &fakeNotifier{}
	m := newTestManager(st, gw, n, nil)
	s := newTestSession(m)
	s.integrationID = "itg_1"
	s.instanceName = "chanlink-acme"
	s.gw = gw
	s.enabled = true
	s.state.Status = domain.StatusConnected

	if err := s.Toggle(context.Background(), false); err != nil {
		t.Fatalf("deactivate: %v", err)
	}

	itg, _ := st.row("t1", "whatsapp")
	if itg.IsEnabled || itg.ConnectionStatus != "disconnected" {
		t.Fatalf("row after deactivate: %+v", itg)
	}
	if len(gw.disconnected) != 1 || len(gw.deleted) != 1 {
		t.Fatalf("remote cleanup calls: disconnect=%v delete=%v", gw.disconnected, gw.deleted)
	}
	if len(gw.manageCalls) != 1 || gw.manageCalls[0] != "acme/disconnect" {
		t.Fatalf("catch-all calls %v", gw.manageCalls)
	}
	snap := s.Snapshot()
	if snap.Enabled || snap.Status != domain.StatusDisconnected || snap.Polling {
		t.Fatalf("session after deactivate: %+v", snap)
	}
	if !n.has(domain.NoticeDeactivated) {
		t.Fatalf("no deactivated notice")
	}
}

func TestDeactivatePersistFailureStillDisables(t *testing.T) {
	st := newFakeStore()
	st.rows[rowKey("t1", "whatsapp")] = store.ChannelIntegration{
		ID: "itg_1", TenantID: "t1", TenantSlug: "acme",
		ChannelType: "whatsapp", IsEnabled: true,
		ConnectionStatus: "connected", InstanceName: "chanlink-acme",
	}
	st.updateErr = errors.New("write refused")
	gw := &fakeGateway{}
	m := newTestManager(st, gw, &fakeNotifier{}, nil)
	s := newTestSession(m)
	s.integrationID = "itg_1"
	s.instanceName = "chanlink-acme"
	s.gw = gw
	s.enabled = true

	if err := s.Toggle(context.Background(), false); err != nil {
		t.Fatalf("deactivate must not fail over a persist error, got %v", err)
	}
	if s.Snapshot().Enabled {
		t.Fatalf("session must end up disabled")
	}
}
