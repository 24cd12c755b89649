package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"chanlink/internal/domain"
	"chanlink/internal/observability"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
	"chanlink/internal/util"
)

// Toggle drives the channel on or off. Activation is a small saga with
// rollback; deactivation is local-first and never fails the tenant over
// remote cleanup.
func (s *Session) Toggle(ctx context.Context, enable bool) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	if enable {
		return s.activate(ctx)
	}
	return s.deactivate(ctx)
}

// activate upserts the integration row, provisions (or reuses) the
// provider instance, then settles the row on disconnected. A failed
// provisioning step rolls the row back to exactly what it was.
func (s *Session) activate(ctx context.Context) error {
	now := util.NowUTC()

	itg, found, err := s.mgr.Store.GetIntegration(ctx, s.TenantID, string(s.Channel))
	if err != nil {
		observability.Activations.WithLabelValues("activate", "error").Inc()
		if errors.Is(err, store.ErrTenantMismatch) {
			return fmt.Errorf("%w: %v", domain.ErrSecurityViolation, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	wasExisting := found
	prev := itg

	name := itg.InstanceName
	if name == "" {
		name = util.InstanceName(s.mgr.InstancePrefix, s.TenantSlug)
	}

	id := itg.ID
	if found {
		err = s.mgr.Store.UpdateIntegration(ctx, store.IntegrationUpdate{
			ID: id, TenantID: s.TenantID,
			IsEnabled: true, ConnectionStatus: "pending", InstanceName: name,
			Now: now,
		})
	} else {
		id = util.NewIntegrationID()
		err = s.mgr.Store.InsertIntegration(ctx, store.IntegrationInsert{
			ID: id, TenantID: s.TenantID, TenantSlug: s.TenantSlug,
			ChannelType: string(s.Channel),
			IsEnabled:   true, ConnectionStatus: "pending", InstanceName: name,
			Now: now,
		})
	}
	if err != nil {
		observability.Activations.WithLabelValues("activate", "error").Inc()
		if errors.Is(err, store.ErrTenantMismatch) {
			return fmt.Errorf("%w: %v", domain.ErrSecurityViolation, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	gw := s.mgr.gatewayFor(itg)

	// A live instance left over from an earlier activation is reused
	// instead of provisioning a duplicate.
	provisioned := false
	if inst, ok, ferr := gw.FindInstanceByPrefix(ctx, s.TenantSlug); ferr == nil && ok {
		name = inst.Name
		provisioned = true
		slog.Info("reusing existing instance", "tenant_id", s.TenantID, "instance", name)
	}
	if !provisioned {
		if cerr := s.createWithRetry(ctx, gw, name); cerr != nil {
			s.rollbackActivation(ctx, wasExisting, prev, id)
			observability.Activations.WithLabelValues("activate", "error").Inc()
			s.mgr.notify(s.TenantID, s.Channel, domain.NoticeError,
				"Activation failed", cerr.Error(), "error")
			return fmt.Errorf("%w: %v", domain.ErrProvisioning, cerr)
		}
	}

	if err := s.mgr.Store.UpdateIntegration(ctx, store.IntegrationUpdate{
		ID: id, TenantID: s.TenantID,
		IsEnabled: true, ConnectionStatus: string(domain.StatusDisconnected), InstanceName: name,
		Now: util.NowUTC(),
	}); err != nil {
		// The instance exists but the row is stuck on pending; the drift
		// sweep settles it.
		slog.Warn("post-provision settle failed", "tenant_id", s.TenantID, "err", err)
	}

	s.mu.Lock()
	s.enabled = true
	s.integrationID = id
	s.instanceName = name
	s.gw = gw
	s.state.Status = domain.StatusDisconnected
	s.state.LastObserved = domain.StatusUnknown
	s.syncPollingLocked()
	s.mu.Unlock()

	observability.Activations.WithLabelValues("activate", "ok").Inc()
	s.emitNotice(domain.NoticeActivated)
	return nil
}

func (s *Session) createWithRetry(ctx context.Context, gw Gateway, name string) error {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		lastErr = gw.CreateInstance(ctx, name)
		if lastErr == nil {
			return nil
		}
		// The gateway answers "already in use" when the instance exists
		// under this name; that is success for our purposes.
		if strings.Contains(strings.ToLower(lastErr.Error()), "already") {
			return nil
		}
		if !evolution.ShouldRetry(lastErr) {
			return lastErr
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(evolution.Backoff(attempt)):
		}
	}
	return lastErr
}

// rollbackActivation undoes the persisted half of a failed activation:
// a pre-existing row goes back to its exact prior shape, a row created
// by this attempt is removed.
func (s *Session) rollbackActivation(ctx context.Context, wasExisting bool, prev store.ChannelIntegration, id string) {
	if wasExisting {
		if err := s.mgr.Store.UpdateIntegration(ctx, store.IntegrationUpdate{
			ID: prev.ID, TenantID: prev.TenantID,
			IsEnabled:        prev.IsEnabled,
			ConnectionStatus: prev.ConnectionStatus,
			InstanceName:     prev.InstanceName,
			Now:              util.NowUTC(),
		}); err != nil {
			slog.Error("activation rollback failed", "tenant_id", s.TenantID, "integration_id", prev.ID, "err", err)
		}
		return
	}
	if err := s.mgr.Store.DeleteIntegration(ctx, id, s.TenantID); err != nil {
		slog.Error("activation rollback delete failed", "tenant_id", s.TenantID, "integration_id", id, "err", err)
	}
}

// deactivate flips the channel off locally first, then cleans up the
// row and the remote instance on a best-effort basis.
func (s *Session) deactivate(ctx context.Context) error {
	s.mu.Lock()
	s.enabled = false
	s.state.Disable()
	s.syncPollingLocked()
	id := s.integrationID
	name := s.instanceName
	gw := s.gw
	s.mu.Unlock()

	if id == "" {
		itg, found, err := s.mgr.Store.GetIntegration(ctx, s.TenantID, string(s.Channel))
		if err == nil && found {
			id = itg.ID
			if name == "" {
				name = itg.InstanceName
			}
			gw = s.mgr.gatewayFor(itg)
		}
	}
	if gw == nil {
		gw = s.mgr.NewGateway(s.mgr.Defaults)
	}

	if id != "" {
		if err := s.mgr.Store.UpdateIntegration(ctx, store.IntegrationUpdate{
			ID: id, TenantID: s.TenantID,
			IsEnabled: false, ConnectionStatus: string(domain.StatusDisconnected), InstanceName: name,
			Now: util.NowUTC(),
		}); err != nil {
			observability.Activations.WithLabelValues("deactivate", "error").Inc()
			slog.Warn("deactivate persist failed", "tenant_id", s.TenantID, "err", err)
		}
	}

	// Remote cleanup never blocks the local disabled outcome.
	if name != "" {
		if err := gw.Disconnect(ctx, name); err != nil {
			slog.Warn("instance disconnect failed", "tenant_id", s.TenantID, "instance", name, "err", err)
		}
		if err := gw.Delete(ctx, name); err != nil {
			slog.Warn("instance delete failed", "tenant_id", s.TenantID, "instance", name, "err", err)
		}
	}
	if res := gw.Manage(ctx, s.TenantSlug, "disconnect"); res.Error != "" {
		slog.Warn("catch-all disconnect reported error", "tenant_id", s.TenantID, "detail", res.Error)
	}

	observability.Activations.WithLabelValues("deactivate", "ok").Inc()
	s.emitNotice(domain.NoticeDeactivated)
	return nil
}
