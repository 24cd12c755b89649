package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"chanlink/internal/domain"
	"chanlink/internal/store"
)

// RequestPairing opens the pairing surface and asks the gateway to
// start the link. Three outcomes: an artifact to display, an instance
// that turns out to be connected already, or a failure that closes the
// surface again with a single notice.
func (s *Session) RequestPairing(ctx context.Context) (string, error) {
	if err := s.beginOp(); err != nil {
		return "", err
	}
	defer s.endOp()

	itg, found, err := s.mgr.Store.GetIntegration(ctx, s.TenantID, string(s.Channel))
	if err != nil {
		if errors.Is(err, store.ErrTenantMismatch) {
			return "", fmt.Errorf("%w: %v", domain.ErrSecurityViolation, err)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	if !found || !itg.IsEnabled || itg.InstanceName == "" {
		return "", fmt.Errorf("%w: channel not activated", domain.ErrValidation)
	}

	gw := s.mgr.gatewayFor(itg)
	s.mu.Lock()
	s.integrationID = itg.ID
	s.instanceName = itg.InstanceName
	s.gw = gw
	s.state.OpenSurface()
	s.syncPollingLocked()
	s.mu.Unlock()

	artifact, err := gw.Connect(ctx, itg.InstanceName)
	if err != nil {
		s.failPairing("Pairing unavailable", err.Error())
		return "", fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}

	if artifact != "" {
		s.mu.Lock()
		s.state.PairingArtifact = artifact
		s.state.Status = domain.StatusConnecting
		s.mu.Unlock()
		s.emitNotice(domain.NoticePairingReady)
		return artifact, nil
	}

	// No artifact issued. The usual reason is that the instance is
	// already linked; confirm before treating it as a failure.
	raw, serr := gw.ConnectionState(ctx, itg.InstanceName)
	if serr == nil && domain.ParseStatus(raw) == domain.StatusConnected {
		s.adoptConnected(ctx)
		return "", nil
	}

	s.failPairing("Pairing artifact unavailable", "The gateway issued no QR code. Try again shortly.")
	return "", fmt.Errorf("%w: no pairing artifact", domain.ErrProviderUnavailable)
}

// ClosePairingSurface abandons an in-progress pairing attempt. The
// session keeps whatever status it reached; only the surface and its
// artifact go away.
func (s *Session) ClosePairingSurface() {
	s.mu.Lock()
	s.state.CloseSurface()
	s.syncPollingLocked()
	s.mu.Unlock()
}

// RestartInstance bounces the provider instance, which recovers a
// session the provider wedged. The next poll re-observes from scratch.
func (s *Session) RestartInstance(ctx context.Context) error {
	if err := s.beginOp(); err != nil {
		return err
	}
	defer s.endOp()

	s.mu.Lock()
	name := s.instanceName
	gw := s.gw
	s.mu.Unlock()
	if name == "" || gw == nil {
		return fmt.Errorf("%w: no instance to restart", domain.ErrValidation)
	}

	if err := gw.Restart(ctx, name); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrProviderUnavailable, err)
	}
	s.mu.Lock()
	s.state.LastObserved = domain.StatusUnknown
	s.mu.Unlock()
	slog.Info("instance restarted", "tenant_id", s.TenantID, "instance", name)
	return nil
}

// adoptConnected short-circuits the state machine for the
// already-linked pairing outcome, including the persisted side effect a
// normal arrival at connected would have.
func (s *Session) adoptConnected(ctx context.Context) {
	s.mu.Lock()
	prev := s.state.Status
	s.state.Status = domain.StatusConnected
	s.state.LastObserved = domain.StatusConnected
	s.state.CloseSurface()
	s.syncPollingLocked()
	s.mu.Unlock()

	s.persist(ctx, domain.PersistConnected)
	s.emitNotice(domain.NoticeConnected)
	s.publishEvent(ctx, prev, domain.StatusConnected)
}

func (s *Session) failPairing(title, detail string) {
	s.mu.Lock()
	s.state.CloseSurface()
	s.state.PollingEnabled = false
	s.syncPollingLocked()
	s.mu.Unlock()
	s.mgr.notify(s.TenantID, s.Channel, domain.NoticeError, title, detail, "error")
}
