package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"chanlink/internal/domain"
	"chanlink/internal/observability"
)

func (s *Session) runPolling(ctx context.Context, interval time.Duration) {
	// First check fires immediately; waiting a full interval before the
	// first look makes pairing feel dead.
	s.tick(ctx)

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		}
	}
}

// tick is one pass of the reconciliation loop: resolve the instance,
// fetch the coarse status, run the transition rules on a change, deep
// check periodically while the surface is open, then enforce the cutoff.
func (s *Session) tick(ctx context.Context) {
	s.mu.Lock()
	name := s.instanceName
	gw := s.gw
	last := s.state.LastObserved
	s.mu.Unlock()

	if name == "" || gw == nil {
		observability.StatusPolls.WithLabelValues("skipped").Inc()
		slog.Warn("status poll skipped, no instance resolved",
			"tenant_id", s.TenantID,
			"channel", s.Channel,
		)
		return
	}

	if lim := s.mgr.Limiter; lim != nil {
		waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
		err := lim.Wait(waitCtx)
		cancelWait()
		if err != nil {
			observability.StatusPolls.WithLabelValues("rate_limited").Inc()
			return
		}
	}

	raw, err := s.stateWithBreaker(ctx, gw, name)
	if err != nil {
		observability.StatusPolls.WithLabelValues("error").Inc()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// Breaker is shedding; stay quiet and let the next tick try.
			return
		}
		slog.Warn("status poll failed",
			"tenant_id", s.TenantID,
			"instance", name,
			"err", err,
		)
		return
	}
	parsed := domain.ParseStatus(raw)

	if parsed == last {
		observability.StatusPolls.WithLabelValues("unchanged").Inc()
	} else {
		observability.StatusPolls.WithLabelValues("changed").Inc()
		s.observe(ctx, parsed)
	}

	s.mu.Lock()
	s.state.CheckCount++
	count := s.state.CheckCount
	stillOpen := s.state.PairingSurfaceOpen
	s.mu.Unlock()

	// The coarse endpoint can serve a stale answer for a while, so the
	// deep check runs on its own cadence even when nothing looks changed.
	if stillOpen && s.mgr.DeepEvery > 0 && count%s.mgr.DeepEvery == 0 {
		s.deepCheck(ctx, gw, name)
	}
	s.cutoff()
}

// deepCheck asks for the detailed instance payload. Nested state hints
// may leapfrog a stale coarse answer, and a fresher artifact replaces
// the displayed one while the surface is still open.
func (s *Session) deepCheck(ctx context.Context, gw Gateway, name string) {
	info, err := gw.InstanceInfo(ctx, name)
	if err != nil {
		slog.Debug("deep check failed", "tenant_id", s.TenantID, "instance", name, "err", err)
		return
	}

	hint := domain.ParseStatus(info.StateHint())
	if domain.DeepAdoptable(hint) {
		s.observe(ctx, hint)
	}

	if info.QRCode != "" {
		s.mu.Lock()
		if s.state.PairingSurfaceOpen && s.state.Status != domain.StatusConnected {
			s.state.PairingArtifact = info.QRCode
		}
		s.mu.Unlock()
	}
}

// cutoff enforces the bounded pairing window: once the check budget is
// spent with the surface still open and no connection, the session lands
// on timeout and stops burning gateway calls.
func (s *Session) cutoff() {
	s.mu.Lock()
	if !s.state.PairingSurfaceOpen || s.state.CheckCount < s.mgr.MaxChecks {
		s.mu.Unlock()
		return
	}
	if s.state.Status == domain.StatusConnected {
		s.mu.Unlock()
		return
	}
	s.state.Status = domain.StatusTimeout
	s.state.PollingEnabled = false
	s.state.CloseSurface()
	s.syncPollingLocked()
	s.mu.Unlock()

	observability.Transitions.WithLabelValues(string(domain.StatusTimeout)).Inc()
	slog.Info("pairing window exhausted", "tenant_id", s.TenantID, "channel", s.Channel)
	s.emitNotice(domain.NoticeTimeout)
}

func (s *Session) stateWithBreaker(ctx context.Context, gw Gateway, name string) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		return gw.ConnectionState(reqCtx, name)
	}

	if s.mgr.Breaker == nil {
		v, err := call()
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
	v, err := s.mgr.Breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
