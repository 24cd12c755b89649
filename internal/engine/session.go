package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chanlink/internal/domain"
	"chanlink/internal/observability"
	"chanlink/internal/store"
	"chanlink/internal/util"
)

// busyClearAfter bounds how long a stuck operation can hold the busy
// flag before the channel accepts commands again.
const busyClearAfter = 15 * time.Second

// Session is the live per-(tenant, channel) connection state plus the
// reconciliation loop that keeps it honest. All mutation goes through
// the session's own mutex; store and gateway calls happen outside it.
type Session struct {
	mgr        *Manager
	TenantID   string
	TenantSlug string
	Channel    domain.Channel

	mu            sync.Mutex
	state         domain.Session
	enabled       bool
	integrationID string
	instanceName  string
	gw            Gateway

	busy      bool
	busyTimer *time.Timer

	pollCancel   context.CancelFunc
	pollInterval time.Duration
}

// Snapshot is the read-only view handed to the API layer.
type Snapshot struct {
	Status             domain.Status `json:"status"`
	Enabled            bool          `json:"enabled"`
	Busy               bool          `json:"busy"`
	PairingArtifact    string        `json:"pairingArtifact,omitempty"`
	PairingSurfaceOpen bool          `json:"pairingSurfaceOpen"`
	Polling            bool          `json:"polling"`
	CheckCount         int           `json:"checkCount"`
	InstanceName       string        `json:"instanceName,omitempty"`
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Status:             s.state.Status,
		Enabled:            s.enabled,
		Busy:               s.busy,
		PairingArtifact:    s.state.PairingArtifact,
		PairingSurfaceOpen: s.state.PairingSurfaceOpen,
		Polling:            s.pollCancel != nil,
		CheckCount:         s.state.CheckCount,
		InstanceName:       s.instanceName,
	}
}

// hydrate loads the persisted record so a fresh session starts from the
// last confirmed stable state instead of a blank one.
func (s *Session) hydrate(ctx context.Context) error {
	itg, found, err := s.mgr.Store.GetIntegration(ctx, s.TenantID, string(s.Channel))
	if err != nil {
		if errors.Is(err, store.ErrTenantMismatch) {
			return fmt.Errorf("%w: %v", domain.ErrSecurityViolation, err)
		}
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !found {
		s.state.Status = domain.StatusDisconnected
		s.gw = s.mgr.NewGateway(s.mgr.Defaults)
		return nil
	}

	s.enabled = itg.IsEnabled
	s.integrationID = itg.ID
	s.instanceName = itg.InstanceName
	s.gw = s.mgr.gatewayFor(itg)

	// Only connected survives a restart; pending and anything transient
	// fold to disconnected until a poll proves otherwise.
	st := domain.ParseStatus(itg.ConnectionStatus)
	if !itg.IsEnabled || st != domain.StatusConnected {
		st = domain.StatusDisconnected
	}
	s.state.Status = st
	s.state.LastObserved = domain.StatusUnknown
	return nil
}

// beginOp claims the channel for one command. A second command while
// the flag is held gets ErrBusy; the timer clears a flag orphaned by a
// hung operation.
func (s *Session) beginOp() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busy {
		return domain.ErrBusy
	}
	s.busy = true
	s.busyTimer = time.AfterFunc(busyClearAfter, func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
	})
	return nil
}

func (s *Session) endOp() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.busyTimer != nil {
		s.busyTimer.Stop()
		s.busyTimer = nil
	}
	s.busy = false
}

func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollCancel != nil {
		s.pollCancel()
		s.pollCancel = nil
	}
	if s.busyTimer != nil {
		s.busyTimer.Stop()
		s.busyTimer = nil
	}
}

// syncPollingLocked starts, retunes, or stops the polling loop to match
// the session's current triggers. Fast cadence while the pairing surface
// is open, slow cadence for passive drift detection otherwise.
// Callers must hold s.mu.
func (s *Session) syncPollingLocked() {
	if !s.state.ShouldPoll(s.enabled) {
		if s.pollCancel != nil {
			s.pollCancel()
			s.pollCancel = nil
			s.pollInterval = 0
		}
		return
	}

	interval := s.mgr.SlowInterval
	if s.state.PairingSurfaceOpen {
		interval = s.mgr.FastInterval
	}
	if interval <= 0 {
		// A zero interval disables the background loop; ticks then only
		// happen when driven explicitly.
		return
	}
	if s.pollCancel != nil && s.pollInterval == interval {
		return
	}
	if s.pollCancel != nil {
		s.pollCancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.pollCancel = cancel
	s.pollInterval = interval
	go s.runPolling(ctx, interval)
}

// observe feeds one parsed provider report through the transition rules
// and applies every effect: state, persistence, notice, event fan-out.
// The store write completes before this returns, so the next tick always
// sees it.
func (s *Session) observe(ctx context.Context, raw domain.Status) domain.Outcome {
	s.mu.Lock()
	prev := s.state.Status
	out := domain.Transition(s.state.LastObserved, raw, s.state.PairingSurfaceOpen)
	s.state.LastObserved = raw
	if out.Changed {
		s.state.Status = out.Status
	}
	if out.ClearArtifact {
		s.state.PairingArtifact = ""
	}
	if out.CloseSurface {
		s.state.CloseSurface()
	}
	s.syncPollingLocked()
	s.mu.Unlock()

	if out.Changed {
		observability.Transitions.WithLabelValues(string(out.Status)).Inc()
	}
	s.persist(ctx, out.Persist)
	s.emitNotice(out.Notice)
	if out.Changed {
		s.publishEvent(ctx, prev, out.Status)
	}
	return out
}

// persist writes a confirmed stable transition to the tenant store.
// Failures are logged and counted, never escalated: the session keeps
// its view and the drift sweep settles the row later.
func (s *Session) persist(ctx context.Context, p domain.Persist) {
	if p == domain.PersistNone {
		return
	}
	s.mu.Lock()
	id := s.integrationID
	s.mu.Unlock()
	if id == "" {
		return
	}

	su := store.StatusUpdate{ID: id, TenantID: s.TenantID, Now: util.NowUTC()}
	switch p {
	case domain.PersistConnected:
		su.ConnectionStatus = string(domain.StatusConnected)
		enabled := true
		su.SetEnabled = &enabled
	case domain.PersistDisconnected:
		su.ConnectionStatus = string(domain.StatusDisconnected)
	}

	if err := s.mgr.Store.UpdateConnectionStatus(ctx, su); err != nil {
		observability.PersistWrites.WithLabelValues("error").Inc()
		slog.Warn("status persist failed",
			"tenant_id", s.TenantID,
			"channel", s.Channel,
			"status", su.ConnectionStatus,
			"err", err,
		)
		return
	}
	observability.PersistWrites.WithLabelValues("ok").Inc()
}

func (s *Session) publishEvent(ctx context.Context, from, to domain.Status) {
	if s.mgr.Events == nil {
		return
	}
	ev := StatusEvent{
		ID:       util.NewEventID(),
		TenantID: s.TenantID,
		Channel:  string(s.Channel),
		From:     string(from),
		To:       string(to),
		At:       util.NowUTC(),
	}
	if err := s.mgr.Events.PublishStatusEvent(ctx, ev); err != nil {
		observability.EventPublishes.WithLabelValues("error").Inc()
		slog.Warn("status event publish failed", "tenant_id", s.TenantID, "to", to, "err", err)
		return
	}
	observability.EventPublishes.WithLabelValues("ok").Inc()
}

func (s *Session) emitNotice(kind domain.NoticeKind) {
	var title, detail, severity string
	switch kind {
	case domain.NoticeNone:
		return
	case domain.NoticeScanDetected:
		title, detail, severity = "QR code scanned", "Finalizing the link with your device.", "info"
	case domain.NoticeConnected:
		title, detail, severity = "WhatsApp connected", "The channel is linked and ready.", "success"
	case domain.NoticeDisconnected:
		title, detail, severity = "WhatsApp disconnected", "The channel dropped its connection.", "warning"
	case domain.NoticeTimeout:
		title, detail, severity = "Pairing timed out", "No device was linked in time. Request a new code.", "warning"
	case domain.NoticeConflict:
		title, detail, severity = "Account in use elsewhere", "This account is linked on another device or service.", "error"
	case domain.NoticeActivated:
		title, detail, severity = "Channel activated", "Scan a QR code to link your device.", "success"
	case domain.NoticeDeactivated:
		title, detail, severity = "Channel deactivated", "", "info"
	case domain.NoticePairingReady:
		title, detail, severity = "QR code ready", "Scan it with your device to link the channel.", "info"
	default:
		title, severity = string(kind), "info"
	}
	s.mgr.notify(s.TenantID, s.Channel, kind, title, detail, severity)
}
