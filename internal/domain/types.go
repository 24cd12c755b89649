package domain

import (
	"errors"
	"time"
)

type Channel string

const (
	// ChannelWhatsApp is the only channel with real connection behavior;
	// the others are persisted placeholders.
	ChannelWhatsApp Channel = "whatsapp"
	ChannelSMS      Channel = "sms"
	ChannelEmail    Channel = "email"
)

func ParseChannel(s string) (Channel, error) {
	switch Channel(s) {
	case ChannelWhatsApp, ChannelSMS, ChannelEmail:
		return Channel(s), nil
	}
	return "", ErrValidation
}

// Session is the transient per-UI-session connection state. It is never
// persisted; the tenant store only sees confirmed stable transitions.
type Session struct {
	Status             Status
	PairingArtifact    string
	PairingSurfaceOpen bool
	PollingEnabled     bool
	LastObserved       Status
	CheckCount         int
}

// ShouldPoll reports whether the reconciliation loop has a reason to run.
func (s *Session) ShouldPoll(enabled bool) bool {
	return (enabled && s.PollingEnabled) || s.PairingSurfaceOpen
}

// OpenSurface opens the pairing surface. An open surface always implies
// active polling, and stale artifacts never survive a reopen.
func (s *Session) OpenSurface() {
	s.PairingSurfaceOpen = true
	s.PollingEnabled = true
	s.PairingArtifact = ""
	s.CheckCount = 0
}

func (s *Session) CloseSurface() {
	s.PairingSurfaceOpen = false
	s.PairingArtifact = ""
}

// Disable resets the session to the disabled invariant: disconnected,
// no artifact, no polling.
func (s *Session) Disable() {
	s.Status = StatusDisconnected
	s.PairingArtifact = ""
	s.PairingSurfaceOpen = false
	s.PollingEnabled = false
	s.LastObserved = StatusUnknown
	s.CheckCount = 0
}

// Notice is a single user-facing message emitted for a notable
// transition. Terminal failures produce exactly one of these, never a
// raw error dump.
type Notice struct {
	ID       string     `json:"id"`
	Kind     NoticeKind `json:"kind"`
	Title    string     `json:"title"`
	Detail   string     `json:"detail,omitempty"`
	Severity string     `json:"severity"`
	At       time.Time  `json:"at"`
}

// Error taxonomy. Operations wrap these so callers can branch with
// errors.Is while keeping the provider's own message in the chain.
var (
	ErrProviderUnavailable = errors.New("provider gateway unavailable")
	ErrProvisioning        = errors.New("instance provisioning failed")
	ErrPersistence         = errors.New("tenant store write failed")
	ErrValidation          = errors.New("missing tenant or instance identifier")
	ErrPairingTimeout      = errors.New("pairing attempt timed out")
	ErrPairingConflict     = errors.New("channel account in use elsewhere")
	ErrSecurityViolation   = errors.New("row does not belong to acting tenant")
	ErrBusy                = errors.New("channel operation already in progress")
)
