package domain

import "strings"

// Status is the engine's canonical connection state. It is a string type
// because the provider may report states outside the canonical set; rule
// pass-through adopts those verbatim (lowercased).
type Status string

const (
	StatusUnknown      Status = ""
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusScanning     Status = "scanning"
	StatusSyncing      Status = "syncing"
	StatusPaired       Status = "paired"
	StatusConnected    Status = "connected"
	StatusTimeout      Status = "timeout"
	StatusConflict     Status = "conflict"
)

// Stable reports whether the status is a resting state; every other
// status is transient and expected to move on a later poll.
func (s Status) Stable() bool {
	return s == StatusConnected || s == StatusDisconnected
}

// ParseStatus maps a raw provider-reported state string onto a Status.
// Provider variants for the two stable states are folded here ("open" and
// "ready" mean connected, "close"/"closed" mean disconnected); anything
// else passes through lowercased.
func ParseStatus(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "connected", "open", "ready":
		return StatusConnected
	case "disconnected", "close", "closed", "":
		return StatusDisconnected
	default:
		return Status(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Persist describes the tenant-store side effect of a transition. Only
// confirmed arrivals at connected and drops out of connected/paired are
// persisted; everything else is UI-session state.
type Persist int

const (
	PersistNone Persist = iota
	PersistConnected
	PersistDisconnected
)

// NoticeKind identifies a user-facing notice emitted by a transition.
type NoticeKind string

const (
	NoticeNone         NoticeKind = ""
	NoticeScanDetected NoticeKind = "scan_detected"
	NoticeConnected    NoticeKind = "connected"
	NoticeDisconnected NoticeKind = "disconnected"
	NoticeTimeout      NoticeKind = "timeout"
	NoticeConflict     NoticeKind = "conflict"
	NoticeActivated    NoticeKind = "activated"
	NoticeDeactivated  NoticeKind = "deactivated"
	NoticePairingReady NoticeKind = "pairing_ready"
	NoticeError        NoticeKind = "error"
)

// Outcome is the result of applying the transition rules to one raw
// status report.
type Outcome struct {
	Status        Status
	Changed       bool
	Persist       Persist
	ClearArtifact bool
	CloseSurface  bool
	Notice        NoticeKind
}

// Transition applies the canonical transition rules to a new raw status
// report. It is a pure function of (last raw status, new raw status,
// pairing surface open); raw must already be parsed via ParseStatus.
// A report equal to the last observed one is a no-op.
func Transition(last, raw Status, surfaceOpen bool) Outcome {
	if raw == last {
		return Outcome{Status: raw}
	}

	switch {
	// The provider reports "connecting" when the instance is merely ready
	// to issue a pairing artifact. Without an open pairing surface that
	// must read as disconnected, keeping the request-pairing affordance
	// visible.
	case raw == StatusConnecting && !surfaceOpen:
		return Outcome{Status: StatusDisconnected, Changed: true}

	// First movement off disconnected while the surface is open means the
	// artifact was just consumed by the remote device.
	case surfaceOpen &&
		(last == StatusDisconnected || last == StatusUnknown) &&
		(raw == StatusConnecting || raw == StatusPaired || raw == StatusSyncing):
		return Outcome{Status: StatusScanning, Changed: true, Notice: NoticeScanDetected}

	// Any changed arrival at connected, no matter what was observed
	// before it. The provider can jump straight from close to open when
	// the device links between two polls, and the deep check may adopt
	// connected directly; every such path takes the full outcome.
	case raw == StatusConnected:
		return Outcome{
			Status:        StatusConnected,
			Changed:       true,
			Persist:       PersistConnected,
			ClearArtifact: true,
			CloseSurface:  true,
			Notice:        NoticeConnected,
		}

	case raw == StatusDisconnected &&
		(last == StatusConnected || last == StatusPaired):
		return Outcome{
			Status:  StatusDisconnected,
			Changed: true,
			Persist: PersistDisconnected,
			Notice:  NoticeDisconnected,
		}

	case raw == StatusTimeout:
		return Outcome{Status: StatusTimeout, Changed: true, Notice: NoticeTimeout}

	case raw == StatusConflict:
		return Outcome{Status: StatusConflict, Changed: true, Notice: NoticeConflict}

	default:
		return Outcome{Status: raw, Changed: true}
	}
}

// DeepStates are the states a detailed-info probe may adopt directly,
// leapfrogging the coarse poll result.
func DeepAdoptable(s Status) bool {
	return s == StatusConnected || s == StatusPaired || s == StatusSyncing
}
