package store

import (
	"errors"
	"time"
)

// ChannelIntegration is the persisted per-tenant record for one channel.
// Rows are never hard-deleted by normal operation; deactivation flips
// is_enabled and keeps history. Deletion only happens when rolling back
// a failed first activation.
type ChannelIntegration struct {
	ID               string
	TenantID         string
	TenantSlug       string
	ChannelType      string
	IsEnabled        bool
	ConnectionStatus string
	InstanceName     string
	APIURL           string
	APIKey           string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type IntegrationInsert struct {
	ID               string
	TenantID         string
	TenantSlug       string
	ChannelType      string
	IsEnabled        bool
	ConnectionStatus string
	InstanceName     string
	APIURL           string
	APIKey           string
	Now              time.Time
}

type IntegrationUpdate struct {
	ID               string
	TenantID         string
	IsEnabled        bool
	ConnectionStatus string
	InstanceName     string
	Now              time.Time
}

// StatusUpdate persists a confirmed connection transition. SetEnabled is
// optional; reaching connected also flips is_enabled on.
type StatusUpdate struct {
	ID               string
	TenantID         string
	ConnectionStatus string
	SetEnabled       *bool
	Now              time.Time
}

// ErrTenantMismatch is returned when a row read back from the store does
// not belong to the acting tenant. Callers must treat it as fatal to the
// operation.
var ErrTenantMismatch = errors.New("integration row does not belong to tenant")
