package util

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

func NewEventID() string {
	// ULID is sortable (nice for DB indexes and dashboards)
	t := time.Now().UTC()
	return "evt_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewIntegrationID() string {
	t := time.Now().UTC()
	return "itg_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// InstanceName derives the provider-side instance name for a tenant.
// One instance per tenant, no timestamp suffix, so the name is stable
// across reactivations.
func InstanceName(prefix, tenantSlug string) string {
	slug := strings.ToLower(strings.TrimSpace(tenantSlug))
	slug = strings.ReplaceAll(slug, " ", "-")
	if prefix == "" {
		return slug
	}
	return prefix + "-" + slug
}

func NowUTC() time.Time {
	return time.Now().UTC()
}
