// Package engine runs the channel-connection lifecycle: activation and
// deactivation sagas, pairing, and the status reconciliation loop that
// keeps the in-memory session, the tenant store, and the provider
// gateway agreeing with each other.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chanlink/internal/domain"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
	"chanlink/internal/util"
)

// Store is the slice of the tenant store the engine needs.
type Store interface {
	GetIntegration(ctx context.Context, tenantID, channelType string) (store.ChannelIntegration, bool, error)
	InsertIntegration(ctx context.Context, in store.IntegrationInsert) error
	UpdateIntegration(ctx context.Context, in store.IntegrationUpdate) error
	UpdateConnectionStatus(ctx context.Context, in store.StatusUpdate) error
	DeleteIntegration(ctx context.Context, id, tenantID string) error
}

// Gateway is the slice of the provider client the engine needs. A fresh
// one is built per operation from whichever credentials the integration
// row carries.
type Gateway interface {
	CreateInstance(ctx context.Context, name string) error
	Connect(ctx context.Context, name string) (string, error)
	ConnectionState(ctx context.Context, name string) (string, error)
	InstanceInfo(ctx context.Context, name string) (evolution.Info, error)
	Disconnect(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	FindInstanceByPrefix(ctx context.Context, slug string) (evolution.InstanceSummary, bool, error)
	Manage(ctx context.Context, slug, action string) evolution.ManageResult
}

// Notifier receives user-facing notices. Implementations must not block.
type Notifier interface {
	Notify(tenantID string, channel domain.Channel, n domain.Notice)
}

// StatusEvent is the fan-out record for one confirmed status change.
type StatusEvent struct {
	ID       string    `json:"id"`
	TenantID string    `json:"tenantId"`
	Channel  string    `json:"channel"`
	From     string    `json:"from"`
	To       string    `json:"to"`
	At       time.Time `json:"at"`
}

// EventPublisher fans confirmed status changes out to downstream
// consumers. Publish failures are logged, never surfaced to the tenant.
type EventPublisher interface {
	PublishStatusEvent(ctx context.Context, ev StatusEvent) error
}

// Manager owns one Session per (tenant, channel) and the shared
// gateway-protection machinery around them.
type Manager struct {
	Store    Store
	Notifier Notifier
	Events   EventPublisher // nil disables fan-out

	// NewGateway builds a provider client from row credentials; Defaults
	// fill in rows that carry none.
	NewGateway func(cfg evolution.Config) Gateway
	Defaults   evolution.Config

	InstancePrefix string

	FastInterval time.Duration
	SlowInterval time.Duration
	MaxChecks    int
	DeepEvery    int

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	mu       sync.Mutex
	sessions map[string]*Session
}

func sessionKey(tenantID string, channel domain.Channel) string {
	return tenantID + "/" + string(channel)
}

// Session returns the live session for the tenant and channel, creating
// and hydrating one from the store on first access.
func (m *Manager) Session(ctx context.Context, tenantID, tenantSlug string, channel domain.Channel) (*Session, error) {
	m.mu.Lock()
	if m.sessions == nil {
		m.sessions = make(map[string]*Session)
	}
	key := sessionKey(tenantID, channel)
	if s, ok := m.sessions[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	s := &Session{
		mgr:        m,
		TenantID:   tenantID,
		TenantSlug: tenantSlug,
		Channel:    channel,
	}
	m.sessions[key] = s
	m.mu.Unlock()

	if err := s.hydrate(ctx); err != nil {
		m.mu.Lock()
		delete(m.sessions, key)
		m.mu.Unlock()
		return nil, err
	}
	return s, nil
}

// CloseSession tears down the session's timers and drops it. The next
// access rehydrates from the store.
func (m *Manager) CloseSession(tenantID string, channel domain.Channel) {
	m.mu.Lock()
	key := sessionKey(tenantID, channel)
	s := m.sessions[key]
	delete(m.sessions, key)
	m.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
}

// Shutdown stops every live session's polling loop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = nil
	m.mu.Unlock()

	for _, s := range sessions {
		s.shutdown()
	}
}

func (m *Manager) gatewayFor(itg store.ChannelIntegration) Gateway {
	cfg := m.Defaults
	if itg.APIURL != "" {
		cfg.BaseURL = itg.APIURL
	}
	if itg.APIKey != "" {
		cfg.APIKey = itg.APIKey
	}
	return m.NewGateway(cfg)
}

func (m *Manager) notify(tenantID string, channel domain.Channel, kind domain.NoticeKind, title, detail, severity string) {
	if m.Notifier == nil {
		return
	}
	m.Notifier.Notify(tenantID, channel, domain.Notice{
		ID:       util.NewEventID(),
		Kind:     kind,
		Title:    title,
		Detail:   detail,
		Severity: severity,
		At:       util.NowUTC(),
	})
}
