package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chanlink/internal/domain"
	"chanlink/internal/observability"
	"chanlink/internal/provider/evolution"
	"chanlink/internal/store"
	"chanlink/internal/util"
)

// SweepStore is the slice of the tenant store the sweeper needs.
type SweepStore interface {
	ListEnabled(ctx context.Context, channelType string) ([]store.ChannelIntegration, error)
	UpdateConnectionStatus(ctx context.Context, in store.StatusUpdate) error
}

// Sweeper is the cross-tenant safety net behind the per-session loops.
// It periodically compares every enabled integration's persisted status
// with the provider's view and settles stable drift.
type Sweeper struct {
	Store      SweepStore
	NewGateway func(cfg evolution.Config) Gateway
	Defaults   evolution.Config
	Events     EventPublisher

	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker
}

// Sweep runs one reconciliation pass over the given channel type.
func (sw *Sweeper) Sweep(ctx context.Context, channel domain.Channel) error {
	rows, err := sw.Store.ListEnabled(ctx, string(channel))
	if err != nil {
		return err
	}

	var drifted int
	for _, itg := range rows {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if itg.InstanceName == "" {
			continue
		}
		if sw.Limiter != nil {
			if err := sw.Limiter.Wait(ctx); err != nil {
				return err
			}
		}

		cfg := sw.Defaults
		if itg.APIURL != "" {
			cfg.BaseURL = itg.APIURL
		}
		if itg.APIKey != "" {
			cfg.APIKey = itg.APIKey
		}
		gw := sw.NewGateway(cfg)

		raw, err := sw.stateWithBreaker(ctx, gw, itg.InstanceName)
		if err != nil {
			observability.StatusPolls.WithLabelValues("error").Inc()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				// Gateway is down across the board; abort the pass.
				return err
			}
			slog.Warn("sweep state check failed",
				"tenant_id", itg.TenantID,
				"instance", itg.InstanceName,
				"err", err,
			)
			continue
		}

		persisted := domain.ParseStatus(itg.ConnectionStatus)
		out := domain.Transition(persisted, domain.ParseStatus(raw), false)
		settled := out.Status
		if !settled.Stable() || settled == persisted {
			observability.StatusPolls.WithLabelValues("unchanged").Inc()
			continue
		}

		if err := sw.Store.UpdateConnectionStatus(ctx, store.StatusUpdate{
			ID:               itg.ID,
			TenantID:         itg.TenantID,
			ConnectionStatus: string(settled),
			Now:              util.NowUTC(),
		}); err != nil {
			observability.PersistWrites.WithLabelValues("error").Inc()
			slog.Warn("sweep persist failed", "tenant_id", itg.TenantID, "integration_id", itg.ID, "err", err)
			continue
		}
		observability.PersistWrites.WithLabelValues("ok").Inc()
		observability.Transitions.WithLabelValues(string(settled)).Inc()
		drifted++

		slog.Info("sweep settled drift",
			"tenant_id", itg.TenantID,
			"instance", itg.InstanceName,
			"from", persisted,
			"to", settled,
		)
		if sw.Events != nil {
			ev := StatusEvent{
				ID:       util.NewEventID(),
				TenantID: itg.TenantID,
				Channel:  string(channel),
				From:     string(persisted),
				To:       string(settled),
				At:       util.NowUTC(),
			}
			if err := sw.Events.PublishStatusEvent(ctx, ev); err != nil {
				observability.EventPublishes.WithLabelValues("error").Inc()
				slog.Warn("sweep event publish failed", "tenant_id", itg.TenantID, "err", err)
			} else {
				observability.EventPublishes.WithLabelValues("ok").Inc()
			}
		}
	}

	slog.Info("sweep complete", "channel", channel, "rows", len(rows), "drifted", drifted)
	return nil
}

func (sw *Sweeper) stateWithBreaker(ctx context.Context, gw Gateway, name string) (string, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()
		return gw.ConnectionState(reqCtx, name)
	}

	if sw.Breaker == nil {
		v, err := call()
		if err != nil {
			return "", err
		}
		return v.(string), nil
	}
	v, err := sw.Breaker.Execute(call)
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
