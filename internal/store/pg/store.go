package pg

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"chanlink/internal/store"
)

type Store struct {
	DB *pgxpool.Pool
}

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// setTenantContext scopes the connection to the acting tenant for RLS.
// Every write goes through this first; the explicit tenant_id filters on
// the statements themselves are the second layer.
func (s *Store) setTenantContext(ctx context.Context, tenantID string) error {
	_, err := s.DB.Exec(ctx, `SELECT set_tenant_context($1)`, tenantID)
	return err
}

func (s *Store) GetIntegration(ctx context.Context, tenantID, channelType string) (store.ChannelIntegration, bool, error) {
	row := s.DB.QueryRow(ctx, `
		SELECT id, tenant_id, tenant_slug, channel_type, is_enabled,
		       COALESCE(connection_status,''), COALESCE(instance_name,''),
		       COALESCE(api_url,''), COALESCE(api_key,''),
		       created_at, updated_at
		FROM tenant_integrations WHERE tenant_id=$1 AND channel_type=$2
	`, tenantID, channelType)

	var itg store.ChannelIntegration
	err := row.Scan(&itg.ID, &itg.TenantID, &itg.TenantSlug, &itg.ChannelType,
		&itg.IsEnabled, &itg.ConnectionStatus, &itg.InstanceName,
		&itg.APIURL, &itg.APIKey, &itg.CreatedAt, &itg.UpdatedAt)
	if err != nil {
		if err.Error() == "no rows in result set" {
			return store.ChannelIntegration{}, false, nil
		}
		return store.ChannelIntegration{}, false, err
	}

	// Validate ownership of whatever came back before anyone uses it.
	if itg.TenantID != tenantID {
		return store.ChannelIntegration{}, false, store.ErrTenantMismatch
	}
	return itg, true, nil
}

func (s *Store) InsertIntegration(ctx context.Context, in store.IntegrationInsert) error {
	if err := s.setTenantContext(ctx, in.TenantID); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		INSERT INTO tenant_integrations
			(id, tenant_id, tenant_slug, channel_type, is_enabled, connection_status,
			 instance_name, api_url, api_key, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$10)
	`, in.ID, in.TenantID, in.TenantSlug, in.ChannelType, in.IsEnabled,
		in.ConnectionStatus, nullIfEmpty(in.InstanceName),
		nullIfEmpty(in.APIURL), nullIfEmpty(in.APIKey), in.Now)
	return err
}

func (s *Store) UpdateIntegration(ctx context.Context, in store.IntegrationUpdate) error {
	if err := s.setTenantContext(ctx, in.TenantID); err != nil {
		return err
	}
	ct, err := s.DB.Exec(ctx, `
		UPDATE tenant_integrations
		SET is_enabled=$3, connection_status=$4, instance_name=$5, updated_at=$6
		WHERE id=$1 AND tenant_id=$2
	`, in.ID, in.TenantID, in.IsEnabled, in.ConnectionStatus,
		nullIfEmpty(in.InstanceName), in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrTenantMismatch
	}
	return nil
}

func (s *Store) UpdateConnectionStatus(ctx context.Context, in store.StatusUpdate) error {
	if err := s.setTenantContext(ctx, in.TenantID); err != nil {
		return err
	}
	if in.SetEnabled != nil {
		ct, err := s.DB.Exec(ctx, `
			UPDATE tenant_integrations
			SET connection_status=$3, is_enabled=$4, updated_at=$5
			WHERE id=$1 AND tenant_id=$2
		`, in.ID, in.TenantID, in.ConnectionStatus, *in.SetEnabled, in.Now)
		if err != nil {
			return err
		}
		if ct.RowsAffected() == 0 {
			return store.ErrTenantMismatch
		}
		return nil
	}

	ct, err := s.DB.Exec(ctx, `
		UPDATE tenant_integrations
		SET connection_status=$3, updated_at=$4
		WHERE id=$1 AND tenant_id=$2
	`, in.ID, in.TenantID, in.ConnectionStatus, in.Now)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return store.ErrTenantMismatch
	}
	return nil
}

// DeleteIntegration hard-deletes a row. Only the activation rollback
// uses this, and only for rows it just created.
func (s *Store) DeleteIntegration(ctx context.Context, id, tenantID string) error {
	if err := s.setTenantContext(ctx, tenantID); err != nil {
		return err
	}
	_, err := s.DB.Exec(ctx, `
		DELETE FROM tenant_integrations WHERE id=$1 AND tenant_id=$2
	`, id, tenantID)
	return err
}

// ListEnabled returns every enabled integration of the given channel
// type across tenants, for the drift reconciler sweep.
func (s *Store) ListEnabled(ctx context.Context, channelType string) ([]store.ChannelIntegration, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, tenant_id, tenant_slug, channel_type, is_enabled,
		       COALESCE(connection_status,''), COALESCE(instance_name,''),
		       COALESCE(api_url,''), COALESCE(api_key,''),
		       created_at, updated_at
		FROM tenant_integrations WHERE channel_type=$1 AND is_enabled=true
	`, channelType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []store.ChannelIntegration
	for rows.Next() {
		var itg store.ChannelIntegration
		if err := rows.Scan(&itg.ID, &itg.TenantID, &itg.TenantSlug, &itg.ChannelType,
			&itg.IsEnabled, &itg.ConnectionStatus, &itg.InstanceName,
			&itg.APIURL, &itg.APIKey, &itg.CreatedAt, &itg.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, itg)
	}
	return out, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
