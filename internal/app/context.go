package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ChristChad-mv/careflow-sub000/internal/config"
	"github.com/ChristChad-mv/careflow-sub000/internal/repo"
)

// ResolveTenant picks the active tenant and ensures its config exists in DB,
// seeding defaults if missing. It prefers the override, then careflow.yml in
// the workspace, then a single-tenant DB.
func ResolveTenant(ctx context.Context, workspace, override string, r repo.Repo) (string, *config.Config, error) {
	fileCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	tenantID := override
	if tenantID == "" && fileCfg != nil {
		tenantID = fileCfg.Tenant.ID
	}
	if tenantID == "" {
		cfgs, err := r.ListTenantConfigs(ctx)
		if err != nil {
			return "", nil, err
		}
		if len(cfgs) != 1 {
			return "", nil, errors.New("tenant not specified; use --tenant")
		}
		tenantID = cfgs[0].Tenant.ID
	}

	cfg, err := r.GetTenantConfig(ctx, tenantID)
	if err == nil {
		cfg.Tenant.ID = tenantID
		return tenantID, cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return "", nil, err
	}
	seed := config.Default(tenantID)
	if fileCfg != nil && fileCfg.Tenant.ID == tenantID {
		seed = fileCfg
	}
	if err := r.UpsertTenantConfig(ctx, tenantID, seed); err != nil {
		return "", nil, fmt.Errorf("seed tenant config: %w", err)
	}
	return tenantID, seed, nil
}
