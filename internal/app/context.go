package app

import (
	"context"
	"errors"
	"fmt"

	"everlaunch/internal/config"
	"everlaunch/internal/repo"
)

// ResolveConfig returns the config stored in the workspace database. On first use it
// seeds the database from everlaunch.yml when present, otherwise from the built-in
// default.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := r.UpsertConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed config: %w", err)
	}
	return seed, nil
}

// ImportConfig validates cfg and replaces the stored config.
func ImportConfig(ctx context.Context, r repo.Repo, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	return r.UpsertConfig(ctx, cfg)
}
