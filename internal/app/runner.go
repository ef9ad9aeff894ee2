package app

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"everlaunch/internal/config"
	"everlaunch/internal/driver"
	"everlaunch/internal/repo"
	"everlaunch/internal/runner"
)

// Credentials carries backend API keys. They come from flags or the environment and
// are never stored.
type Credentials struct {
	OpenAIKey string
	GeminiKey string
}

func (c Credentials) forProvider(provider string) string {
	if provider == config.ProviderGemini {
		return c.GeminiKey
	}
	return c.OpenAIKey
}

// BuildRunner resolves the workspace config and wires a runner over r. Without a key
// for the configured provider the runner has no driver and every run reports
// runner.ErrNoBackend.
func BuildRunner(ctx context.Context, workspace string, r repo.Repo, creds Credentials, logger *zap.Logger) (runner.Runner, *config.Config, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := ResolveConfig(ctx, workspace, r)
	if err != nil {
		return runner.Runner{}, nil, err
	}
	var drv driver.Driver
	d, err := driver.New(cfg.Backend, creds.forProvider(cfg.Backend.Provider), logger)
	switch {
	case err == nil:
		drv = d
	case errors.Is(err, driver.ErrMissingAPIKey):
		logger.Warn("conversation backend disabled", zap.String("provider", cfg.Backend.Provider), zap.Error(err))
	default:
		return runner.Runner{}, nil, err
	}
	return runner.New(r, drv, cfg.Catalog(), logger), cfg, nil
}
