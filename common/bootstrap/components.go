package bootstrap

import (
	"context"
	"fmt"

	"github.com/lyzr/flowmesh/common/cache"
	"github.com/lyzr/flowmesh/common/config"
	"github.com/lyzr/flowmesh/common/db"
	"github.com/lyzr/flowmesh/common/logger"
	"github.com/lyzr/flowmesh/common/telemetry"
)

// Components holds the shared dependencies Setup initialized.
type Components struct {
	Config    *config.Config
	Logger    *logger.Logger
	DB        *db.DB
	Cache     cache.Cache
	Telemetry *telemetry.Telemetry

	cleanupFuncs []func() error
}

// Shutdown tears components down in reverse initialization order. Call
// with defer right after Setup().
func (c *Components) Shutdown(ctx context.Context) error {
	c.Logger.Info("shutting down components")

	var errors []error
	for i := len(c.cleanupFuncs) - 1; i >= 0; i-- {
		if err := c.cleanupFuncs[i](); err != nil {
			errors = append(errors, err)
			c.Logger.Error("cleanup error", "error", err)
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("shutdown errors: %v", errors)
	}

	c.Logger.Info("shutdown complete")
	return nil
}

// Health reports whether the components with a backing service are
// reachable. The in-memory cache has nothing to probe.
func (c *Components) Health(ctx context.Context) error {
	if c.DB != nil {
		if err := c.DB.Health(ctx); err != nil {
			return fmt.Errorf("database unhealthy: %w", err)
		}
	}
	return nil
}

func (c *Components) addCleanup(fn func() error) {
	c.cleanupFuncs = append(c.cleanupFuncs, fn)
}
