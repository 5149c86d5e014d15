package readiness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// RefreshAll checks every registered model's engine once. Individual
// failures are folded into their records; only registry-level problems
// surface here.
func (g *Registry) RefreshAll(ctx context.Context) {
	for _, id := range g.IDs() {
		if _, err := g.CheckEngine(ctx, id, false); err != nil && !errors.Is(err, ErrUnknownModel) {
			g.logger.Warn("refresh failed", "model_id", id, "error", err)
		}
	}
}

// Refresher re-checks all models on a cron schedule so the UI's status
// indicators stay current without client polling pressure.
type Refresher struct {
	cron *cron.Cron
	reg  *Registry
}

// NewRefresher builds a refresher from a cron spec such as "@every 30s".
func NewRefresher(reg *Registry, spec string, logger *slog.Logger) (*Refresher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		reg.RefreshAll(ctx)
	})
	if err != nil {
		return nil, err
	}
	return &Refresher{cron: c, reg: reg}, nil
}

// Start launches the schedule in its own goroutine.
func (r *Refresher) Start() { r.cron.Start() }

// Stop halts the schedule; running refreshes finish.
func (r *Refresher) Stop() { r.cron.Stop() }
