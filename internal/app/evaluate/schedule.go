package evaluate

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"

	"github.com/tutu-network/appgrader/internal/domain"
)

// Schedule re-runs the evaluator on a standard 5-field cron expression until
// ctx is cancelled. Runs never overlap; a tick that arrives while a run is in
// progress is skipped.
func (e *Evaluator) Schedule(ctx context.Context, spec string, f domain.Filter) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := c.AddFunc(spec, func() {
		if _, err := e.Run(ctx, f); err != nil {
			e.log.Error("scheduled evaluation failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("parse schedule %q: %w", spec, err)
	}

	e.log.Info("evaluation scheduled", "schedule", spec)
	c.Start()
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
