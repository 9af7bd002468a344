package sweep

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Clamepending/clawork/services/board/internal/ledger"
)

// Runner periodically resolves submissions whose rating window expired.
// The sweep itself is idempotent (terminal rating writes), so overlapping
// runs and restarts are harmless.
type Runner struct {
	engine   *ledger.Engine
	interval time.Duration
	log      *logrus.Entry
}

func NewRunner(engine *ledger.Engine, interval time.Duration, log *logrus.Entry) *Runner {
	return &Runner{engine: engine, interval: interval, log: log}
}

// Run blocks until ctx is cancelled, sweeping once per interval.
func (r *Runner) Run(ctx context.Context) {
	r.log.WithField("interval", r.interval.String()).Info("late-rating sweeper started")
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("late-rating sweeper stopped")
			return
		case <-ticker.C:
			n, err := r.engine.SweepLateRatings(ctx)
			if err != nil {
				r.log.WithError(err).Error("late-rating sweep failed")
				continue
			}
			if n > 0 {
				r.log.WithField("resolved", n).Info("late-rating sweep resolved submissions")
			}
		}
	}
}
