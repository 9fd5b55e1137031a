package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/models"
)

// ReconciliationRunner replays every active batch's ledger on a fixed
// interval and records drift reports. Read-only apart from the report
// rows; operators act on what it finds.
type ReconciliationRunner struct {
	DB       *gorm.DB
	Logger   *logrus.Logger
	Interval time.Duration
}

func NewReconciliationRunner(db *gorm.DB, logger *logrus.Logger) *ReconciliationRunner {
	return &ReconciliationRunner{
		DB:       db,
		Logger:   logger,
		Interval: 24 * time.Hour,
	}
}

func (r *ReconciliationRunner) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		r.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Interval):
		}
	}
}

func (r *ReconciliationRunner) runOnce(ctx context.Context) {
	if r.DB == nil {
		return
	}
	start := time.Now()
	drifts, err := models.RunLedgerReconciliationChecks(ctx)
	if r.Logger == nil {
		return
	}
	fields := logrus.Fields{
		"field":    "ReconciliationRunner",
		"drifts":   drifts,
		"duration": time.Since(start).String(),
	}
	if err != nil {
		r.Logger.WithFields(fields).Error("ledger reconciliation run failed: " + err.Error())
		return
	}
	if drifts > 0 {
		r.Logger.WithFields(fields).Warn("ledger reconciliation found drift")
	} else {
		r.Logger.WithFields(fields).Info("ledger reconciliation clean")
	}
}
