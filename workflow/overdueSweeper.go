package workflow

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/models"
)

// OverdueSweeper periodically flags job-work batches that sat with a
// vendor too long. It only emits JobWorkOverdue outbox events; it never
// mutates routing state.
type OverdueSweeper struct {
	DB     *gorm.DB
	Logger *logrus.Logger

	Interval   time.Duration
	MaxAgeDays int
}

func NewOverdueSweeper(db *gorm.DB, logger *logrus.Logger) *OverdueSweeper {
	return &OverdueSweeper{
		DB:         db,
		Logger:     logger,
		Interval:   time.Hour,
		MaxAgeDays: models.OverdueMaxAgeDays(),
	}
}

func (s *OverdueSweeper) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		s.sweepOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.Interval):
		}
	}
}

func (s *OverdueSweeper) sweepOnce(ctx context.Context) {
	if s.DB == nil {
		return
	}
	now := time.Now().UTC()
	overdue, err := models.OverdueJobWorkBatches(ctx, now, s.MaxAgeDays)
	if err != nil {
		if s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{"field": "OverdueSweeper"}).Error("overdue scan failed: " + err.Error())
		}
		return
	}
	for i := range overdue {
		jw := &overdue[i]
		if s.alreadyFlaggedToday(ctx, jw.ID, now) {
			continue
		}
		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return models.PublishJobWorkOverdueEvent(ctx, tx, jw)
		})
		if err != nil && s.Logger != nil {
			s.Logger.WithFields(logrus.Fields{
				"field":       "OverdueSweeper",
				"job_work_id": jw.ID,
			}).Error("failed to record overdue event: " + err.Error())
		}
	}
	if len(overdue) > 0 && s.Logger != nil {
		s.Logger.WithFields(logrus.Fields{
			"field":        "OverdueSweeper",
			"overdue":      len(overdue),
			"max_age_days": s.MaxAgeDays,
		}).Info("overdue sweep finished")
	}
}

// One overdue event per routing record per day keeps subscribers from
// being flooded on every sweep.
func (s *OverdueSweeper) alreadyFlaggedToday(ctx context.Context, jobWorkId int, now time.Time) bool {
	since := now.Truncate(24 * time.Hour)
	var count int64
	err := s.DB.WithContext(ctx).Model(&models.PubSubMessageRecord{}).
		Where("reference_type = ? AND reference_id = ? AND action = ? AND event_date_time >= ?",
			models.EventReferenceTypeJobWorkBatch, jobWorkId, models.EventActionJobWorkOverdue, since).
		Count(&count).Error
	return err == nil && count > 0
}
