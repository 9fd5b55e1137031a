package models

import (
	"context"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// ReplayOutbox requeues DEAD/FAILED outbox rows for one reference so the
// dispatcher picks them up again. Ops tooling: the event payloads are
// already committed, only delivery is retried.
func ReplayOutbox(ctx context.Context, referenceType EventReferenceType, referenceId int) (int64, error) {
	db := config.GetDB()
	res := db.WithContext(ctx).
		Model(&PubSubMessageRecord{}).
		Where("reference_type = ? AND reference_id = ? AND publish_status IN ?",
			referenceType, referenceId,
			[]string{OutboxPublishStatusDead, OutboxPublishStatusFailed}).
		Updates(map[string]interface{}{
			"publish_status":     OutboxPublishStatusPending,
			"publish_attempts":   0,
			"next_attempt_at":    nil,
			"locked_at":          nil,
			"locked_by":          nil,
			"last_publish_error": nil,
		})
	if res.Error != nil {
		return 0, res.Error
	}
	if res.RowsAffected == 0 {
		return 0, utils.ErrorRecordNotFound
	}
	return res.RowsAffected, nil
}
