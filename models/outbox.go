package models

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"bitbucket.org/mandalayfab/factory_backend/config"
	"bitbucket.org/mandalayfab/factory_backend/utils"
)

// PubSubMessageRecord is the transactional outbox row. Domain mutations
// write one of these inside the same transaction as the inventory change;
// the background dispatcher publishes committed rows to Pub/Sub. A failed
// or slow notifier therefore never rolls back or delays inventory.
type PubSubMessageRecord struct {
	ID            int                `gorm:"primaryKey;autoIncrement" json:"id"`
	EventDateTime time.Time          `gorm:"autoCreateTime;index" json:"event_date_time"`
	ReferenceId   int                `gorm:"index" json:"reference_id"`
	ReferenceType EventReferenceType `gorm:"type:varchar(30);not null" json:"reference_type"`
	Action        EventAction        `gorm:"type:varchar(40);not null" json:"action"`
	Payload       []byte             `gorm:"type:json" json:"payload"`

	// Publish lifecycle, owned by the dispatcher.
	PublishStatus    string     `gorm:"type:varchar(20);not null;default:'PENDING';index:idx_outbox_dispatch,priority:1" json:"publish_status"`
	PublishAttempts  int        `gorm:"not null;default:0" json:"publish_attempts"`
	NextAttemptAt    *time.Time `gorm:"index:idx_outbox_dispatch,priority:2" json:"next_attempt_at"`
	PublishedAt      *time.Time `json:"published_at"`
	PubSubMessageId  *string    `gorm:"type:varchar(100)" json:"pub_sub_message_id"`
	LockedAt         *time.Time `json:"locked_at"`
	LockedBy         *string    `gorm:"type:varchar(100)" json:"locked_by"`
	LastPublishError *string    `gorm:"type:varchar(1000)" json:"last_publish_error"`

	CorrelationId string    `gorm:"type:varchar(36);index" json:"correlation_id"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

func (PubSubMessageRecord) TableName() string { return "pub_sub_message_records" }

func (r *PubSubMessageRecord) ConvertToPubSubMessage() config.PubSubMessage {
	return config.PubSubMessage{
		ID:            r.ID,
		EventDateTime: r.EventDateTime,
		ReferenceId:   r.ReferenceId,
		ReferenceType: string(r.ReferenceType),
		Action:        string(r.Action),
		Payload:       r.Payload,
		CorrelationId: r.CorrelationId,
	}
}

func correlationIdFromContextOrNew(ctx context.Context) string {
	if id, ok := utils.GetCorrelationIdFromContext(ctx); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

func publishOutboxEvent(ctx context.Context, tx *gorm.DB, refType EventReferenceType, refId int, action EventAction, payload interface{}) error {
	blob, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	record := PubSubMessageRecord{
		EventDateTime: time.Now(),
		ReferenceId:   refId,
		ReferenceType: refType,
		Action:        action,
		Payload:       blob,
		PublishStatus: OutboxPublishStatusPending,
		CorrelationId: correlationIdFromContextOrNew(ctx),
	}
	return tx.Create(&record).Error
}

func publishBatchEvent(ctx context.Context, tx *gorm.DB, action EventAction, batchId int, payload interface{}) error {
	return publishOutboxEvent(ctx, tx, EventReferenceTypeBatch, batchId, action, payload)
}

func publishJobWorkEvent(ctx context.Context, tx *gorm.DB, action EventAction, jobWorkId int, payload interface{}) error {
	return publishOutboxEvent(ctx, tx, EventReferenceTypeJobWorkBatch, jobWorkId, action, payload)
}

// PublishJobWorkOverdueEvent is used by the overdue sweeper, which lives
// outside this package but still goes through the outbox.
func PublishJobWorkOverdueEvent(ctx context.Context, tx *gorm.DB, jw *JobWorkBatch) error {
	return publishJobWorkEvent(ctx, tx, EventActionJobWorkOverdue, jw.ID, jw)
}
