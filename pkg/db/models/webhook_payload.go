package models

import (
	"time"

	"github.com/google/uuid"
)

// WebhookPayload archives the raw notifier body for forensic replay.
type WebhookPayload struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey" bson:"_id"`
	ReceivedAt     time.Time `gorm:"index" bson:"receivedAt"`
	Shape          string    `gorm:"type:varchar(32)" bson:"shape"`
	SignatureValid bool      `bson:"signatureValid"`
	MatchedSecret  string    `gorm:"type:varchar(64)" bson:"matchedSecret,omitempty"`
	Body           []byte    `gorm:"type:bytea" bson:"body"`
	Results        string    `gorm:"type:text" bson:"results,omitempty"`
}

func (WebhookPayload) TableName() string {
	return "webhook_payloads"
}
