package db

import (
	"context"
	"fmt"

	"github.com/scalarorg/session-relayer/pkg/db/models"
	"go.mongodb.org/mongo-driver/bson"
)

// SaveWebhookPayload archives the raw delivery in Mongo when configured, otherwise in postgres.
func (db *DatabaseAdapter) SaveWebhookPayload(ctx context.Context, payload *models.WebhookPayload) error {
	if db.MongoDatabase != nil {
		doc := bson.M{
			"_id":            payload.ID.String(),
			"receivedAt":     payload.ReceivedAt,
			"shape":          payload.Shape,
			"signatureValid": payload.SignatureValid,
			"matchedSecret":  payload.MatchedSecret,
			"body":           string(payload.Body),
			"results":        payload.Results,
		}
		if _, err := db.MongoDatabase.Collection(WEBHOOK_PAYLOAD_COLLECTION).InsertOne(ctx, doc); err != nil {
			return fmt.Errorf("failed to archive webhook payload in MongoDB: %w", err)
		}
		return nil
	}
	if err := db.PostgresClient.WithContext(ctx).Create(payload).Error; err != nil {
		return fmt.Errorf("failed to archive webhook payload: %w", err)
	}
	return nil
}
