package database

import (
	"context"
	"fmt"
	"time"

	"chanwatch/internal/database/models"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const webhookCollectionName = "webhooks"

// MongoWebhookRepository implements WebhookRepository for MongoDB.
type MongoWebhookRepository struct {
	collection *mongo.Collection
}

// NewMongoWebhookRepository creates a new MongoDB webhook repository.
func NewMongoWebhookRepository(db *mongo.Database) *MongoWebhookRepository {
	return &MongoWebhookRepository{
		collection: db.Collection(webhookCollectionName),
	}
}

// GetByID retrieves a single webhook by its MongoDB ObjectID.
func (r *MongoWebhookRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Webhook, error) {
	var w models.Webhook
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrWebhookNotFound
		}
		return nil, fmt.Errorf("failed to find webhook %s: %w", id.Hex(), err)
	}
	return &w, nil
}

// Create registers a new webhook endpoint.
func (r *MongoWebhookRepository) Create(ctx context.Context, w *models.Webhook) error {
	if w.ID.IsZero() {
		w.ID = primitive.NewObjectID()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, w); err != nil {
		return fmt.Errorf("failed to insert webhook %q: %w", w.URL, err)
	}
	return nil
}

// ListActiveForEvent returns active webhooks subscribed to the event type,
// including those subscribed to everything.
func (r *MongoWebhookRepository) ListActiveForEvent(ctx context.Context, eventType string) ([]models.Webhook, error) {
	filter := bson.M{
		"status":     models.WebhookStatusActive,
		"event_type": bson.M{"$in": []string{eventType, models.WebhookEventAll}},
	}
	cursor, err := r.collection.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to find webhooks for event %q: %w", eventType, err)
	}
	defer cursor.Close(ctx)

	var webhooks []models.Webhook
	if err = cursor.All(ctx, &webhooks); err != nil {
		return nil, fmt.Errorf("failed to decode webhooks: %w", err)
	}
	return webhooks, nil
}

// RecordSuccess resets the failure counter and stamps last_triggered.
func (r *MongoWebhookRepository) RecordSuccess(ctx context.Context, id primitive.ObjectID) error {
	update := bson.M{"$set": bson.M{
		"failure_count":  0,
		"last_error":     "",
		"last_triggered": time.Now(),
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to record webhook %s success: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrWebhookNotFound
	}
	return nil
}

// RecordFailure increments the failure counter atomically and returns the
// new value so the dispatcher can decide whether to disable the webhook.
func (r *MongoWebhookRepository) RecordFailure(ctx context.Context, id primitive.ObjectID, lastError string) (int, error) {
	update := bson.M{
		"$inc": bson.M{"failure_count": 1},
		"$set": bson.M{"last_error": lastError},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var w models.Webhook
	err := r.collection.FindOneAndUpdate(ctx, bson.M{"_id": id}, update, opts).Decode(&w)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return 0, ErrWebhookNotFound
		}
		return 0, fmt.Errorf("failed to record webhook %s failure: %w", id.Hex(), err)
	}
	return w.FailureCount, nil
}

// UpdateStatus moves the webhook between active/inactive/failed.
func (r *MongoWebhookRepository) UpdateStatus(ctx context.Context, id primitive.ObjectID, status string) error {
	update := bson.M{"$set": bson.M{"status": status}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update webhook %s status: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrWebhookNotFound
	}
	return nil
}
