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

const deliveryCollectionName = "webhook_deliveries"

// MongoDeliveryRepository implements DeliveryRepository for MongoDB.
type MongoDeliveryRepository struct {
	collection *mongo.Collection
}

// NewMongoDeliveryRepository creates a new MongoDB delivery repository.
func NewMongoDeliveryRepository(db *mongo.Database) *MongoDeliveryRepository {
	return &MongoDeliveryRepository{
		collection: db.Collection(deliveryCollectionName),
	}
}

// Create inserts the audit record before the HTTP attempt is made, so every
// attempt is visible even if the process dies mid-request.
func (r *MongoDeliveryRepository) Create(ctx context.Context, d *models.WebhookDelivery) error {
	if d.ID.IsZero() {
		d.ID = primitive.NewObjectID()
	}
	if d.TriggeredAt.IsZero() {
		d.TriggeredAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, d); err != nil {
		return fmt.Errorf("failed to insert delivery record: %w", err)
	}
	return nil
}

// Complete fills the outcome fields exactly once; a record already marked
// completed is never overwritten.
func (r *MongoDeliveryRepository) Complete(ctx context.Context, id primitive.ObjectID, statusCode int, success bool, deliveryErr string) error {
	now := time.Now()
	filter := bson.M{"_id": id, "completed": false}
	update := bson.M{"$set": bson.M{
		"status_code":  statusCode,
		"success":      success,
		"completed":    true,
		"error":        deliveryErr,
		"completed_at": now,
	}}
	if _, err := r.collection.UpdateOne(ctx, filter, update); err != nil {
		return fmt.Errorf("failed to complete delivery %s: %w", id.Hex(), err)
	}
	return nil
}

// ListFailedSince returns completed, unsuccessful deliveries triggered after
// the cutoff, oldest first so retries preserve the original order.
func (r *MongoDeliveryRepository) ListFailedSince(ctx context.Context, since time.Time) ([]models.WebhookDelivery, error) {
	filter := bson.M{
		"completed":    true,
		"success":      false,
		"triggered_at": bson.M{"$gte": since},
	}
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "triggered_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find failed deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var deliveries []models.WebhookDelivery
	if err = cursor.All(ctx, &deliveries); err != nil {
		return nil, fmt.Errorf("failed to decode deliveries: %w", err)
	}
	return deliveries, nil
}
