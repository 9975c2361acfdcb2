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

const accountCollectionName = "accounts"

// MongoAccountRepository implements AccountRepository for MongoDB.
type MongoAccountRepository struct {
	collection *mongo.Collection
}

// NewMongoAccountRepository creates a new MongoDB account repository.
func NewMongoAccountRepository(db *mongo.Database) *MongoAccountRepository {
	return &MongoAccountRepository{
		collection: db.Collection(accountCollectionName),
	}
}

// GetByID retrieves a single account by its MongoDB ObjectID.
func (r *MongoAccountRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Account, error) {
	var account models.Account
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&account)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to find account %s: %w", id.Hex(), err)
	}
	return &account, nil
}

// ListByStatus retrieves all accounts in any of the given states, ordered by
// id so selection over the result is deterministic.
func (r *MongoAccountRepository) ListByStatus(ctx context.Context, statuses ...string) ([]models.Account, error) {
	filter := bson.M{"status": bson.M{"$in": statuses}}
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "_id", Value: 1}})

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var accounts []models.Account
	if err = cursor.All(ctx, &accounts); err != nil {
		return nil, fmt.Errorf("failed to decode accounts: %w", err)
	}
	return accounts, nil
}

// UpdateStatus persists an account health transition immediately.
func (r *MongoAccountRepository) UpdateStatus(ctx context.Context, id primitive.ObjectID, status, lastError string) error {
	update := bson.M{"$set": bson.M{
		"status":     status,
		"last_error": lastError,
		"updated_at": time.Now(),
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update account %s status: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// IncChannelsCount adjusts the active-assignment counter. Decrements below
// zero are clamped: the filter requires a positive counter so the invariant
// channels_count >= 0 holds even if callers double-decrement.
func (r *MongoAccountRepository) IncChannelsCount(ctx context.Context, id primitive.ObjectID, delta int) error {
	filter := bson.M{"_id": id}
	if delta < 0 {
		filter["channels_count"] = bson.M{"$gte": -delta}
	}
	update := bson.M{
		"$inc": bson.M{"channels_count": delta},
		"$set": bson.M{"updated_at": time.Now()},
	}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return fmt.Errorf("failed to adjust channels count for account %s: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 && delta >= 0 {
		return ErrAccountNotFound
	}
	return nil
}

// TouchLastActive stamps the account as recently used.
func (r *MongoAccountRepository) TouchLastActive(ctx context.Context, id primitive.ObjectID) error {
	update := bson.M{"$set": bson.M{"last_active": time.Now()}}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to touch account %s: %w", id.Hex(), err)
	}
	return nil
}

// SaveSession stores the opaque session blob for the account.
func (r *MongoAccountRepository) SaveSession(ctx context.Context, id primitive.ObjectID, data []byte) error {
	update := bson.M{"$set": bson.M{"session_data": data, "updated_at": time.Now()}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to save session for account %s: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrAccountNotFound
	}
	return nil
}
