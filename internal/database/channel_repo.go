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

const channelCollectionName = "channels"

// MongoChannelRepository implements ChannelRepository for MongoDB.
type MongoChannelRepository struct {
	collection *mongo.Collection
}

// NewMongoChannelRepository creates a new MongoDB channel repository.
func NewMongoChannelRepository(db *mongo.Database) *MongoChannelRepository {
	return &MongoChannelRepository{
		collection: db.Collection(channelCollectionName),
	}
}

// GetByID retrieves a single channel by its MongoDB ObjectID.
func (r *MongoChannelRepository) GetByID(ctx context.Context, id primitive.ObjectID) (*models.Channel, error) {
	var channel models.Channel
	err := r.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&channel)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to find channel %s: %w", id.Hex(), err)
	}
	return &channel, nil
}

// GetByRef retrieves a channel by its external reference (username or link).
func (r *MongoChannelRepository) GetByRef(ctx context.Context, ref string) (*models.Channel, error) {
	var channel models.Channel
	err := r.collection.FindOne(ctx, bson.M{"ref": ref}).Decode(&channel)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to find channel by ref %q: %w", ref, err)
	}
	return &channel, nil
}

// GetByTelegramID retrieves a channel by its resolved external identity.
func (r *MongoChannelRepository) GetByTelegramID(ctx context.Context, telegramID int64) (*models.Channel, error) {
	var channel models.Channel
	err := r.collection.FindOne(ctx, bson.M{"telegram_id": telegramID}).Decode(&channel)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrChannelNotFound
		}
		return nil, fmt.Errorf("failed to find channel by telegram id %d: %w", telegramID, err)
	}
	return &channel, nil
}

// Create adds a new monitored channel.
func (r *MongoChannelRepository) Create(ctx context.Context, channel *models.Channel) error {
	if channel.ID.IsZero() {
		channel.ID = primitive.NewObjectID()
	}
	if channel.CreatedAt.IsZero() {
		channel.CreatedAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, channel); err != nil {
		return fmt.Errorf("failed to insert channel %q: %w", channel.Ref, err)
	}
	return nil
}

// ListActive retrieves all channels that should be monitored, oldest first.
func (r *MongoChannelRepository) ListActive(ctx context.Context) ([]models.Channel, error) {
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{"is_active": true}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find active channels: %w", err)
	}
	defer cursor.Close(ctx)

	var channels []models.Channel
	if err = cursor.All(ctx, &channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	return channels, nil
}

// ListAll retrieves every known channel, parked ones included, oldest first.
func (r *MongoChannelRepository) ListAll(ctx context.Context) ([]models.Channel, error) {
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "created_at", Value: 1}})

	cursor, err := r.collection.Find(ctx, bson.M{}, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find channels: %w", err)
	}
	defer cursor.Close(ctx)

	var channels []models.Channel
	if err = cursor.All(ctx, &channels); err != nil {
		return nil, fmt.Errorf("failed to decode channels: %w", err)
	}
	return channels, nil
}

// UpdateEntity records the resolved Telegram identity and display metadata.
func (r *MongoChannelRepository) UpdateEntity(ctx context.Context, id primitive.ObjectID, telegramID, accessHash int64, title, username string, members int) error {
	update := bson.M{"$set": bson.M{
		"telegram_id": telegramID,
		"access_hash": accessHash,
		"title":       title,
		"username":    username,
		"members":     members,
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to update channel %s entity: %w", id.Hex(), err)
	}
	if result.MatchedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// SetActive toggles monitoring for the channel and records the last error.
func (r *MongoChannelRepository) SetActive(ctx context.Context, id primitive.ObjectID, active bool, lastError string) error {
	update := bson.M{"$set": bson.M{
		"is_active":  active,
		"last_error": lastError,
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("failed to set channel %s active=%v: %w", id.Hex(), active, err)
	}
	if result.MatchedCount == 0 {
		return ErrChannelNotFound
	}
	return nil
}

// TouchLastChecked stamps the channel as freshly polled.
func (r *MongoChannelRepository) TouchLastChecked(ctx context.Context, id primitive.ObjectID) error {
	update := bson.M{"$set": bson.M{"last_checked": time.Now()}}
	if _, err := r.collection.UpdateOne(ctx, bson.M{"_id": id}, update); err != nil {
		return fmt.Errorf("failed to touch channel %s: %w", id.Hex(), err)
	}
	return nil
}
