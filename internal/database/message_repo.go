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

const messageCollectionName = "messages"

// MongoMessageRepository implements MessageRepository for MongoDB.
type MongoMessageRepository struct {
	collection *mongo.Collection
}

// NewMongoMessageRepository creates a new MongoDB message repository.
func NewMongoMessageRepository(db *mongo.Database) *MongoMessageRepository {
	return &MongoMessageRepository{
		collection: db.Collection(messageCollectionName),
	}
}

// Create inserts a newly ingested message. The unique
// (channel_id, telegram_id) index makes a duplicate insert fail with
// ErrDuplicateMessage, which the pipeline treats as "already seen".
func (r *MongoMessageRepository) Create(ctx context.Context, m *models.Message) error {
	if m.ID.IsZero() {
		m.ID = primitive.NewObjectID()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	if _, err := r.collection.InsertOne(ctx, m); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return ErrDuplicateMessage
		}
		return fmt.Errorf("failed to insert message %d for channel %s: %w", m.TelegramID, m.ChannelID.Hex(), err)
	}
	return nil
}

// Exists reports whether the (channel, telegram id) pair is already stored.
func (r *MongoMessageRepository) Exists(ctx context.Context, channelID primitive.ObjectID, telegramID int64) (bool, error) {
	filter := bson.M{"channel_id": channelID, "telegram_id": telegramID}
	count, err := r.collection.CountDocuments(ctx, filter, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("failed to check message existence: %w", err)
	}
	return count > 0, nil
}

// GetByTelegramID retrieves a stored message by its external identity.
func (r *MongoMessageRepository) GetByTelegramID(ctx context.Context, channelID primitive.ObjectID, telegramID int64) (*models.Message, error) {
	var m models.Message
	filter := bson.M{"channel_id": channelID, "telegram_id": telegramID}
	err := r.collection.FindOne(ctx, filter).Decode(&m)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, ErrMessageNotFound
		}
		return nil, fmt.Errorf("failed to find message %d in channel %s: %w", telegramID, channelID.Hex(), err)
	}
	return &m, nil
}

// RecentTelegramIDs returns the newest non-deleted external ids for the
// channel, newest first. Used for absence-based deletion detection.
func (r *MongoMessageRepository) RecentTelegramIDs(ctx context.Context, channelID primitive.ObjectID, limit int) ([]int64, error) {
	filter := bson.M{"channel_id": channelID, "is_deleted": false}
	findOptions := options.Find()
	findOptions.SetSort(bson.D{{Key: "telegram_id", Value: -1}})
	findOptions.SetLimit(int64(limit))
	findOptions.SetProjection(bson.M{"telegram_id": 1})

	cursor, err := r.collection.Find(ctx, filter, findOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to find recent messages for channel %s: %w", channelID.Hex(), err)
	}
	defer cursor.Close(ctx)

	var ids []int64
	for cursor.Next(ctx) {
		var m models.Message
		if err := cursor.Decode(&m); err != nil {
			return nil, fmt.Errorf("failed to decode message: %w", err)
		}
		ids = append(ids, m.TelegramID)
	}
	if err := cursor.Err(); err != nil {
		return nil, fmt.Errorf("message cursor error: %w", err)
	}
	return ids, nil
}

// MarkDeleted flips is_deleted exactly once. Deletion is monotonic: an
// already-deleted message matches nothing and the call reports false.
func (r *MongoMessageRepository) MarkDeleted(ctx context.Context, channelID primitive.ObjectID, telegramID int64, at time.Time) (bool, error) {
	filter := bson.M{
		"channel_id":  channelID,
		"telegram_id": telegramID,
		"is_deleted":  false,
	}
	update := bson.M{"$set": bson.M{"is_deleted": true, "deleted_at": at}}
	result, err := r.collection.UpdateOne(ctx, filter, update)
	if err != nil {
		return false, fmt.Errorf("failed to mark message %d deleted in channel %s: %w", telegramID, channelID.Hex(), err)
	}
	return result.ModifiedCount > 0, nil
}
