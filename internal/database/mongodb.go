package database

import (
	"context"
	"fmt"
	"log"

	"chanwatch/internal/config"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// ConnectDB establishes a connection to the MongoDB database using the provided configuration.
// It returns the MongoDB client, database object, and an error if connection fails.
func ConnectDB(ctx context.Context, cfg *config.Config) (*mongo.Client, *mongo.Database, error) {
	serverAPI := options.ServerAPI(options.ServerAPIVersion1)
	opts := options.Client().ApplyURI(cfg.MongoDBURI).SetServerAPIOptions(serverAPI)

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	// Send a ping to confirm a successful connection
	var result bson.M
	if err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "ping", Value: 1}}).Decode(&result); err != nil {
		_ = client.Disconnect(ctx)
		return nil, nil, fmt.Errorf("failed to ping MongoDB: %w", err)
	}
	log.Println("Successfully connected and pinged MongoDB!")

	db := client.Database(cfg.MongoDBDatabase)

	return client, db, nil
}

// EnsureIndexes creates the indexes the invariants rely on as a server-side
// backstop: message identity is unique per channel, and at most one active
// assignment may exist per channel.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	messageIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "channel_id", Value: 1}, {Key: "telegram_id", Value: 1}},
		Options: options.Index().SetUnique(true).SetName("channel_message_unique"),
	}
	if _, err := db.Collection(messageCollectionName).Indexes().CreateOne(ctx, messageIdx); err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}

	activeAssignmentIdx := mongo.IndexModel{
		Keys: bson.D{{Key: "channel_id", Value: 1}},
		Options: options.Index().
			SetUnique(true).
			SetName("channel_active_assignment_unique").
			SetPartialFilterExpression(bson.M{"status": "active"}),
	}
	if _, err := db.Collection(assignmentCollectionName).Indexes().CreateOne(ctx, activeAssignmentIdx); err != nil {
		return fmt.Errorf("failed to create assignment index: %w", err)
	}

	pairIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "account_id", Value: 1}, {Key: "channel_id", Value: 1}},
		Options: options.Index().SetName("account_channel_pair"),
	}
	if _, err := db.Collection(assignmentCollectionName).Indexes().CreateOne(ctx, pairIdx); err != nil {
		return fmt.Errorf("failed to create assignment pair index: %w", err)
	}

	deliveryIdx := mongo.IndexModel{
		Keys:    bson.D{{Key: "triggered_at", Value: 1}},
		Options: options.Index().SetName("delivery_triggered_at"),
	}
	if _, err := db.Collection(deliveryCollectionName).Indexes().CreateOne(ctx, deliveryIdx); err != nil {
		return fmt.Errorf("failed to create delivery index: %w", err)
	}

	return nil
}
