package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureDeadLetterCollection creates the indexes the dead letter archive is
// queried by. The collection itself appears on first insert.
func EnsureDeadLetterCollection(ctx context.Context, db *mongo.Database, name string) error {
	collection := db.Collection(name)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "time", Value: -1}},
			Options: options.Index().SetName("idx_dead_letters_time"),
		},
		{
			Keys:    bson.D{{Key: "endpoint", Value: 1}, {Key: "time", Value: -1}},
			Options: options.Index().SetName("idx_dead_letters_endpoint_time"),
		},
		{
			Keys:    bson.D{{Key: "envelope_id", Value: 1}},
			Options: options.Index().SetName("idx_dead_letters_envelope_id"),
		},
		{
			Keys:    bson.D{{Key: "message_type", Value: 1}},
			Options: options.Index().SetName("idx_dead_letters_message_type"),
		},
	}

	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
