package deadletter

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"postal/internal/constants"
	"postal/internal/envelope"
)

// MongoSink archives dead letters in a collection keyed by report id.
type MongoSink struct {
	collection *mongo.Collection
}

func NewMongoSink(db *mongo.Database, collection string) *MongoSink {
	if collection == "" {
		collection = constants.DefaultDeadLetterCollection
	}
	return &MongoSink{collection: db.Collection(collection)}
}

func (s *MongoSink) Name() string {
	return constants.SinkMongoDB
}

// Publish upserts, so a retried publish leaves one document.
func (s *MongoSink) Publish(ctx context.Context, report *envelope.ErrorReport) error {
	_, err := s.collection.ReplaceOne(ctx,
		bson.M{"_id": report.ID},
		report,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to archive dead letter %s: %w", report.ID, err)
	}
	return nil
}

// Find returns the most recent archived reports, optionally for one endpoint.
func (s *MongoSink) Find(ctx context.Context, endpoint string, limit int64) ([]*envelope.ErrorReport, error) {
	filter := bson.M{}
	if endpoint != "" {
		filter["endpoint"] = endpoint
	}

	opts := options.Find().SetSort(bson.D{{Key: "time", Value: -1}})
	if limit > 0 {
		opts.SetLimit(limit)
	}

	cursor, err := s.collection.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to query dead letters: %w", err)
	}
	defer cursor.Close(ctx)

	var reports []*envelope.ErrorReport
	if err := cursor.All(ctx, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode dead letters: %w", err)
	}
	return reports, nil
}

// Close is a no-op: the client belongs to the caller.
func (s *MongoSink) Close() error {
	return nil
}
