package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnqueueDelivery implements DeliveryQueue.
func (s *MongoDBStore) EnqueueDelivery(ctx context.Context, d Delivery) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	prepareDelivery(&d, time.Now().UTC())
	if _, err := s.deliveries.InsertOne(ctx, d); err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return d.ID, nil
}

// ClaimDeliveries implements DeliveryQueue. Each claim is a single
// FindOneAndUpdate, so concurrent workers never receive the same document.
func (s *MongoDBStore) ClaimDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "next_attempt_at", Value: 1}}).
		SetReturnDocument(options.After)

	var claimed []Delivery
	for limit <= 0 || len(claimed) < limit {
		now := time.Now().UTC()
		filter := bson.M{"$or": bson.A{
			bson.M{"status": DeliveryPending, "next_attempt_at": bson.M{"$lte": now}},
			bson.M{"status": DeliveryProcessing, "last_attempt_at": bson.M{"$lt": now.Add(-DeliveryLease)}},
		}}
		update := bson.M{
			"$set": bson.M{"status": DeliveryProcessing, "last_attempt_at": now},
			"$inc": bson.M{"attempts": 1},
		}

		var d Delivery
		err := s.deliveries.FindOneAndUpdate(ctx, filter, update, opts).Decode(&d)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return claimed, fmt.Errorf("claim delivery: %w", err)
		}
		claimed = append(claimed, d)
	}
	return claimed, nil
}

// MarkDeliverySucceeded implements DeliveryQueue.
func (s *MongoDBStore) MarkDeliverySucceeded(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":       DeliverySucceeded,
		"last_error":   "",
		"completed_at": time.Now().UTC(),
	}})
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkDeliveryFailed implements DeliveryQueue.
func (s *MongoDBStore) MarkDeliveryFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var d Delivery
	err := s.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get delivery: %w", err)
	}

	set := bson.M{"last_error": errMsg}
	if d.IsExhausted() {
		set["status"] = DeliveryFailed
		set["completed_at"] = time.Now().UTC()
	} else {
		set["status"] = DeliveryPending
		set["next_attempt_at"] = nextAttemptAt.UTC()
	}

	if _, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": set}); err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	return nil
}

// GetDelivery implements DeliveryQueue.
func (s *MongoDBStore) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var d Delivery
	err := s.deliveries.FindOne(ctx, bson.M{"_id": id}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("get delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries implements DeliveryQueue.
func (s *MongoDBStore) ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	filter := bson.M{}
	if status != "" {
		filter["status"] = status
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.deliveries.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer cursor.Close(ctx)

	var out []Delivery
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode deliveries: %w", err)
	}
	return out, nil
}

// RetryDelivery implements DeliveryQueue.
func (s *MongoDBStore) RetryDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.deliveries.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{
		"status":          DeliveryPending,
		"attempts":        0,
		"last_error":      "",
		"next_attempt_at": time.Now().UTC(),
		"completed_at":    nil,
	}})
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrNotFound
	}
	return nil
}
