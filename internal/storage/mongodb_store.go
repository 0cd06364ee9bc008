package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// adminDocID is the _id of the single admin document in the state collection.
const adminDocID = "admin"

// MongoDBStore implements Store using MongoDB.
//
// Records are keyed by invoice id in _id, so the unique index on _id enforces
// write-once. The payment count is the number of record documents: records are
// never deleted, which keeps count and records consistent without a
// multi-document transaction.
type MongoDBStore struct {
	client     *mongo.Client
	db         *mongo.Database
	state      *mongo.Collection
	payments   *mongo.Collection
	nonces     *mongo.Collection
	deliveries *mongo.Collection
	metrics    *metrics.Metrics
}

type mongoAdmin struct {
	ID        string    `bson:"_id"`
	Identity  string    `bson:"identity"`
	UpdatedAt time.Time `bson:"updated_at"`
}

type mongoPayment struct {
	InvoiceID   string    `bson:"_id"`
	Payer       string    `bson:"payer"`
	AssetCode   string    `bson:"asset_code"`
	AssetIssuer string    `bson:"asset_issuer"`
	Amount      int64     `bson:"amount"`
	RecordedAt  time.Time `bson:"recorded_at"`
}

// NewMongoDBStore creates a new MongoDB-backed store.
func NewMongoDBStore(ctx context.Context, connectionString, database string, tables TableNames, m *metrics.Metrics) (*MongoDBStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(connectionString))
	if err != nil {
		return nil, fmt.Errorf("connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongodb: %w", err)
	}

	tables = tables.withDefaults()
	db := client.Database(database)
	store := &MongoDBStore{
		client:     client,
		db:         db,
		state:      db.Collection(tables.State),
		payments:   db.Collection(tables.Payments),
		nonces:     db.Collection(tables.Nonces),
		deliveries: db.Collection(tables.Deliveries),
		metrics:    m,
	}

	if err := store.createIndexes(ctx); err != nil {
		_ = client.Disconnect(ctx)
		return nil, err
	}
	return store, nil
}

// createIndexes creates secondary indexes. _id is unique already.
func (s *MongoDBStore) createIndexes(ctx context.Context) error {
	_, err := s.payments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "payer", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create payment indexes: %w", err)
	}

	_, err = s.nonces.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
	})
	if err != nil {
		return fmt.Errorf("create nonce indexes: %w", err)
	}

	_, err = s.deliveries.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "next_attempt_at", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	})
	if err != nil {
		return fmt.Errorf("create delivery indexes: %w", err)
	}
	return nil
}

// Backend implements Store.
func (s *MongoDBStore) Backend() string { return "mongodb" }

// Ping implements Store.
func (s *MongoDBStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.client.Ping(ctx, nil)
}

// Close disconnects the client.
func (s *MongoDBStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// InitializeAdmin implements LedgerStore.
func (s *MongoDBStore) InitializeAdmin(ctx context.Context, admin payment.Identity) error {
	defer metrics.MeasureDBQuery(s.metrics, "initialize_admin", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.state.InsertOne(ctx, mongoAdmin{
		ID:        adminDocID,
		Identity:  admin.String(),
		UpdatedAt: time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return apierrors.ErrAlreadyInitialized
	}
	if err != nil {
		return fmt.Errorf("initialize admin: %w", err)
	}
	return nil
}

// Admin implements LedgerStore.
func (s *MongoDBStore) Admin(ctx context.Context) (payment.Identity, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_admin", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoAdmin
	err := s.state.FindOne(ctx, bson.M{"_id": adminDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return "", apierrors.ErrNotInitialized
	}
	if err != nil {
		return "", fmt.Errorf("get admin: %w", err)
	}
	return payment.Identity(doc.Identity), nil
}

// ReplaceAdmin implements LedgerStore.
func (s *MongoDBStore) ReplaceAdmin(ctx context.Context, admin payment.Identity) error {
	defer metrics.MeasureDBQuery(s.metrics, "replace_admin", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.state.UpdateOne(ctx,
		bson.M{"_id": adminDocID},
		bson.M{"$set": bson.M{"identity": admin.String(), "updated_at": time.Now().UTC()}},
	)
	if err != nil {
		return fmt.Errorf("replace admin: %w", err)
	}
	if result.MatchedCount == 0 {
		return apierrors.ErrNotInitialized
	}
	return nil
}

// PutPaymentIfAbsent implements LedgerStore.
func (s *MongoDBStore) PutPaymentIfAbsent(ctx context.Context, rec payment.Record) error {
	defer metrics.MeasureDBQuery(s.metrics, "put_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	_, err := s.payments.InsertOne(ctx, mongoPayment{
		InvoiceID:   rec.InvoiceID,
		Payer:       rec.Payer.String(),
		AssetCode:   rec.AssetCode,
		AssetIssuer: rec.AssetIssuer,
		Amount:      rec.Amount,
		RecordedAt:  time.Now().UTC(),
	})
	if mongo.IsDuplicateKeyError(err) {
		return apierrors.ErrPaymentAlreadyRecorded
	}
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

// GetPayment implements LedgerStore.
func (s *MongoDBStore) GetPayment(ctx context.Context, invoiceID string) (payment.Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var doc mongoPayment
	err := s.payments.FindOne(ctx, bson.M{"_id": invoiceID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return payment.Record{}, apierrors.ErrPaymentNotFound
	}
	if err != nil {
		return payment.Record{}, fmt.Errorf("get payment: %w", err)
	}
	return payment.Record{
		InvoiceID:   doc.InvoiceID,
		Payer:       payment.Identity(doc.Payer),
		AssetCode:   doc.AssetCode,
		AssetIssuer: doc.AssetIssuer,
		Amount:      doc.Amount,
	}, nil
}

// HasPayment implements LedgerStore.
func (s *MongoDBStore) HasPayment(ctx context.Context, invoiceID string) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "has_payment", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	n, err := s.payments.CountDocuments(ctx, bson.M{"_id": invoiceID}, options.Count().SetLimit(1))
	if err != nil {
		return false, fmt.Errorf("check payment: %w", err)
	}
	return n > 0, nil
}

// PaymentCount implements LedgerStore.
func (s *MongoDBStore) PaymentCount(ctx context.Context) (uint64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "payment_count", "mongodb")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	n, err := s.payments.CountDocuments(ctx, bson.M{})
	if err != nil {
		return 0, fmt.Errorf("count payments: %w", err)
	}
	return uint64(n), nil
}

// CreateNonce implements NonceStore.
func (s *MongoDBStore) CreateNonce(ctx context.Context, nonce AuthNonce) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	if _, err := s.nonces.InsertOne(ctx, nonce); err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

// ConsumeNonces implements NonceStore. Without a multi-document transaction
// the batch is marked with a single update stamped with this call's time, and
// that stamp is cleared again when the update did not match every id.
func (s *MongoDBStore) ConsumeNonces(ctx context.Context, purpose string, nonceIDs []string) error {
	if len(nonceIDs) == 0 {
		return nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	now := time.Now().UTC()
	filter := bson.M{
		"_id":         bson.M{"$in": nonceIDs},
		"purpose":     purpose,
		"consumed_at": nil,
		"expires_at":  bson.M{"$gt": now},
	}
	result, err := s.nonces.UpdateMany(ctx, filter, bson.M{"$set": bson.M{"consumed_at": now}})
	if err != nil {
		return fmt.Errorf("consume nonces: %w", err)
	}
	if result.ModifiedCount == int64(len(nonceIDs)) {
		return nil
	}

	if result.ModifiedCount > 0 {
		revert := bson.M{"_id": bson.M{"$in": nonceIDs}, "consumed_at": now}
		if _, err := s.nonces.UpdateMany(ctx, revert, bson.M{"$set": bson.M{"consumed_at": nil}}); err != nil {
			return fmt.Errorf("revert nonces: %w", err)
		}
	}

	cursor, err := s.nonces.Find(ctx, bson.M{"_id": bson.M{"$in": nonceIDs}})
	if err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}
	var stored []AuthNonce
	if err := cursor.All(ctx, &stored); err != nil {
		return fmt.Errorf("decode nonces: %w", err)
	}
	found := make(map[string]AuthNonce, len(stored))
	for _, n := range stored {
		found[n.ID] = n
	}
	return explainBatchFailure(found, purpose, nonceIDs, now)
}

// CleanupExpiredNonces implements NonceStore.
func (s *MongoDBStore) CleanupExpiredNonces(ctx context.Context) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	result, err := s.nonces.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": time.Now().UTC()}})
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	return result.DeletedCount, nil
}
