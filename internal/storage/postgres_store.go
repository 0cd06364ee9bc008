package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/invoisio/ledger/internal/config"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL.
//
// Ledger state lives in a single-row table (id = 1) holding the admin and the
// payment count; records live in their own table keyed by invoice id. A new
// record and its count increment commit in one transaction.
type PostgresStore struct {
	db      *sql.DB
	ownsDB  bool // Track if we created the DB connection (for Close())
	tables  TableNames
	metrics *metrics.Metrics
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(ctx context.Context, connectionString string, poolConfig config.PostgresPoolConfig, tables TableNames, m *metrics.Metrics) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	pingCtx, cancel := withQueryTimeout(ctx)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	config.ApplyPostgresPoolSettings(db, poolConfig)

	store := &PostgresStore{
		db:      db,
		ownsDB:  true,
		tables:  tables.withDefaults(),
		metrics: m,
	}
	if err := store.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// NewPostgresStoreWithDB creates a store on an existing connection pool.
// The pool is not closed by Close.
func NewPostgresStoreWithDB(ctx context.Context, db *sql.DB, tables TableNames, m *metrics.Metrics) (*PostgresStore, error) {
	store := &PostgresStore{
		db:      db,
		ownsDB:  false,
		tables:  tables.withDefaults(),
		metrics: m,
	}
	if err := store.createTables(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// createTables creates the tables if they don't exist and seeds the state row.
func (s *PostgresStore) createTables(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	t := s.tables
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id SMALLINT PRIMARY KEY CHECK (id = 1),
			admin TEXT,
			payment_count BIGINT NOT NULL DEFAULT 0,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		INSERT INTO %[1]s (id, payment_count) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

		CREATE TABLE IF NOT EXISTS %[2]s (
			invoice_id TEXT PRIMARY KEY,
			payer TEXT NOT NULL,
			asset_code TEXT NOT NULL,
			asset_issuer TEXT NOT NULL DEFAULT '',
			amount BIGINT NOT NULL CHECK (amount > 0),
			recorded_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS %[3]s (
			id TEXT PRIMARY KEY,
			purpose TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			consumed_at TIMESTAMPTZ
		);

		CREATE TABLE IF NOT EXISTS %[4]s (
			id TEXT PRIMARY KEY,
			event_id TEXT NOT NULL,
			topic TEXT NOT NULL,
			url TEXT NOT NULL,
			payload JSONB NOT NULL,
			headers JSONB,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_attempts INTEGER NOT NULL DEFAULT 5,
			last_error TEXT NOT NULL DEFAULT '',
			last_attempt_at TIMESTAMPTZ,
			next_attempt_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		);

		CREATE INDEX IF NOT EXISTS idx_%[2]s_payer ON %[2]s(payer);
		CREATE INDEX IF NOT EXISTS idx_%[3]s_expires ON %[3]s(expires_at);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_due ON %[4]s(status, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_%[4]s_created ON %[4]s(created_at DESC);
	`, t.State, t.Payments, t.Nonces, t.Deliveries)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create postgres tables: %w", err)
	}
	return nil
}

// Backend implements Store.
func (s *PostgresStore) Backend() string { return "postgres" }

// Ping implements Store.
func (s *PostgresStore) Ping(ctx context.Context) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close closes the database connection when this store opened it.
func (s *PostgresStore) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

// InitializeAdmin implements LedgerStore.
func (s *PostgresStore) InitializeAdmin(ctx context.Context, admin payment.Identity) error {
	defer metrics.MeasureDBQuery(s.metrics, "initialize_admin", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET admin = $1, updated_at = NOW()
		WHERE id = 1 AND admin IS NULL
	`, s.tables.State)

	result, err := s.db.ExecContext(ctx, query, admin.String())
	if err != nil {
		return fmt.Errorf("initialize admin: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return apierrors.ErrAlreadyInitialized
	}
	return nil
}

// Admin implements LedgerStore.
func (s *PostgresStore) Admin(ctx context.Context) (payment.Identity, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_admin", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var admin sql.NullString
	query := fmt.Sprintf(`SELECT admin FROM %s WHERE id = 1`, s.tables.State)
	err := s.db.QueryRowContext(ctx, query).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !admin.Valid) {
		return "", apierrors.ErrNotInitialized
	}
	if err != nil {
		return "", fmt.Errorf("get admin: %w", err)
	}
	return payment.Identity(admin.String), nil
}

// ReplaceAdmin implements LedgerStore.
func (s *PostgresStore) ReplaceAdmin(ctx context.Context, admin payment.Identity) error {
	defer metrics.MeasureDBQuery(s.metrics, "replace_admin", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET admin = $1, updated_at = NOW()
		WHERE id = 1 AND admin IS NOT NULL
	`, s.tables.State)

	result, err := s.db.ExecContext(ctx, query, admin.String())
	if err != nil {
		return fmt.Errorf("replace admin: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return apierrors.ErrNotInitialized
	}
	return nil
}

// PutPaymentIfAbsent implements LedgerStore.
func (s *PostgresStore) PutPaymentIfAbsent(ctx context.Context, rec payment.Record) error {
	defer metrics.MeasureDBQuery(s.metrics, "put_payment", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	insert := fmt.Sprintf(`
		INSERT INTO %s (invoice_id, payer, asset_code, asset_issuer, amount, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (invoice_id) DO NOTHING
	`, s.tables.Payments)

	result, err := tx.ExecContext(ctx, insert,
		rec.InvoiceID, rec.Payer.String(), rec.AssetCode, rec.AssetIssuer, rec.Amount, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return apierrors.ErrPaymentAlreadyRecorded
	}

	bump := fmt.Sprintf(`
		UPDATE %s SET payment_count = payment_count + 1, updated_at = NOW()
		WHERE id = 1
	`, s.tables.State)
	if _, err := tx.ExecContext(ctx, bump); err != nil {
		return fmt.Errorf("increment payment count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit payment: %w", err)
	}
	return nil
}

// GetPayment implements LedgerStore.
func (s *PostgresStore) GetPayment(ctx context.Context, invoiceID string) (payment.Record, error) {
	defer metrics.MeasureDBQuery(s.metrics, "get_payment", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT invoice_id, payer, asset_code, asset_issuer, amount
		FROM %s WHERE invoice_id = $1
	`, s.tables.Payments)

	var rec payment.Record
	var payer string
	err := s.db.QueryRowContext(ctx, query, invoiceID).Scan(
		&rec.InvoiceID, &payer, &rec.AssetCode, &rec.AssetIssuer, &rec.Amount)
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Record{}, apierrors.ErrPaymentNotFound
	}
	if err != nil {
		return payment.Record{}, fmt.Errorf("get payment: %w", err)
	}
	rec.Payer = payment.Identity(payer)
	return rec, nil
}

// HasPayment implements LedgerStore.
func (s *PostgresStore) HasPayment(ctx context.Context, invoiceID string) (bool, error) {
	defer metrics.MeasureDBQuery(s.metrics, "has_payment", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var exists bool
	query := fmt.Sprintf(`SELECT EXISTS(SELECT 1 FROM %s WHERE invoice_id = $1)`, s.tables.Payments)
	if err := s.db.QueryRowContext(ctx, query, invoiceID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check payment: %w", err)
	}
	return exists, nil
}

// PaymentCount implements LedgerStore.
func (s *PostgresStore) PaymentCount(ctx context.Context) (uint64, error) {
	defer metrics.MeasureDBQuery(s.metrics, "payment_count", "postgres")()
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	var count int64
	query := fmt.Sprintf(`SELECT payment_count FROM %s WHERE id = 1`, s.tables.State)
	err := s.db.QueryRowContext(ctx, query).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get payment count: %w", err)
	}
	return uint64(count), nil
}

// CreateNonce implements NonceStore.
func (s *PostgresStore) CreateNonce(ctx context.Context, nonce AuthNonce) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id, purpose, created_at, expires_at, consumed_at)
		VALUES ($1, $2, $3, $4, $5)
	`, s.tables.Nonces)

	_, err := s.db.ExecContext(ctx, query,
		nonce.ID, nonce.Purpose, nonce.CreatedAt.UTC(), nonce.ExpiresAt.UTC(), nullTimePtr(nonce.ConsumedAt))
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	return nil
}

// ConsumeNonces implements NonceStore. The conditional update only commits
// when it matched every id.
func (s *PostgresStore) ConsumeNonces(ctx context.Context, purpose string, nonceIDs []string) error {
	if len(nonceIDs) == 0 {
		return nil
	}
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`
		UPDATE %s SET consumed_at = NOW()
		WHERE id = ANY($1) AND purpose = $2 AND consumed_at IS NULL AND expires_at > NOW()
	`, s.tables.Nonces)

	result, err := tx.ExecContext(ctx, query, pq.Array(nonceIDs), purpose)
	if err != nil {
		return fmt.Errorf("consume nonces: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == int64(len(nonceIDs)) {
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit nonces: %w", err)
		}
		return nil
	}
	if err := tx.Rollback(); err != nil {
		return fmt.Errorf("rollback nonces: %w", err)
	}

	found, err := s.loadNonces(ctx, nonceIDs)
	if err != nil {
		return err
	}
	return explainBatchFailure(found, purpose, nonceIDs, time.Now())
}

func (s *PostgresStore) loadNonces(ctx context.Context, ids []string) (map[string]AuthNonce, error) {
	query := fmt.Sprintf(`
		SELECT id, purpose, created_at, expires_at, consumed_at FROM %s WHERE id = ANY($1)
	`, s.tables.Nonces)
	rows, err := s.db.QueryContext(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	defer rows.Close()

	found := make(map[string]AuthNonce, len(ids))
	for rows.Next() {
		var n AuthNonce
		var consumedAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Purpose, &n.CreatedAt, &n.ExpiresAt, &consumedAt); err != nil {
			return nil, fmt.Errorf("scan nonce: %w", err)
		}
		if consumedAt.Valid {
			n.ConsumedAt = &consumedAt.Time
		}
		found[n.ID] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load nonces: %w", err)
	}
	return found, nil
}

// CleanupExpiredNonces implements NonceStore.
func (s *PostgresStore) CleanupExpiredNonces(ctx context.Context) (int64, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`DELETE FROM %s WHERE expires_at < NOW()`, s.tables.Nonces)
	result, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}

// nullTimePtr converts a *time.Time to sql.NullTime.
func nullTimePtr(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
