package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const deliveryColumns = `id, event_id, topic, url, payload, headers, status, attempts, max_attempts,
	last_error, last_attempt_at, next_attempt_at, created_at, completed_at`

// EnqueueDelivery implements DeliveryQueue.
func (s *PostgresStore) EnqueueDelivery(ctx context.Context, d Delivery) (string, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	prepareDelivery(&d, time.Now().UTC())

	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return "", fmt.Errorf("marshal headers: %w", err)
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`, s.tables.Deliveries, deliveryColumns)

	_, err = s.db.ExecContext(ctx, query,
		d.ID, d.EventID, d.Topic, d.URL, []byte(d.Payload), headersJSON, d.Status,
		d.Attempts, d.MaxAttempts, d.LastError, nullTimePtr(d.LastAttemptAt),
		d.NextAttemptAt.UTC(), d.CreatedAt.UTC(), nullTimePtr(d.CompletedAt))
	if err != nil {
		return "", fmt.Errorf("insert delivery: %w", err)
	}
	return d.ID, nil
}

// ClaimDeliveries implements DeliveryQueue. SKIP LOCKED lets several workers
// drain the queue without claiming the same row.
func (s *PostgresStore) ClaimDeliveries(ctx context.Context, limit int) ([]Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %[1]s
		SET status = $1, attempts = attempts + 1, last_attempt_at = NOW()
		WHERE id IN (
			SELECT id FROM %[1]s
			WHERE (status = $2 AND next_attempt_at <= NOW())
			   OR (status = $1 AND last_attempt_at < NOW() - $3::interval)
			ORDER BY next_attempt_at ASC
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING %[2]s
	`, s.tables.Deliveries, deliveryColumns)

	lease := fmt.Sprintf("%d seconds", int(DeliveryLease.Seconds()))
	rows, err := s.db.QueryContext(ctx, query, DeliveryProcessing, DeliveryPending, lease, limit)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var claimed []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		claimed = append(claimed, d)
	}
	return claimed, rows.Err()
}

// MarkDeliverySucceeded implements DeliveryQueue.
func (s *PostgresStore) MarkDeliverySucceeded(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, last_error = '', completed_at = NOW()
		WHERE id = $2
	`, s.tables.Deliveries)
	return s.execExpectingRow(ctx, query, DeliverySucceeded, id)
}

// MarkDeliveryFailed implements DeliveryQueue. The exhausted check happens in
// SQL so it uses the attempt count written by the claim.
func (s *PostgresStore) MarkDeliveryFailed(ctx context.Context, id, errMsg string, nextAttemptAt time.Time) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET
			last_error = $1,
			status = CASE WHEN attempts >= max_attempts THEN $2 ELSE $3 END,
			completed_at = CASE WHEN attempts >= max_attempts THEN NOW() ELSE NULL END,
			next_attempt_at = CASE WHEN attempts >= max_attempts THEN next_attempt_at ELSE $4 END
		WHERE id = $5
	`, s.tables.Deliveries)
	return s.execExpectingRow(ctx, query, errMsg, DeliveryFailed, DeliveryPending, nextAttemptAt.UTC(), id)
}

// GetDelivery implements DeliveryQueue.
func (s *PostgresStore) GetDelivery(ctx context.Context, id string) (Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE id = $1`, deliveryColumns, s.tables.Deliveries)
	d, err := scanDelivery(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, ErrNotFound
	}
	if err != nil {
		return Delivery{}, fmt.Errorf("scan delivery: %w", err)
	}
	return d, nil
}

// ListDeliveries implements DeliveryQueue.
func (s *PostgresStore) ListDeliveries(ctx context.Context, status DeliveryStatus, limit int) ([]Delivery, error) {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT %s FROM %s
		WHERE ($1::text = '' OR status = $1::text)
		ORDER BY created_at DESC
		LIMIT $2
	`, deliveryColumns, s.tables.Deliveries)

	rows, err := s.db.QueryContext(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("query deliveries: %w", err)
	}
	defer rows.Close()

	var out []Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// RetryDelivery implements DeliveryQueue.
func (s *PostgresStore) RetryDelivery(ctx context.Context, id string) error {
	ctx, cancel := withQueryTimeout(ctx)
	defer cancel()

	query := fmt.Sprintf(`
		UPDATE %s SET status = $1, attempts = 0, last_error = '', next_attempt_at = NOW(), completed_at = NULL
		WHERE id = $2
	`, s.tables.Deliveries)
	return s.execExpectingRow(ctx, query, DeliveryPending, id)
}

func (s *PostgresStore) execExpectingRow(ctx context.Context, query string, args ...interface{}) error {
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update delivery: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanDelivery(s scanner) (Delivery, error) {
	var d Delivery
	var payload, headersJSON []byte
	var lastAttemptAt, completedAt sql.NullTime

	err := s.Scan(
		&d.ID, &d.EventID, &d.Topic, &d.URL, &payload, &headersJSON, &d.Status,
		&d.Attempts, &d.MaxAttempts, &d.LastError, &lastAttemptAt,
		&d.NextAttemptAt, &d.CreatedAt, &completedAt,
	)
	if err != nil {
		return Delivery{}, err
	}

	d.Payload = json.RawMessage(payload)
	if len(headersJSON) > 0 && string(headersJSON) != "null" {
		if err := json.Unmarshal(headersJSON, &d.Headers); err != nil {
			return Delivery{}, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if lastAttemptAt.Valid {
		d.LastAttemptAt = &lastAttemptAt.Time
	}
	if completedAt.Valid {
		d.CompletedAt = &completedAt.Time
	}
	return d, nil
}
