package storage

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNonceNotFound = errors.New("storage: nonce not found")
	ErrNonceConsumed = errors.New("storage: nonce already consumed")
	ErrNonceExpired  = errors.New("storage: nonce expired")
	ErrNoncePurpose  = errors.New("storage: nonce issued for another operation")
)

// AuthNonce is a one-time value a signer embeds in a signed message.
// Each nonce can only be consumed once and expires after its TTL.
type AuthNonce struct {
	ID         string     `json:"id" bson:"_id"`
	Purpose    string     `json:"purpose" bson:"purpose"` // operation the nonce was issued for, e.g. "record_payment"
	CreatedAt  time.Time  `json:"createdAt" bson:"created_at"`
	ExpiresAt  time.Time  `json:"expiresAt" bson:"expires_at"`
	ConsumedAt *time.Time `json:"consumedAt,omitempty" bson:"consumed_at"`
}

// IsConsumed returns true if this nonce has been used.
func (n AuthNonce) IsConsumed() bool {
	return n.ConsumedAt != nil
}

// IsExpiredAt returns true if this nonce has passed its expiration time at the given moment.
func (n AuthNonce) IsExpiredAt(now time.Time) bool {
	return now.After(n.ExpiresAt)
}

// NewAuthNonce builds an unconsumed nonce with a random 128-bit id.
func NewAuthNonce(purpose string, ttl time.Duration, now time.Time) (AuthNonce, error) {
	id, err := GenerateNonceID()
	if err != nil {
		return AuthNonce{}, err
	}
	return AuthNonce{
		ID:        id,
		Purpose:   purpose,
		CreatedAt: now.UTC(),
		ExpiresAt: now.UTC().Add(ttl),
	}, nil
}

// GenerateNonceID creates a new random nonce ID.
func GenerateNonceID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random nonce: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// checkBatch reports why the nonces ids, looked up in found, cannot all be
// consumed for purpose at now, or nil. A repeated id counts as consumed.
func checkBatch(found map[string]AuthNonce, purpose string, ids []string, now time.Time) error {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		n, ok := found[id]
		if !ok {
			return ErrNonceNotFound
		}
		if seen[id] {
			return ErrNonceConsumed
		}
		seen[id] = true
		if err := checkConsumable(n, purpose, now); err != nil {
			return err
		}
	}
	return nil
}

// explainBatchFailure is checkBatch for backends whose conditional update
// already failed. If every nonce still looks usable, a concurrent request
// consumed one in between.
func explainBatchFailure(found map[string]AuthNonce, purpose string, ids []string, now time.Time) error {
	if err := checkBatch(found, purpose, ids, now); err != nil {
		return err
	}
	return ErrNonceConsumed
}

// checkConsumable reports why a nonce cannot be consumed for purpose at now, or nil.
func checkConsumable(n AuthNonce, purpose string, now time.Time) error {
	if n.Purpose != purpose {
		return ErrNoncePurpose
	}
	if n.IsConsumed() {
		return ErrNonceConsumed
	}
	if n.IsExpiredAt(now) {
		return ErrNonceExpired
	}
	return nil
}
