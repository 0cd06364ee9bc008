package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/storage"
)

// NonceIssuer hands out one-time nonces for signed messages.
type NonceIssuer struct {
	store   storage.NonceStore
	prefix  string
	ttl     time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewNonceIssuer creates an issuer. ttl bounds how long a nonce can be used.
func NewNonceIssuer(store storage.NonceStore, prefix string, ttl time.Duration, m *metrics.Metrics) *NonceIssuer {
	return &NonceIssuer{
		store:   store,
		prefix:  prefix,
		ttl:     ttl,
		metrics: m,
		now:     time.Now,
	}
}

// IssuedNonce is returned to clients with a message template to sign.
type IssuedNonce struct {
	Nonce     string    `json:"nonce"`
	Purpose   string    `json:"purpose"`
	ExpiresAt time.Time `json:"expiresAt"`
	// Template is the message to sign with <subject> filled in.
	Template string `json:"messageTemplate"`
}

// Issue creates and stores a nonce for the named operation.
func (n *NonceIssuer) Issue(ctx context.Context, purpose string) (IssuedNonce, error) {
	if !KnownOperation(purpose) {
		return IssuedNonce{}, fmt.Errorf("unknown purpose %q", purpose)
	}

	nonce, err := storage.NewAuthNonce(purpose, n.ttl, n.now())
	if err != nil {
		return IssuedNonce{}, err
	}
	if err := n.store.CreateNonce(ctx, nonce); err != nil {
		return IssuedNonce{}, fmt.Errorf("store nonce: %w", err)
	}
	n.metrics.ObserveNonceIssued(purpose)

	return IssuedNonce{
		Nonce:     nonce.ID,
		Purpose:   purpose,
		ExpiresAt: nonce.ExpiresAt,
		Template:  FormatMessage(n.prefix, purpose, "<subject>", nonce.ID),
	}, nil
}

// StartCleanup removes expired nonces every interval until ctx is done.
func (n *NonceIssuer) StartCleanup(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_, _ = n.store.CleanupExpiredNonces(ctx)
			}
		}
	}()
}
