package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/rs/zerolog"
)

// ErrUnauthorized is returned for every authorization failure. The cause is
// logged and counted but never returned to the caller.
var ErrUnauthorized = errors.New("unauthorized")

// Operation names a protected action. Signed messages bind to both fields.
type Operation struct {
	Name    string
	Subject string
}

// Operation names.
const (
	OpRecordPayment  = "record_payment"
	OpSetAdmin       = "set_admin"
	OpListDeliveries = "list_deliveries"
	OpRetryDelivery  = "retry_delivery"
)

// DeliveryListSubject is the subject signed for OpListDeliveries, which has no natural one.
const DeliveryListSubject = "list"

// KnownOperation reports whether name is an operation a nonce may be issued for.
func KnownOperation(name string) bool {
	switch name {
	case OpRecordPayment, OpSetAdmin, OpListDeliveries, OpRetryDelivery:
		return true
	default:
		return false
	}
}

// Authorizer decides whether the current request carries a valid proof for an identity.
type Authorizer interface {
	// RequireAuth returns nil when ctx proves id authorized op, else an error
	// wrapping ErrUnauthorized.
	RequireAuth(ctx context.Context, id payment.Identity, op Operation) error
	// RequireAll is RequireAuth for several identities at once. A rejection
	// consumes none of the proofs' nonces.
	RequireAll(ctx context.Context, ids []payment.Identity, op Operation) error
}

type proofsKey struct{}

// WithProofs attaches request proofs to ctx.
func WithProofs(ctx context.Context, proofs []Proof) context.Context {
	return context.WithValue(ctx, proofsKey{}, proofs)
}

// ProofsFromContext returns the proofs attached by WithProofs.
func ProofsFromContext(ctx context.Context) []Proof {
	proofs, _ := ctx.Value(proofsKey{}).([]Proof)
	return proofs
}

// SignatureAuthorizer verifies ed25519 proofs and consumes their nonces.
type SignatureAuthorizer struct {
	nonces  storage.NonceStore
	prefix  string
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewSignatureAuthorizer builds an authorizer whose messages start with prefix.
func NewSignatureAuthorizer(nonces storage.NonceStore, prefix string, m *metrics.Metrics, log zerolog.Logger) *SignatureAuthorizer {
	return &SignatureAuthorizer{
		nonces:  nonces,
		prefix:  prefix,
		metrics: m,
		logger:  logger.Component(log, "auth"),
	}
}

// RequireAuth implements Authorizer.
func (a *SignatureAuthorizer) RequireAuth(ctx context.Context, id payment.Identity, op Operation) error {
	return a.RequireAll(ctx, []payment.Identity{id}, op)
}

// RequireAll implements Authorizer. Every proof is checked before any nonce
// is consumed, and the nonces are consumed together.
func (a *SignatureAuthorizer) RequireAll(ctx context.Context, ids []payment.Identity, op Operation) error {
	proofs := ProofsFromContext(ctx)
	nonces := make([]string, 0, len(ids))
	seen := make(map[payment.Identity]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true

		nonce, reason, cause := a.check(proofs, id, op)
		if reason != "" {
			return a.reject(ctx, op, reason, cause)
		}
		nonces = append(nonces, nonce)
	}
	if len(nonces) == 0 {
		return a.reject(ctx, op, "no_identity", nil)
	}

	if err := a.nonces.ConsumeNonces(ctx, op.Name, nonces); err != nil {
		switch {
		case errors.Is(err, storage.ErrNonceNotFound):
			return a.reject(ctx, op, "nonce_unknown", nil)
		case errors.Is(err, storage.ErrNoncePurpose):
			return a.reject(ctx, op, "nonce_purpose_mismatch", nil)
		case errors.Is(err, storage.ErrNonceConsumed):
			return a.reject(ctx, op, "nonce_replayed", nil)
		case errors.Is(err, storage.ErrNonceExpired):
			return a.reject(ctx, op, "nonce_expired", nil)
		default:
			// Storage outage: still unauthorized, but logged as an error.
			log := logger.FromContext(ctx, a.logger)
			log.Error().Err(err).Str("operation", op.Name).Msg("auth.nonce_store_failed")
			return fmt.Errorf("%w: nonce check failed", ErrUnauthorized)
		}
	}
	return nil
}

// check finds id's proof among proofs and verifies it for op without touching
// the nonce store. It returns the proof's nonce, or the rejection reason.
func (a *SignatureAuthorizer) check(proofs []Proof, id payment.Identity, op Operation) (nonce, reason string, cause error) {
	if id.IsZero() {
		return "", "no_identity", nil
	}

	var proof *Proof
	for i := range proofs {
		if proofs[i].Signer == id.String() {
			proof = &proofs[i]
			break
		}
	}
	if proof == nil {
		return "", "missing_proof", nil
	}

	// Verify the signature before looking at the message so a forged request
	// never reaches the nonce store.
	if err := VerifySignature(*proof); err != nil {
		return "", "bad_signature", err
	}

	head, nonce, ok := splitMessage(proof.Message)
	if !ok || head != a.prefix+":"+op.Name+":"+op.Subject {
		return "", "message_mismatch", nil
	}
	return nonce, "", nil
}

func (a *SignatureAuthorizer) reject(ctx context.Context, op Operation, reason string, cause error) error {
	a.metrics.ObserveAuthFailure(reason)
	log := logger.FromContext(ctx, a.logger)
	event := log.Warn().
		Str("operation", op.Name).
		Str("reason", reason)
	if cause != nil {
		event = event.Err(cause)
	}
	event.Msg("auth.rejected")
	return fmt.Errorf("%w: %s", ErrUnauthorized, reason)
}

// StaticAuthorizer authorizes a fixed set of identities. Used in tests and
// for trusted single-operator deployments.
type StaticAuthorizer struct {
	allowed map[payment.Identity]bool
}

// NewStaticAuthorizer authorizes exactly the given identities.
func NewStaticAuthorizer(ids ...payment.Identity) *StaticAuthorizer {
	s := &StaticAuthorizer{allowed: make(map[payment.Identity]bool, len(ids))}
	for _, id := range ids {
		s.allowed[id] = true
	}
	return s
}

// Allow adds an identity.
func (s *StaticAuthorizer) Allow(id payment.Identity) {
	s.allowed[id] = true
}

// Revoke removes an identity.
func (s *StaticAuthorizer) Revoke(id payment.Identity) {
	delete(s.allowed, id)
}

// RequireAuth implements Authorizer.
func (s *StaticAuthorizer) RequireAuth(_ context.Context, id payment.Identity, _ Operation) error {
	if s.allowed[id] {
		return nil
	}
	return ErrUnauthorized
}

// RequireAll implements Authorizer.
func (s *StaticAuthorizer) RequireAll(ctx context.Context, ids []payment.Identity, op Operation) error {
	if len(ids) == 0 {
		return ErrUnauthorized
	}
	for _, id := range ids {
		if err := s.RequireAuth(ctx, id, op); err != nil {
			return err
		}
	}
	return nil
}
