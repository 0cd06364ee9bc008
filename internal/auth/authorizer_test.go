package auth

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

const testPrefix = "invoisio-ledger"

func newTestAuthorizer(t *testing.T) (*SignatureAuthorizer, *NonceIssuer, *metrics.Metrics) {
	t.Helper()
	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	m := metrics.New(prometheus.NewRegistry())
	return NewSignatureAuthorizer(store, testPrefix, m, zerolog.Nop()),
		NewNonceIssuer(store, testPrefix, time.Minute, m),
		m
}

func signedContext(t *testing.T, key solana.PrivateKey, message string) context.Context {
	t.Helper()
	proof, err := Sign(key, message)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	return WithProofs(context.Background(), []Proof{proof})
}

func TestSignatureAuthorizer_AcceptsValidProofOnce(t *testing.T) {
	authz, issuer, _ := newTestAuthorizer(t)
	wallet := solana.NewWallet()
	id := payment.IdentityFromPublicKey(wallet.PublicKey())

	issued, err := issuer.Issue(context.Background(), OpRecordPayment)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	op := Operation{Name: OpRecordPayment, Subject: "INV-1"}
	ctx := signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, issued.Nonce))

	if err := authz.RequireAuth(ctx, id, op); err != nil {
		t.Fatalf("RequireAuth failed: %v", err)
	}
	if err := authz.RequireAuth(ctx, id, op); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("replayed proof = %v, want ErrUnauthorized", err)
	}
}

func TestSignatureAuthorizer_Rejections(t *testing.T) {
	wallet := solana.NewWallet()
	other := solana.NewWallet()
	id := payment.IdentityFromPublicKey(wallet.PublicKey())
	op := Operation{Name: OpSetAdmin, Subject: other.PublicKey().String()}

	tests := []struct {
		name   string
		ctx    func(t *testing.T, nonce string) context.Context
		reason string
	}{
		{
			name:   "no proof",
			ctx:    func(t *testing.T, _ string) context.Context { return context.Background() },
			reason: "missing_proof",
		},
		{
			name: "proof from another identity",
			ctx: func(t *testing.T, nonce string) context.Context {
				return signedContext(t, other.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, nonce))
			},
			reason: "missing_proof",
		},
		{
			name: "wrong operation",
			ctx: func(t *testing.T, nonce string) context.Context {
				return signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, OpRecordPayment, op.Subject, nonce))
			},
			reason: "message_mismatch",
		},
		{
			name: "wrong subject",
			ctx: func(t *testing.T, nonce string) context.Context {
				return signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, op.Name, "someone-else", nonce))
			},
			reason: "message_mismatch",
		},
		{
			name: "unknown nonce",
			ctx: func(t *testing.T, _ string) context.Context {
				return signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, "deadbeef"))
			},
			reason: "nonce_unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authz, issuer, m := newTestAuthorizer(t)
			issued, err := issuer.Issue(context.Background(), op.Name)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}

			err = authz.RequireAuth(tt.ctx(t, issued.Nonce), id, op)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("RequireAuth = %v, want ErrUnauthorized", err)
			}
			if got := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("auth failures{reason=%s} = %v, want 1", tt.reason, got)
			}
		})
	}
}

func TestSignatureAuthorizer_RejectsNonceIssuedForAnotherOperation(t *testing.T) {
	authz, issuer, m := newTestAuthorizer(t)
	wallet := solana.NewWallet()
	id := payment.IdentityFromPublicKey(wallet.PublicKey())

	issued, err := issuer.Issue(context.Background(), OpListDeliveries)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	op := Operation{Name: OpRecordPayment, Subject: "INV-1"}
	ctx := signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, issued.Nonce))

	if err := authz.RequireAuth(ctx, id, op); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("RequireAuth = %v, want ErrUnauthorized", err)
	}
	if got := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues("nonce_purpose_mismatch")); got != 1 {
		t.Errorf("auth failures{reason=nonce_purpose_mismatch} = %v, want 1", got)
	}
}

func TestSignatureAuthorizer_RequireAllKeepsNoncesOnRejection(t *testing.T) {
	incoming := solana.NewWallet()
	outgoing := solana.NewWallet()
	ids := []payment.Identity{
		payment.IdentityFromPublicKey(incoming.PublicKey()),
		payment.IdentityFromPublicKey(outgoing.PublicKey()),
	}
	op := Operation{Name: OpSetAdmin, Subject: incoming.PublicKey().String()}

	tests := []struct {
		name   string
		proofs func(t *testing.T, incomingProof Proof, outgoingNonce string) []Proof
		reason string
	}{
		{
			name: "co-signer missing",
			proofs: func(t *testing.T, incomingProof Proof, _ string) []Proof {
				return []Proof{incomingProof}
			},
			reason: "missing_proof",
		},
		{
			name: "co-signer nonce unknown",
			proofs: func(t *testing.T, incomingProof Proof, _ string) []Proof {
				p, err := Sign(outgoing.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, "deadbeef"))
				if err != nil {
					t.Fatalf("Sign failed: %v", err)
				}
				return []Proof{incomingProof, p}
			},
			reason: "nonce_unknown",
		},
		{
			name: "co-signer reuses the incoming nonce",
			proofs: func(t *testing.T, incomingProof Proof, _ string) []Proof {
				_, nonce, _ := splitMessage(incomingProof.Message)
				p, err := Sign(outgoing.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, nonce))
				if err != nil {
					t.Fatalf("Sign failed: %v", err)
				}
				return []Proof{incomingProof, p}
			},
			reason: "nonce_replayed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authz, issuer, m := newTestAuthorizer(t)
			ctx := context.Background()

			first, err := issuer.Issue(ctx, op.Name)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			second, err := issuer.Issue(ctx, op.Name)
			if err != nil {
				t.Fatalf("Issue failed: %v", err)
			}
			incomingProof, err := Sign(incoming.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, first.Nonce))
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}

			err = authz.RequireAll(WithProofs(ctx, tt.proofs(t, incomingProof, second.Nonce)), ids, op)
			if !errors.Is(err, ErrUnauthorized) {
				t.Fatalf("RequireAll = %v, want ErrUnauthorized", err)
			}
			if got := testutil.ToFloat64(m.AuthFailuresTotal.WithLabelValues(tt.reason)); got != 1 {
				t.Errorf("auth failures{reason=%s} = %v, want 1", tt.reason, got)
			}

			outgoingProof, err := Sign(outgoing.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, second.Nonce))
			if err != nil {
				t.Fatalf("Sign failed: %v", err)
			}
			if err := authz.RequireAll(WithProofs(ctx, []Proof{incomingProof, outgoingProof}), ids, op); err != nil {
				t.Errorf("retry with the same incoming proof failed: %v", err)
			}
		})
	}
}

// failingNonces is a nonce store whose consume path is down.
type failingNonces struct {
	*storage.MemoryStore
}

func (failingNonces) ConsumeNonces(context.Context, string, []string) error {
	return errors.New("connection refused")
}

func TestSignatureAuthorizer_LogsRejectionsAndOutages(t *testing.T) {
	wallet := solana.NewWallet()
	id := payment.IdentityFromPublicKey(wallet.PublicKey())
	op := Operation{Name: OpRecordPayment, Subject: "INV-1"}

	store := storage.NewMemoryStore()
	t.Cleanup(func() { store.Close() })
	m := metrics.New(prometheus.NewRegistry())
	issuer := NewNonceIssuer(store, testPrefix, time.Minute, m)

	var buf bytes.Buffer
	authz := NewSignatureAuthorizer(failingNonces{store}, testPrefix, m, zerolog.New(&buf))

	if err := authz.RequireAuth(context.Background(), id, op); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("RequireAuth without proof = %v, want ErrUnauthorized", err)
	}
	if out := buf.String(); !strings.Contains(out, `"message":"auth.rejected"`) || !strings.Contains(out, `"reason":"missing_proof"`) {
		t.Errorf("rejection log = %s", out)
	}

	buf.Reset()
	issued, err := issuer.Issue(context.Background(), op.Name)
	if err != nil {
		t.Fatalf("Issue failed: %v", err)
	}
	ctx := signedContext(t, wallet.PrivateKey, FormatMessage(testPrefix, op.Name, op.Subject, issued.Nonce))
	if err := authz.RequireAuth(ctx, id, op); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("RequireAuth during outage = %v, want ErrUnauthorized", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"level":"error"`) || !strings.Contains(out, `"message":"auth.nonce_store_failed"`) {
		t.Errorf("outage log = %s", out)
	}
	if !strings.Contains(out, "connection refused") {
		t.Errorf("outage log missing cause: %s", out)
	}
}

func TestNonceIssuer_RejectsUnknownPurpose(t *testing.T) {
	_, issuer, _ := newTestAuthorizer(t)
	if _, err := issuer.Issue(context.Background(), "drain_funds"); err == nil {
		t.Error("expected error for unknown purpose")
	}
}

func TestStaticAuthorizer(t *testing.T) {
	a := payment.Identity("alice")
	authz := NewStaticAuthorizer(a)
	op := Operation{Name: OpRecordPayment}

	if err := authz.RequireAuth(context.Background(), a, op); err != nil {
		t.Errorf("allowed identity rejected: %v", err)
	}
	if err := authz.RequireAll(context.Background(), []payment.Identity{a, "bob"}, op); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("RequireAll with unknown co-signer = %v, want ErrUnauthorized", err)
	}
	authz.Revoke(a)
	if err := authz.RequireAuth(context.Background(), a, op); !errors.Is(err, ErrUnauthorized) {
		t.Errorf("revoked identity = %v, want ErrUnauthorized", err)
	}
}
