package ledger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/invoisio/ledger/internal/auth"
	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/events"
	"github.com/invoisio/ledger/internal/logger"
	"github.com/invoisio/ledger/internal/metrics"
	"github.com/invoisio/ledger/internal/payment"
	"github.com/invoisio/ledger/internal/storage"
	"github.com/rs/zerolog"
)

// Operation names used for metrics.
const (
	OpInitialize    = "initialize"
	OpAdmin         = "admin"
	OpSetAdmin      = "set_admin"
	OpRecordPayment = "record_payment"
	OpGetPayment    = "get_payment"
	OpHasPayment    = "has_payment"
	OpPaymentCount  = "payment_count"
)

// Options configures a Service. Store and Authorizer are required.
type Options struct {
	Store      storage.LedgerStore
	Authorizer auth.Authorizer
	Publisher  events.Publisher
	Metrics    *metrics.Metrics
	Logger     zerolog.Logger

	NativeIssuerPolicy          NativeIssuerPolicy
	RequireOutgoingAdminConsent bool
}

// Service is the payment attestation ledger. Mutations (Initialize,
// RecordPayment, SetAdmin) are serialized; reads go straight to the store.
type Service struct {
	store     storage.LedgerStore
	authz     auth.Authorizer
	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger

	nativeIssuerPolicy     NativeIssuerPolicy
	requireOutgoingConsent bool

	mu sync.Mutex
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("ledger: store is required")
	}
	if opts.Authorizer == nil {
		return nil, errors.New("ledger: authorizer is required")
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NoopPublisher{}
	}
	if opts.NativeIssuerPolicy == "" {
		opts.NativeIssuerPolicy = NativeIssuerFlag
	}

	return &Service{
		store:                  opts.Store,
		authz:                  opts.Authorizer,
		publisher:              opts.Publisher,
		metrics:                opts.Metrics,
		logger:                 logger.Component(opts.Logger, "ledger"),
		nativeIssuerPolicy:     opts.NativeIssuerPolicy,
		requireOutgoingConsent: opts.RequireOutgoingAdminConsent,
	}, nil
}

// Initialize sets the first admin. Anyone may call it; only the first call succeeds.
func (s *Service) Initialize(ctx context.Context, admin payment.Identity) (err error) {
	defer s.observe(OpInitialize, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.InitializeAdmin(ctx, admin); err != nil {
		return err
	}
	s.metrics.ObserveAdminChange("initialize")
	s.log(ctx).Info().
		Str("admin", logger.TruncateAddress(admin.String())).
		Msg("ledger.initialized")
	return nil
}

// Admin returns the current admin.
func (s *Service) Admin(ctx context.Context) (id payment.Identity, err error) {
	defer s.observe(OpAdmin, time.Now(), &err)
	return s.store.Admin(ctx)
}

// SetAdmin replaces the admin. The incoming admin must authorize; when
// outgoing consent is required the current admin must authorize too.
func (s *Service) SetAdmin(ctx context.Context, newAdmin payment.Identity) (err error) {
	defer s.observe(OpSetAdmin, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.store.Admin(ctx)
	if err != nil {
		return err
	}

	op := auth.Operation{Name: auth.OpSetAdmin, Subject: newAdmin.String()}
	signers := []payment.Identity{newAdmin}
	if s.requireOutgoingConsent && current != newAdmin {
		signers = append(signers, current)
	}
	if err := s.authz.RequireAll(ctx, signers, op); err != nil {
		return err
	}

	if err := s.store.ReplaceAdmin(ctx, newAdmin); err != nil {
		return err
	}
	s.metrics.ObserveAdminChange("rotate")
	s.log(ctx).Info().
		Str("previous_admin", logger.TruncateAddress(current.String())).
		Str("admin", logger.TruncateAddress(newAdmin.String())).
		Msg("ledger.admin_changed")
	return nil
}

// RecordPayment stores the attestation that an invoice was paid and publishes
// a payment.recorded event. The current admin must authorize before any
// field is validated.
func (s *Service) RecordPayment(ctx context.Context, in RecordPaymentInput) (rec payment.Record, err error) {
	defer s.observe(OpRecordPayment, time.Now(), &err)

	s.mu.Lock()
	defer s.mu.Unlock()

	admin, err := s.store.Admin(ctx)
	if err != nil {
		return payment.Record{}, err
	}
	op := auth.Operation{Name: auth.OpRecordPayment, Subject: in.InvoiceID}
	if err := s.authz.RequireAuth(ctx, admin, op); err != nil {
		return payment.Record{}, err
	}

	nativeWithIssuer, err := validate(in)
	if err != nil {
		return payment.Record{}, err
	}
	if nativeWithIssuer {
		if s.nativeIssuerPolicy == NativeIssuerReject {
			return payment.Record{}, apierrors.ErrInvalidAsset
		}
		s.metrics.ObserveNativeIssuerFlag()
		s.log(ctx).Warn().
			Str("invoice_id", in.InvoiceID).
			Str("asset_issuer", in.AssetIssuer).
			Msg("ledger.native_asset_with_issuer")
	}

	rec = in.Record()
	if err := s.store.PutPaymentIfAbsent(ctx, rec); err != nil {
		return payment.Record{}, err
	}

	s.metrics.ObservePaymentRecorded(rec.AssetCode, rec.Amount)
	s.log(ctx).Info().
		Str("invoice_id", rec.InvoiceID).
		Str("payer", logger.TruncateAddress(rec.Payer.String())).
		Str("asset", rec.AssetKey()).
		Int64("amount", rec.Amount).
		Msg("payment.recorded")

	// The record is committed; a failed publish is logged, not returned.
	if perr := s.publisher.Publish(ctx, events.NewPaymentRecorded(rec)); perr != nil {
		s.log(ctx).Warn().Err(perr).Str("invoice_id", rec.InvoiceID).Msg("payment.event_publish_failed")
	}
	return rec, nil
}

// GetPayment returns the record for invoiceID.
func (s *Service) GetPayment(ctx context.Context, invoiceID string) (rec payment.Record, err error) {
	defer s.observe(OpGetPayment, time.Now(), &err)
	return s.store.GetPayment(ctx, invoiceID)
}

// HasPayment reports whether a record exists for invoiceID.
func (s *Service) HasPayment(ctx context.Context, invoiceID string) (ok bool, err error) {
	defer s.observe(OpHasPayment, time.Now(), &err)
	return s.store.HasPayment(ctx, invoiceID)
}

// PaymentCount returns the number of recorded payments.
func (s *Service) PaymentCount(ctx context.Context) (n uint64, err error) {
	defer s.observe(OpPaymentCount, time.Now(), &err)
	return s.store.PaymentCount(ctx)
}

func (s *Service) observe(op string, start time.Time, errp *error) {
	s.metrics.ObserveOperation(op, Outcome(*errp), time.Since(start))
}

func (s *Service) log(ctx context.Context) *zerolog.Logger {
	l := logger.FromContext(ctx, s.logger)
	return &l
}

// Outcome classifies err for metrics and logs: "success", a ledger code
// name, "unauthorized" or "error".
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	if code, ok := apierrors.CodeOf(err); ok {
		return code.Name()
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return "unauthorized"
	}
	return "error"
}
