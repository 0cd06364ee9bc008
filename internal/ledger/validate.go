package ledger

import (
	"fmt"
	"strings"

	apierrors "github.com/invoisio/ledger/internal/errors"
	"github.com/invoisio/ledger/internal/payment"
)

// NativeIssuerPolicy decides what happens to a native-asset payment that
// arrives with an issuer.
type NativeIssuerPolicy string

const (
	// NativeIssuerFlag accepts the record as given, logs a warning and counts it.
	NativeIssuerFlag NativeIssuerPolicy = "flag"
	// NativeIssuerReject fails with InvalidAsset.
	NativeIssuerReject NativeIssuerPolicy = "reject"
)

// ParseNativeIssuerPolicy accepts "flag", "reject" or "" (flag).
func ParseNativeIssuerPolicy(raw string) (NativeIssuerPolicy, error) {
	switch p := NativeIssuerPolicy(strings.ToLower(strings.TrimSpace(raw))); p {
	case "", NativeIssuerFlag:
		return NativeIssuerFlag, nil
	case NativeIssuerReject:
		return NativeIssuerReject, nil
	default:
		return "", fmt.Errorf("unknown native issuer policy %q", raw)
	}
}

// RecordPaymentInput carries the caller-supplied fields of a payment record.
type RecordPaymentInput struct {
	InvoiceID   string           `json:"invoiceId"`
	Payer       payment.Identity `json:"payer"`
	AssetCode   string           `json:"assetCode"`
	AssetIssuer string           `json:"assetIssuer"`
	Amount      int64            `json:"amount"`
}

// Record converts the input into the record that will be stored.
func (in RecordPaymentInput) Record() payment.Record {
	return payment.Record{
		InvoiceID:   in.InvoiceID,
		Payer:       in.Payer,
		AssetCode:   in.AssetCode,
		AssetIssuer: in.AssetIssuer,
		Amount:      in.Amount,
	}
}

// validate applies the record rules in their fixed order; the first failure wins.
// nativeWithIssuer reports a native asset that carries an issuer, which the
// caller resolves according to policy.
func validate(in RecordPaymentInput) (nativeWithIssuer bool, err error) {
	if in.InvoiceID == "" {
		return false, apierrors.ErrInvalidInvoiceID
	}
	if in.Amount <= 0 {
		return false, apierrors.ErrInvalidAmount
	}
	if in.AssetCode == "" {
		return false, apierrors.ErrInvalidAsset
	}
	native := payment.IsNativeAsset(in.AssetCode)
	if !native && in.AssetIssuer == "" {
		return false, apierrors.ErrInvalidAsset
	}
	return native && in.AssetIssuer != "", nil
}
