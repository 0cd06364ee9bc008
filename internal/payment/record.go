package payment

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// NativeAssetCode is the asset code reserved for the network's native currency.
// Native payments carry no issuer.
const NativeAssetCode = "XLM"

// Identity is an authenticatable principal: the base58 text of an ed25519 public key.
type Identity string

// String returns the identity text.
func (id Identity) String() string {
	return string(id)
}

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool {
	return id == ""
}

// PublicKey decodes the identity into an ed25519 public key.
func (id Identity) PublicKey() (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(string(id))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid identity %q: %w", string(id), err)
	}
	return pk, nil
}

// ParseIdentity validates and normalizes identity text received from a client.
func ParseIdentity(raw string) (Identity, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("identity is required")
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return "", fmt.Errorf("invalid identity %q: %w", raw, err)
	}
	return IdentityFromPublicKey(pk), nil
}

// IdentityFromPublicKey wraps a public key as an identity.
func IdentityFromPublicKey(pk solana.PublicKey) Identity {
	return Identity(pk.String())
}

// Record is the immutable attestation that an invoice was paid.
type Record struct {
	InvoiceID   string   `json:"invoiceId"`
	Payer       Identity `json:"payer"`
	AssetCode   string   `json:"assetCode"`
	AssetIssuer string   `json:"assetIssuer"`
	Amount      int64    `json:"amount"` // smallest unit of the asset (stroops for XLM)
}

// IsNative reports whether the record is denominated in the native asset.
func (r Record) IsNative() bool {
	return IsNativeAsset(r.AssetCode)
}

// IsNativeAsset reports whether code names the native asset.
func IsNativeAsset(code string) bool {
	return code == NativeAssetCode
}

// AssetKey returns "CODE" for native and "CODE:ISSUER" for issued assets.
func (r Record) AssetKey() string {
	if r.IsNative() || r.AssetIssuer == "" {
		return r.AssetCode
	}
	return r.AssetCode + ":" + r.AssetIssuer
}
