package payment

import (
	"testing"

	"github.com/gagliardetto/solana-go"
)

func TestParseIdentity(t *testing.T) {
	key := solana.NewWallet().PublicKey()

	tests := []struct {
		name    string
		raw     string
		want    Identity
		wantErr bool
	}{
		{name: "valid key", raw: key.String(), want: Identity(key.String())},
		{name: "surrounding whitespace", raw: "  " + key.String() + "\n", want: Identity(key.String())},
		{name: "empty", raw: "", wantErr: true},
		{name: "not base58", raw: "0OIl-not-a-key", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseIdentity(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error for %q", tt.raw)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("ParseIdentity() = %q, want %q", got, tt.want)
			}
			if _, err := got.PublicKey(); err != nil {
				t.Errorf("PublicKey() error: %v", err)
			}
		})
	}
}

func TestRecordAssetKey(t *testing.T) {
	native := Record{AssetCode: NativeAssetCode}
	if !native.IsNative() {
		t.Fatal("XLM should be native")
	}
	if native.AssetKey() != "XLM" {
		t.Errorf("native AssetKey() = %q", native.AssetKey())
	}

	issued := Record{AssetCode: "USDC", AssetIssuer: "GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5"}
	if issued.IsNative() {
		t.Fatal("USDC should not be native")
	}
	if issued.AssetKey() != "USDC:GBBD47IF6LWK7P7MDEVSCWR7DPUWV3NY3DTQEVFL4NAT4AQH3ZLLFLA5" {
		t.Errorf("issued AssetKey() = %q", issued.AssetKey())
	}
}
