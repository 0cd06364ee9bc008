package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// Proof headers. Each may repeat; the n-th values of all three form one proof,
// which lets a request carry signatures from more than one identity.
const (
	HeaderSigner    = "X-Signer"    // base58 public key
	HeaderMessage   = "X-Message"   // plain text that was signed
	HeaderSignature = "X-Signature" // base64 Ed25519 signature
)

// Proof is one identity's signature over a message.
type Proof struct {
	Signer    string
	Message   string
	Signature string
}

// ExtractProofs reads every proof from the request headers. A request with
// no proof headers yields no proofs and no error.
func ExtractProofs(r *http.Request) ([]Proof, error) {
	signers := r.Header.Values(HeaderSigner)
	messages := r.Header.Values(HeaderMessage)
	signatures := r.Header.Values(HeaderSignature)

	if len(signers) == 0 && len(messages) == 0 && len(signatures) == 0 {
		return nil, nil
	}
	if len(signers) != len(messages) || len(signers) != len(signatures) {
		return nil, fmt.Errorf("proof headers must be paired: include X-Signer, X-Message, and X-Signature for each signer")
	}

	proofs := make([]Proof, len(signers))
	for i := range signers {
		proofs[i] = Proof{
			Signer:    strings.TrimSpace(signers[i]),
			Message:   messages[i],
			Signature: strings.TrimSpace(signatures[i]),
		}
	}
	return proofs, nil
}

// VerifySignature checks that the proof's signature is valid for its message and signer.
func VerifySignature(p Proof) error {
	signatureBytes, err := base64.StdEncoding.DecodeString(p.Signature)
	if err != nil {
		return fmt.Errorf("invalid signature encoding: %w", err)
	}
	if len(signatureBytes) != 64 {
		return errors.New("invalid signature length")
	}

	signerPubKey, err := solana.PublicKeyFromBase58(p.Signer)
	if err != nil {
		return fmt.Errorf("invalid signer address: %w", err)
	}

	signature := solana.SignatureFromBytes(signatureBytes)
	if !signature.Verify(signerPubKey, []byte(p.Message)) {
		return errors.New("signature verification failed")
	}
	return nil
}

// FormatMessage builds the text a signer must sign to authorize op on
// subject: "<prefix>:<op>:<subject>:<nonce>".
func FormatMessage(prefix, op, subject, nonce string) string {
	return prefix + ":" + op + ":" + subject + ":" + nonce
}

// splitMessage separates the nonce (after the last colon) from the rest of the
// message. Subjects may themselves contain colons.
func splitMessage(message string) (head, nonce string, ok bool) {
	idx := strings.LastIndex(message, ":")
	if idx <= 0 || idx == len(message)-1 {
		return "", "", false
	}
	return message[:idx], message[idx+1:], true
}

// Sign produces a proof for message using key. Used by the CLI and tests.
func Sign(key solana.PrivateKey, message string) (Proof, error) {
	sig, err := key.Sign([]byte(message))
	if err != nil {
		return Proof{}, fmt.Errorf("sign message: %w", err)
	}
	return Proof{
		Signer:    key.PublicKey().String(),
		Message:   message,
		Signature: base64.StdEncoding.EncodeToString(sig[:]),
	}, nil
}

// SetHeaders appends the proof to an outgoing request.
func (p Proof) SetHeaders(h http.Header) {
	h.Add(HeaderSigner, p.Signer)
	h.Add(HeaderMessage, p.Message)
	h.Add(HeaderSignature, p.Signature)
}
