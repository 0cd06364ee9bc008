// Package keys loads and stores the ed25519 signing keys used to authorize
// ledger operations.
package keys

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ParsePrivateKey parses a private key from either base58 or JSON array format.
// Supported formats:
//   - Base58: "5Kd7..." (solana-keygen pubkey --outfile style export)
//   - JSON array: "[1,2,3,...,64]" (solana-keygen keypair file)
func ParsePrivateKey(keyStr string) (solana.PrivateKey, error) {
	keyStr = strings.TrimSpace(keyStr)
	if keyStr == "" {
		return solana.PrivateKey{}, errors.New("private key string is empty")
	}

	if !strings.HasPrefix(keyStr, "[") {
		privateKey, err := solana.PrivateKeyFromBase58(keyStr)
		if err != nil {
			return solana.PrivateKey{}, fmt.Errorf("invalid base58 private key: %w", err)
		}
		return privateKey, nil
	}

	return parsePrivateKeyArray(keyStr)
}

// parsePrivateKeyArray parses a private key from JSON array format: [1,2,3,...,64]
func parsePrivateKeyArray(keyStr string) (solana.PrivateKey, error) {
	if !strings.HasPrefix(keyStr, "[") || !strings.HasSuffix(keyStr, "]") {
		return solana.PrivateKey{}, errors.New("private key array must be in JSON format: [1,2,3,...]")
	}

	parts := strings.Split(keyStr[1:len(keyStr)-1], ",")
	if len(parts) != 64 {
		return solana.PrivateKey{}, fmt.Errorf("private key must be a 64-byte array, got %d bytes", len(parts))
	}

	keyBytes := make([]byte, 64)
	for i, part := range parts {
		part = strings.TrimSpace(part)
		val, err := strconv.Atoi(part)
		if err != nil {
			return solana.PrivateKey{}, fmt.Errorf("invalid byte value at position %d: %s (%w)", i, part, err)
		}
		if val < 0 || val > 255 {
			return solana.PrivateKey{}, fmt.Errorf("byte value at position %d out of range (0-255): %d", i, val)
		}
		keyBytes[i] = byte(val)
	}

	return solana.PrivateKey(keyBytes), nil
}

// FormatJSONArray renders key in the keypair-file format ParsePrivateKey accepts.
func FormatJSONArray(key solana.PrivateKey) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, v := range key {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(int(v)))
	}
	b.WriteByte(']')
	return b.String()
}

// LoadFile reads a key file in either supported format.
func LoadFile(path string) (solana.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return solana.PrivateKey{}, fmt.Errorf("read key file: %w", err)
	}
	key, err := ParsePrivateKey(string(data))
	if err != nil {
		return solana.PrivateKey{}, fmt.Errorf("%s: %w", path, err)
	}
	return key, nil
}

// WriteFile stores key as a JSON array readable only by the owner. It refuses
// to overwrite an existing file.
func WriteFile(path string, key solana.PrivateKey) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create key directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("create key file: %w", err)
	}
	if _, err := f.WriteString(FormatJSONArray(key) + "\n"); err != nil {
		f.Close()
		return fmt.Errorf("write key file: %w", err)
	}
	return f.Close()
}

// Generate creates a new random key.
func Generate() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return solana.PrivateKey{}, fmt.Errorf("generate key: %w", err)
	}
	return key, nil
}
