// Package solana loads the ed25519 keypairs that identify ledger callers.
// Keys use Solana encodings so operators can reuse solana-keygen output.
package solana

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ParsePrivateKey parses a private key from either base58 or JSON array format.
// Supported formats:
//   - Base58: "5Kd7..." (Phantom export)
//   - JSON array: "[1,2,3,...,64]" (solana-keygen keypair file contents)
func ParsePrivateKey(keyStr string) (solana.PrivateKey, error) {
	keyStr = strings.TrimSpace(keyStr)
	if keyStr == "" {
		return solana.PrivateKey{}, fmt.Errorf("private key string is empty")
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

// LoadKeypair reads a keypair file written by solana-keygen, or a file
// holding a base58 key.
func LoadKeypair(path string) (solana.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return solana.PrivateKey{}, fmt.Errorf("read keypair %s: %w", path, err)
	}
	key, err := ParsePrivateKey(string(raw))
	if err != nil {
		return solana.PrivateKey{}, fmt.Errorf("keypair %s: %w", path, err)
	}
	return key, nil
}

// ParseAccount validates a base58 public key used as a ledger account id.
func ParseAccount(account string) (solana.PublicKey, error) {
	pk, err := solana.PublicKeyFromBase58(strings.TrimSpace(account))
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid account %q: %w", account, err)
	}
	return pk, nil
}

func parsePrivateKeyArray(keyStr string) (solana.PrivateKey, error) {
	if !strings.HasSuffix(keyStr, "]") {
		return solana.PrivateKey{}, fmt.Errorf("private key array must be in JSON format: [1,2,3,...]")
	}

	var values []json.Number
	if err := json.Unmarshal([]byte(keyStr), &values); err != nil {
		return solana.PrivateKey{}, fmt.Errorf("private key array must be in JSON format: %w", err)
	}
	if len(values) != 64 {
		return solana.PrivateKey{}, fmt.Errorf("private key must be a 64-byte array, got %d bytes", len(values))
	}

	keyBytes := make([]byte, 64)
	for i, v := range values {
		val, err := strconv.Atoi(v.String())
		if err != nil {
			return solana.PrivateKey{}, fmt.Errorf("invalid byte value at position %d: %s (%w)", i, v, err)
		}
		if val < 0 || val > 255 {
			return solana.PrivateKey{}, fmt.Errorf("byte value at position %d out of range (0-255): %d", i, val)
		}
		keyBytes[i] = byte(val)
	}

	return solana.PrivateKey(keyBytes), nil
}
