package solana

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/gagliardetto/solana-go"
)

func keygenJSON(t *testing.T, key solana.PrivateKey) string {
	t.Helper()
	ints := make([]int, len(key))
	for i, b := range key {
		ints[i] = int(b)
	}
	raw, err := json.Marshal(ints)
	if err != nil {
		t.Fatal(err)
	}
	return string(raw)
}

func TestParsePrivateKey_BothFormatsProduceSameKey(t *testing.T) {
	testKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatalf("Failed to generate test key: %v", err)
	}

	parsedBase58, err := ParsePrivateKey(testKey.String())
	if err != nil {
		t.Fatalf("Failed to parse base58: %v", err)
	}
	parsedArray, err := ParsePrivateKey("  " + keygenJSON(t, testKey) + "\n")
	if err != nil {
		t.Fatalf("Failed to parse JSON array: %v", err)
	}

	if !parsedBase58.PublicKey().Equals(testKey.PublicKey()) {
		t.Errorf("base58 public key = %s, want %s", parsedBase58.PublicKey(), testKey.PublicKey())
	}
	if !parsedArray.PublicKey().Equals(testKey.PublicKey()) {
		t.Errorf("array public key = %s, want %s", parsedArray.PublicKey(), testKey.PublicKey())
	}
}

func TestParsePrivateKey_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"invalid base58", "invalid_base58_string_with_invalid_chars!!!"},
		{"wrong length", "[1,2,3,4,5]"},
		{"invalid byte value", "[1,2,3,abc,5]"},
		{"byte out of range", "[256,2,3,4,5]"},
		{"missing bracket", "1,2,3,4,5]"},
		{"unterminated", "[1,2,3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePrivateKey(tt.input); err == nil {
				t.Errorf("Expected error for %s, got nil", tt.name)
			}
		})
	}
}

func TestLoadKeypair(t *testing.T) {
	testKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "id.json")
	if err := os.WriteFile(path, []byte(keygenJSON(t, testKey)), 0o600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadKeypair(path)
	if err != nil {
		t.Fatalf("LoadKeypair: %v", err)
	}
	if !loaded.PublicKey().Equals(testKey.PublicKey()) {
		t.Errorf("loaded %s, want %s", loaded.PublicKey(), testKey.PublicKey())
	}

	if _, err := LoadKeypair(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestParseAccount(t *testing.T) {
	testKey, err := solana.NewRandomPrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := ParseAccount(testKey.PublicKey().String())
	if err != nil || !pk.Equals(testKey.PublicKey()) {
		t.Errorf("ParseAccount = %s, %v", pk, err)
	}
	if _, err := ParseAccount("not-a-key"); err == nil {
		t.Error("expected error for invalid account")
	}
}
