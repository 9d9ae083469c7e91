package secret

import (
	"strings"
	"testing"
)

const masterKey = "test-master-key-please-rotate"

// TestRoundTrip verifies that a credential survives encrypt/decrypt.
func TestRoundTrip(t *testing.T) {
	plaintext := "sk-proj-abc123"

	encoded, err := Encrypt(plaintext, masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(encoded, masterKey)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if got != plaintext {
		t.Fatalf("Decrypt returned %q, want %q", got, plaintext)
	}
}

// TestEncodedFormat verifies the four-part hex wire format.
func TestEncodedFormat(t *testing.T) {
	encoded, err := Encrypt("secret", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	parts := strings.Split(encoded, ":")
	if len(parts) != 4 {
		t.Fatalf("expected 4 parts, got %d: %q", len(parts), encoded)
	}
	if len(parts[0]) != saltLength*2 {
		t.Errorf("salt hex length = %d, want %d", len(parts[0]), saltLength*2)
	}
	if len(parts[1]) != nonceLength*2 {
		t.Errorf("nonce hex length = %d, want %d", len(parts[1]), nonceLength*2)
	}
	if len(parts[2]) != tagLength*2 {
		t.Errorf("tag hex length = %d, want %d", len(parts[2]), tagLength*2)
	}
}

// TestWrongMasterKey verifies that the wrong key fails authentication rather
// than returning garbage.
func TestWrongMasterKey(t *testing.T) {
	encoded, err := Encrypt("secret", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	if _, err := Decrypt(encoded, "another-key"); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

// TestTamperedCiphertext verifies GCM authentication catches bit flips.
func TestTamperedCiphertext(t *testing.T) {
	encoded, err := Encrypt("secret", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	// Flip a hex digit in the ciphertext part.
	parts := strings.Split(encoded, ":")
	ct := []byte(parts[3])
	if ct[0] == '0' {
		ct[0] = '1'
	} else {
		ct[0] = '0'
	}
	parts[3] = string(ct)

	if _, err := Decrypt(strings.Join(parts, ":"), masterKey); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

// TestInvalidFormat covers malformed stored values.
func TestInvalidFormat(t *testing.T) {
	for _, encoded := range []string{
		"",
		"a:b:c",
		"a:b:c:d:e",
		"zz:zz:zz:zz",
		"00:00:00:00", // valid hex, wrong part lengths
	} {
		if _, err := Decrypt(encoded, masterKey); err != ErrInvalidFormat {
			t.Errorf("Decrypt(%q): expected ErrInvalidFormat, got %v", encoded, err)
		}
	}
}

// TestUniqueSaltPerSecret verifies that encrypting the same plaintext twice
// yields different encodings (fresh salt and nonce each time).
func TestUniqueSaltPerSecret(t *testing.T) {
	a, err := Encrypt("same", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	b, err := Encrypt("same", masterKey)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if a == b {
		t.Fatal("two encryptions of the same plaintext must not be identical")
	}
}
