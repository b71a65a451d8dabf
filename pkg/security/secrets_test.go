package security

import (
	"strings"
	"testing"
)

func TestNewSecretsManager(t *testing.T) {
	tests := []struct {
		name    string
		key     []byte
		wantErr bool
	}{
		{
			name:    "valid 32-byte key",
			key:     make([]byte, 32),
			wantErr: false,
		},
		{
			name:    "invalid short key",
			key:     make([]byte, 16),
			wantErr: true,
		},
		{
			name:    "invalid long key",
			key:     make([]byte, 64),
			wantErr: true,
		},
		{
			name:    "empty key",
			key:     []byte{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := NewSecretsManager(tt.key)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewSecretsManager() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && sm == nil {
				t.Error("NewSecretsManager() returned nil without error")
			}
		})
	}
}

func TestEncryptDecryptString(t *testing.T) {
	sm, err := NewSecretsManagerFromPassword("fleet-master-key")
	if err != nil {
		t.Fatalf("NewSecretsManagerFromPassword() error = %v", err)
	}

	secret, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret() error = %v", err)
	}

	encrypted, err := sm.EncryptString(secret)
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}
	if encrypted == secret {
		t.Error("ciphertext equals plaintext")
	}

	decrypted, err := sm.DecryptString(encrypted)
	if err != nil {
		t.Fatalf("DecryptString() error = %v", err)
	}
	if decrypted != secret {
		t.Errorf("round trip mismatch: got %q want %q", decrypted, secret)
	}
}

func TestDecryptWithWrongKey(t *testing.T) {
	sm1, _ := NewSecretsManagerFromPassword("key-one")
	sm2, _ := NewSecretsManagerFromPassword("key-two")

	encrypted, err := sm1.EncryptString("node secret")
	if err != nil {
		t.Fatalf("EncryptString() error = %v", err)
	}

	if _, err := sm2.DecryptString(encrypted); err == nil {
		t.Error("expected decryption with wrong key to fail")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	sm, _ := NewSecretsManagerFromPassword("tamper-test")

	encrypted, err := sm.Encrypt([]byte("node secret"))
	if err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}

	encrypted[len(encrypted)-1] ^= 0xff
	if _, err := sm.Decrypt(encrypted); err == nil {
		t.Error("expected decryption of tampered data to fail")
	}
}

func TestGenerateNodeSecret(t *testing.T) {
	a, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret() error = %v", err)
	}
	b, err := GenerateNodeSecret()
	if err != nil {
		t.Fatalf("GenerateNodeSecret() error = %v", err)
	}

	if len(a) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
	if strings.ToLower(a) != a {
		t.Error("secret is not lowercase hex")
	}
}

func TestVerifySecret(t *testing.T) {
	tests := []struct {
		name      string
		expected  string
		presented string
		want      bool
	}{
		{
			name:      "matching secrets",
			expected:  "c0ffee",
			presented: "c0ffee",
			want:      true,
		},
		{
			name:      "mismatched secrets",
			expected:  "c0ffee",
			presented: "deadbeef",
			want:      false,
		},
		{
			name:      "empty expected never matches",
			expected:  "",
			presented: "",
			want:      false,
		},
		{
			name:      "empty presented",
			expected:  "c0ffee",
			presented: "",
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySecret(tt.expected, tt.presented); got != tt.want {
				t.Errorf("VerifySecret() = %v, want %v", got, tt.want)
			}
		})
	}
}
