package crypto

import "testing"

func TestEncryptRoundTrip(t *testing.T) {
	sealed, err := EncryptString("key", "webhook-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	plain, err := DecryptToString("key", sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if plain != "webhook-secret" {
		t.Fatalf("expected webhook-secret got %q", plain)
	}
	if _, err := DecryptToString("other", sealed); err == nil {
		t.Fatalf("expected error decrypting with wrong key")
	}
	if _, err := DecryptToString("key", []byte{1, 2}); err == nil {
		t.Fatalf("expected error for short payload")
	}
}

func TestRandomToken(t *testing.T) {
	a, err := RandomToken(16)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars got %d", len(a))
	}
	b, _ := RandomToken(16)
	if a == b {
		t.Fatalf("expected distinct tokens")
	}
}
