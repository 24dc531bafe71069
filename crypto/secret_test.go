package crypto

import (
	"errors"
	"testing"
)

func TestStaticCredentialsAuthenticate(t *testing.T) {
	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword failed: %v", err)
	}
	creds := StaticCredentials{User: "nurse", PasswordHash: hash}

	if err := creds.Authenticate("nurse", "s3cret"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if err := creds.Authenticate("nurse", "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad password, got %v", err)
	}
	if err := creds.Authenticate("doctor", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad user, got %v", err)
	}
	if err := (StaticCredentials{}).Authenticate("nurse", "s3cret"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected unconfigured account to reject, got %v", err)
	}
}

func TestNewSharedSecretIsUnique(t *testing.T) {
	a, err := NewSharedSecret()
	if err != nil {
		t.Fatalf("NewSharedSecret failed: %v", err)
	}
	b, err := NewSharedSecret()
	if err != nil {
		t.Fatalf("NewSharedSecret failed: %v", err)
	}
	if a == b {
		t.Fatalf("expected distinct secrets")
	}
	if len(a) != 32 {
		t.Fatalf("unexpected secret length: %d", len(a))
	}
}
