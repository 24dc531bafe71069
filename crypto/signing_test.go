package crypto

import (
	"bytes"
	"testing"
)

func TestSignVerify(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, OneTimeKeySize)
	data := []byte(`{"outcome":"ok"}`)

	signature, err := Sign(data, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(signature) != SignatureSize {
		t.Fatalf("unexpected signature length: %d", len(signature))
	}
	if !Verify(data, signature, key) {
		t.Fatalf("expected signature verification to succeed")
	}
}

func TestVerifyRejectsTamperingAndWrongKey(t *testing.T) {
	key := bytes.Repeat([]byte{0x01}, OneTimeKeySize)
	data := []byte("payload to protect")

	signature, err := Sign(data, key)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}

	if Verify([]byte("payload to protect!"), signature, key) {
		t.Fatalf("expected verification to fail for tampered data")
	}
	if Verify(data, signature, bytes.Repeat([]byte{0x02}, OneTimeKeySize)) {
		t.Fatalf("expected verification to fail for a different key")
	}
}

func TestSignWithoutKeyIsEmpty(t *testing.T) {
	signature, err := Sign([]byte("data"), nil)
	if err != nil {
		t.Fatalf("Sign failed: %v", err)
	}
	if len(signature) != 0 {
		t.Fatalf("expected empty signature without key, got %d bytes", len(signature))
	}
	if Verify([]byte("data"), signature, nil) {
		t.Fatalf("expected verification without key to fail")
	}
}
