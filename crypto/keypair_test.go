package crypto

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestEnsureNodeKeyIsStable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "node_key.pem")

	first, err := EnsureNodeKey(path)
	if err != nil {
		t.Fatalf("first EnsureNodeKey failed: %v", err)
	}
	second, err := EnsureNodeKey(path)
	if err != nil {
		t.Fatalf("second EnsureNodeKey failed: %v", err)
	}

	if !bytes.Equal(first, second) {
		t.Fatalf("expected stable node key across runs")
	}
}

func TestFormatFingerprint(t *testing.T) {
	got := FormatFingerprint("deadbeef0011aa")
	if got != "DEAD BEEF 0011 AA" {
		t.Fatalf("unexpected formatted fingerprint: %q", got)
	}
	if FormatFingerprint("") != "" {
		t.Fatalf("expected empty fingerprint to stay empty")
	}
}
