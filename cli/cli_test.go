package cli

import (
	"bytes"
	"strings"
	"testing"

	"peerlink/config"
	appcrypto "peerlink/crypto"
)

func runCommand(t *testing.T, args ...string) string {
	t.Helper()

	var out bytes.Buffer
	root := newRootCmd()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		t.Fatalf("peerlink %s failed: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestSetPasswordPersistsBcryptHash(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)

	runCommand(t, "--data-dir", dir, "set-password", "--user", "admin", "--password", "s3cret")

	cfg, err := config.Load(config.ConfigPath(dir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.PairingUser != "admin" || cfg.PairingPasswordHash == "" || cfg.PairingPasswordHash == "s3cret" {
		t.Fatalf("unexpected pairing account in config: %+v", cfg)
	}
	if cfg.KeyFingerprint == "" {
		t.Fatalf("expected key fingerprint to be recorded")
	}
	creds := appcrypto.StaticCredentials{User: cfg.PairingUser, PasswordHash: cfg.PairingPasswordHash}
	if err := creds.Authenticate("admin", "s3cret"); err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
}

func TestInfoAndPeersOnFreshNode(t *testing.T) {
	dir := t.TempDir()
	t.Setenv(config.DataDirEnv, dir)

	out := runCommand(t, "--data-dir", dir, "info")
	if !strings.Contains(out, "Node ID:") || !strings.Contains(out, "Paired Nodes:    0") {
		t.Fatalf("unexpected info output:\n%s", out)
	}

	out = runCommand(t, "--data-dir", dir, "peers")
	if !strings.Contains(out, "No paired nodes.") {
		t.Fatalf("unexpected peers output:\n%s", out)
	}
}

func TestParseTarget(t *testing.T) {
	fromHostPort, err := parseTarget("192.168.1.20:7946")
	if err != nil {
		t.Fatalf("parseTarget host:port failed: %v", err)
	}
	fromHex, err := parseTarget(fromHostPort.String())
	if err != nil {
		t.Fatalf("parseTarget hex failed: %v", err)
	}
	if !fromHex.Equal(fromHostPort) {
		t.Fatalf("expected both forms to decode to the same address")
	}

	for _, bad := range []string{"not-an-address", "abcd"} {
		if _, err := parseTarget(bad); err == nil {
			t.Fatalf("expected %q to be rejected", bad)
		}
	}
}
