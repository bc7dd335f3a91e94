package ssh

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestGenerateKeypairRoundTrip(t *testing.T) {
	dir := t.TempDir()
	priv := filepath.Join(dir, "keys", "id_rsa")
	pub, err := GenerateKeypair(priv, KeyEd25519)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !strings.HasPrefix(pub, "ssh-ed25519 ") {
		t.Fatalf("unexpected public key %q", pub)
	}
	st, err := os.Stat(priv)
	if err != nil {
		t.Fatalf("private key not written: %v", err)
	}
	if st.Mode().Perm() != 0o600 {
		t.Errorf("expected 0600 permissions, got %v", st.Mode().Perm())
	}
	signer, err := LoadPrivateKeySigner(priv)
	if err != nil {
		t.Fatalf("load signer: %v", err)
	}
	if got := signer.PublicKey().Type(); got != "ssh-ed25519" {
		t.Errorf("unexpected key type %s", got)
	}
	b, err := os.ReadFile(priv + ".pub")
	if err != nil {
		t.Fatalf("public key not written: %v", err)
	}
	if string(b) != pub {
		t.Errorf("public key file differs from returned key")
	}
}

func TestGenerateKeypairUnsupported(t *testing.T) {
	if _, err := GenerateKeypair(filepath.Join(t.TempDir(), "k"), "dsa"); err == nil {
		t.Fatalf("expected error for unsupported key type")
	}
}

func TestLoadPrivateKeySignerMissing(t *testing.T) {
	if _, err := LoadPrivateKeySigner(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Fatalf("expected error for missing key")
	}
}
