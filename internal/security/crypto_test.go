package security

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// ─── Identity ───────────────────────────────────────────────────────────────

func TestNodeID(t *testing.T) {
	kp, err := GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair() error: %v", err)
	}

	id := kp.NodeID()
	if !strings.HasPrefix(id, "node-") {
		t.Errorf("NodeID() = %q, want node- prefix", id)
	}
	if len(id) != len("node-")+nodeIDHexLen {
		t.Errorf("NodeID() len = %d, want %d", len(id), len("node-")+nodeIDHexLen)
	}
	if !strings.HasPrefix(kp.PublicKeyHex(), strings.TrimPrefix(id, "node-")) {
		t.Error("node id should be a prefix of the public key hex")
	}
	if id != kp.NodeID() {
		t.Error("NodeID() should be stable for one keypair")
	}

	other, _ := GenerateKeypair()
	if other.NodeID() == id {
		t.Error("distinct keypairs should yield distinct node ids")
	}
}

// ─── Sign / Verify ──────────────────────────────────────────────────────────

func TestSignVerify(t *testing.T) {
	kp, _ := GenerateKeypair()
	envelope := []byte(`{"type":"task.completed","topic":"task:t1"}`)

	sig := kp.Sign(envelope)
	if !Verify(envelope, sig, kp.Public) {
		t.Error("valid signature should verify")
	}

	tampered := []byte(`{"type":"task.failed","topic":"task:t1"}`)
	if Verify(tampered, sig, kp.Public) {
		t.Error("signature must not verify against altered bytes")
	}

	stranger, _ := GenerateKeypair()
	if Verify(envelope, sig, stranger.Public) {
		t.Error("signature must not verify under another node's key")
	}
}

// ─── Persistence ────────────────────────────────────────────────────────────

func TestLoadOrCreateKeypair_FirstRunPersists(t *testing.T) {
	dir := t.TempDir()

	kp, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	info, err := os.Stat(filepath.Join(dir, "keys", "node.key"))
	if err != nil {
		t.Fatalf("private key file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("node.key mode = %o, want 0600", perm)
	}
	if _, err := os.Stat(filepath.Join(dir, "keys", "node.pub")); err != nil {
		t.Errorf("public key file: %v", err)
	}

	// A second load must return the same identity, and a signature made
	// before the reload must verify with the reloaded key.
	msg := []byte("survives restart")
	sig := kp.Sign(msg)

	again, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("reload error: %v", err)
	}
	if again.NodeID() != kp.NodeID() {
		t.Errorf("reload changed node id: %s -> %s", kp.NodeID(), again.NodeID())
	}
	if !Verify(msg, sig, again.Public) {
		t.Error("pre-reload signature should verify with reloaded key")
	}
}

func TestLoadOrCreateKeypair_RejectsCorruptKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreateKeypair(dir); err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	privPath := filepath.Join(dir, "keys", "node.key")
	if err := os.WriteFile(privPath, []byte("not hex at all"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKeypair(dir); err == nil {
		t.Error("corrupt private key should be an error, not a silent regenerate")
	}
}

func TestLoadOrCreateKeypair_RejectsTruncatedKey(t *testing.T) {
	dir := t.TempDir()
	kp, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	// Valid hex, wrong length.
	pubPath := filepath.Join(dir, "keys", "node.pub")
	short := kp.PublicKeyHex()[:8]
	if err := os.WriteFile(pubPath, []byte(short), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadOrCreateKeypair(dir); err == nil {
		t.Error("truncated public key should be an error")
	}
}

func TestLoadOrCreateKeypair_RegeneratesMissingFiles(t *testing.T) {
	dir := t.TempDir()
	first, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("LoadOrCreateKeypair() error: %v", err)
	}

	if err := os.Remove(filepath.Join(dir, "keys", "node.key")); err != nil {
		t.Fatal(err)
	}
	second, err := LoadOrCreateKeypair(dir)
	if err != nil {
		t.Fatalf("regenerate error: %v", err)
	}
	if second.NodeID() == first.NodeID() {
		t.Error("missing private key should force a fresh identity")
	}
}
