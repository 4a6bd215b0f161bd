// Package security provides the node's cryptographic identity. Every
// node owns an Ed25519 keypair; the public key doubles as the stable
// node id that tags relayed events, and peers can verify anything the
// node signs.
package security

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

// nodeIDHexLen is how many hex chars of the public key form the node id.
const nodeIDHexLen = 16

// Keypair holds the node's Ed25519 identity.
type Keypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateKeypair creates a new Ed25519 keypair.
func GenerateKeypair() (*Keypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 keypair: %w", err)
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// LoadOrCreateKeypair loads the keypair from dataDir/keys, generating
// and persisting a fresh one on first run. The node id derived from the
// result is stable across restarts as long as the key files survive.
func LoadOrCreateKeypair(dataDir string) (*Keypair, error) {
	keyDir := filepath.Join(dataDir, "keys")

	kp, err := loadKeypair(keyDir)
	if err == nil {
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, err
	}

	kp, err = GenerateKeypair()
	if err != nil {
		return nil, err
	}
	if err := kp.save(keyDir); err != nil {
		return nil, err
	}
	return kp, nil
}

func loadKeypair(keyDir string) (*Keypair, error) {
	pub, err := readKeyFile(filepath.Join(keyDir, "node.pub"), ed25519.PublicKeySize)
	if err != nil {
		return nil, err
	}
	priv, err := readKeyFile(filepath.Join(keyDir, "node.key"), ed25519.PrivateKeySize)
	if err != nil {
		return nil, err
	}
	return &Keypair{Public: pub, Private: priv}, nil
}

// readKeyFile reads one hex-encoded key and rejects anything that is not
// exactly the expected size. A truncated key would otherwise surface much
// later as a panic inside ed25519.Sign.
func readKeyFile(path string, size int) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	key, err := hex.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	if len(key) != size {
		return nil, fmt.Errorf("%s: key is %d bytes, want %d", filepath.Base(path), len(key), size)
	}
	return key, nil
}

func (kp *Keypair) save(keyDir string) error {
	if err := os.MkdirAll(keyDir, 0700); err != nil {
		return fmt.Errorf("create key dir: %w", err)
	}
	pubPath := filepath.Join(keyDir, "node.pub")
	if err := os.WriteFile(pubPath, []byte(hex.EncodeToString(kp.Public)), 0644); err != nil {
		return fmt.Errorf("write public key: %w", err)
	}
	privPath := filepath.Join(keyDir, "node.key")
	if err := os.WriteFile(privPath, []byte(hex.EncodeToString(kp.Private)), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}
	return nil
}

// PublicKeyHex returns the full public key as a hex string, the form it
// travels in on relay envelopes.
func (kp *Keypair) PublicKeyHex() string {
	return hex.EncodeToString(kp.Public)
}

// NodeID derives the node's wire identity from its public key. Peers can
// therefore check that an envelope's origin matches the key that signed it.
func (kp *Keypair) NodeID() string {
	return "node-" + kp.PublicKeyHex()[:nodeIDHexLen]
}

// Sign signs a message with the node's private key.
func (kp *Keypair) Sign(message []byte) []byte {
	return ed25519.Sign(kp.Private, message)
}

// Verify checks a signature against a public key.
func Verify(message, signature []byte, publicKey ed25519.PublicKey) bool {
	return ed25519.Verify(publicKey, message, signature)
}
