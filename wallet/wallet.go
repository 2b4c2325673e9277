// Package wallet manages a node's Ed25519 keypair and derives its stable
// account identifier, per spec.md §4.1.
package wallet

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrBadKeyMaterial is returned by Import/Load when the key material
// cannot be parsed as an Ed25519 key, or the account id derived from it
// does not match the declared one.
var ErrBadKeyMaterial = errors.New("wallet: bad key material")

// ErrLeaderKeyChange is returned when a genesis leader attempts to load
// a keypair that would change its public key after the ledger already
// has a leader key on record.
var ErrLeaderKeyChange = errors.New("wallet: refusing to change genesis leader key")

const pemBlockType = "GTOS MESH PRIVATE KEY"

// Wallet holds a node's signing keypair and cached account id.
type Wallet struct {
	priv      ed25519.PrivateKey
	pub       ed25519.PublicKey
	accountID string
}

// Generate creates a fresh random keypair.
func Generate() (*Wallet, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	return newWallet(pub, priv)
}

func newWallet(pub ed25519.PublicKey, priv ed25519.PrivateKey) (*Wallet, error) {
	id, err := AccountIDOf(pub)
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, pub: pub, accountID: id}, nil
}

// LoadOrCreate loads the keypair at path, creating and atomically
// persisting a new one if it does not exist yet.
func LoadOrCreate(path string) (*Wallet, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		w, err := Generate()
		if err != nil {
			return nil, err
		}
		if err := w.Save(path); err != nil {
			return nil, err
		}
		return w, nil
	}
	return Load(path)
}

// Load reads a PEM-encoded Ed25519 private key from path.
func Load(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil || block.Type != pemBlockType {
		return nil, fmt.Errorf("%w: not a gtos mesh key file", ErrBadKeyMaterial)
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrBadKeyMaterial)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadKeyMaterial
	}
	return newWallet(pub, priv)
}

// Save persists the keypair atomically: write to a temp file, then
// rename over the destination, matching the teacher's
// internal/unotracker.Save pattern for crash-safe writes.
func (w *Wallet) Save(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(w.priv)
	if err != nil {
		return err
	}
	block := &pem.Block{Type: pemBlockType, Bytes: der}
	raw := pem.EncodeToMemory(block)

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// PublicKeyPEM returns the PEM encoding of the public key, the exact
// byte sequence over which AccountIDOf is computed and which accompanies
// every signed transaction (spec.md §3).
func (w *Wallet) PublicKeyPEM() (string, error) {
	return PublicKeyToPEM(w.pub)
}

// PublicKeyToPEM renders an Ed25519 public key as a PEM block.
func PublicKeyToPEM(pub ed25519.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}

// PublicKeyFromPEM parses a PEM-encoded Ed25519 public key.
func PublicKeyFromPEM(s string) (ed25519.PublicKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, fmt.Errorf("%w: invalid PEM", ErrBadKeyMaterial)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKeyMaterial, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: not an ed25519 key", ErrBadKeyMaterial)
	}
	return pub, nil
}

// AccountIDOf derives the stable account identifier for a public key:
// "acct_" + first 16 hex chars of SHA-256(PEM(pubkey)), per spec.md §3.
func AccountIDOf(pub ed25519.PublicKey) (string, error) {
	pemStr, err := PublicKeyToPEM(pub)
	if err != nil {
		return "", err
	}
	return AccountIDFromPEM(pemStr), nil
}

// AccountIDFromPEM derives the account id directly from a PEM string,
// used by callers (e.g. the ledger) that only have the PEM on hand.
func AccountIDFromPEM(pemStr string) string {
	sum := sha256.Sum256([]byte(pemStr))
	return "acct_" + hex.EncodeToString(sum[:])[:16]
}

// AccountID returns this wallet's derived account id.
func (w *Wallet) AccountID() string { return w.accountID }

// PublicKey returns the raw Ed25519 public key.
func (w *Wallet) PublicKey() ed25519.PublicKey { return w.pub }

// Sign signs payload with the wallet's private key.
func (w *Wallet) Sign(payload []byte) []byte {
	return ed25519.Sign(w.priv, payload)
}

// Verify checks an Ed25519 signature over payload under pub.
func Verify(pub ed25519.PublicKey, payload, sig []byte) bool {
	if len(pub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(pub, payload, sig)
}

// Import validates that declaredAccountID (when non-empty) matches the
// keypair's derived account id before accepting it, per spec.md §4.1. If isLeader and
// existingLeaderKey is non-empty, Import refuses any key that would
// change the genesis leader's public key.
func Import(priv ed25519.PrivateKey, declaredAccountID string, isLeader bool, existingLeaderKeyPEM string) (*Wallet, error) {
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadKeyMaterial
	}
	id, err := AccountIDOf(pub)
	if err != nil {
		return nil, err
	}
	if declaredAccountID != "" && id != declaredAccountID {
		return nil, ErrBadKeyMaterial
	}
	if isLeader && existingLeaderKeyPEM != "" {
		pemStr, err := PublicKeyToPEM(pub)
		if err != nil {
			return nil, err
		}
		if pemStr != existingLeaderKeyPEM {
			return nil, ErrLeaderKeyChange
		}
	}
	return newWallet(pub, priv)
}
