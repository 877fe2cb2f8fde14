// Package identity manages the agent's signing keypair. Each runtime holds a
// persistent Ed25519 identity used to sign prepared meta-transactions before
// they are relayed on-chain. The private key never leaves the process.
package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
)

const pemType = "ED25519 PRIVATE KEY"

// Identity is the agent's local signing identity.
type Identity struct {
	Name       string
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// New generates a fresh identity with a new Ed25519 keypair.
func New(name string) (*Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating keypair: %w", err)
	}
	return &Identity{Name: name, PublicKey: pub, PrivateKey: priv}, nil
}

// Load reads an identity from a PEM key file, deriving the public key.
func Load(keyFile, name string) (*Identity, error) {
	data, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", keyFile)
	}
	if block.Type != pemType {
		return nil, fmt.Errorf("unexpected PEM type %q, expected %s", block.Type, pemType)
	}
	if len(block.Bytes) != ed25519.SeedSize {
		return nil, fmt.Errorf("invalid key seed length: got %d, want %d", len(block.Bytes), ed25519.SeedSize)
	}

	priv := ed25519.NewKeyFromSeed(block.Bytes)
	return &Identity{
		Name:       name,
		PublicKey:  priv.Public().(ed25519.PublicKey),
		PrivateKey: priv,
	}, nil
}

// Save persists the private key seed to a PEM file.
func (id *Identity) Save(path string) error {
	block := &pem.Block{
		Type:  pemType,
		Bytes: id.PrivateKey.Seed(),
	}
	return os.WriteFile(path, pem.EncodeToMemory(block), 0600)
}

// Address returns the agent's network address, derived from the public key.
func (id *Identity) Address() string {
	sum := sha256.Sum256(id.PublicKey)
	return "0x" + hex.EncodeToString(sum[12:])
}

// SignTypedData signs a prepared forward-request context and returns the
// 0x-prefixed hex signature expected by the relay endpoint. The signature
// covers the canonical bytes of the prepared blob.
func (id *Identity) SignTypedData(_ context.Context, prepared json.RawMessage) (string, error) {
	canonical, err := canonicalize(prepared)
	if err != nil {
		return "", fmt.Errorf("canonicalizing prepared context: %w", err)
	}
	sig := ed25519.Sign(id.PrivateKey, canonical)
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify checks a signature against this identity's public key.
func (id *Identity) Verify(data, signature []byte) bool {
	return ed25519.Verify(id.PublicKey, data, signature)
}

// PublicKeyHex returns the hex-encoded public key for registration.
func (id *Identity) PublicKeyHex() string {
	return hex.EncodeToString(id.PublicKey)
}

// canonicalize re-encodes JSON with sorted keys so signatures are stable
// across field orderings.
func canonicalize(raw json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return json.Marshal(v)
}
