package onion

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/sha3"
)

var ErrInvalidKey = errors.New("invalid key")

// Identity is a relay node's long-term box keypair. Layers sealed to
// Public can only be opened with this identity.
type Identity struct {
	Public  [32]byte
	private [32]byte
}

func GenerateIdentity(random io.Reader) (*Identity, error) {
	pub, priv, err := box.GenerateKey(random)
	if err != nil {
		return nil, fmt.Errorf("generate identity: %w", err)
	}
	return &Identity{Public: *pub, private: *priv}, nil
}

func identityFromPrivate(priv []byte) (*Identity, error) {
	if len(priv) != 32 {
		return nil, fmt.Errorf("%w: private key is %d bytes", ErrInvalidKey, len(priv))
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	id := &Identity{}
	copy(id.private[:], priv)
	copy(id.Public[:], pub)
	return id, nil
}

// LoadIdentity reads a base64 private key written by Save.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	priv, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidKey, path, err)
	}
	return identityFromPrivate(priv)
}

// LoadOrCreateIdentity loads path, generating and saving a new identity
// when the file does not exist yet.
func LoadOrCreateIdentity(path string, random io.Reader) (id *Identity, created bool, err error) {
	id, err = LoadIdentity(path)
	if err == nil {
		return id, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}
	id, err = GenerateIdentity(random)
	if err != nil {
		return nil, false, err
	}
	if err := id.Save(path); err != nil {
		return nil, false, err
	}
	return id, true, nil
}

// Save writes the private key readable by the owner only.
func (id *Identity) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data := base64.StdEncoding.EncodeToString(id.private[:]) + "\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func (id *Identity) PublicKeyString() string {
	return EncodePublicKey(id.Public)
}

// Fingerprint is a short, stable name for the public key.
func (id *Identity) Fingerprint() string {
	return Fingerprint(id.Public)
}

func (id *Identity) LogValue() slog.Value {
	return slog.StringValue(id.Fingerprint())
}

func Fingerprint(pub [32]byte) string {
	sum := sha3.Sum256(pub[:])
	return hex.EncodeToString(sum[:8])
}

func EncodePublicKey(pub [32]byte) string {
	return base64.StdEncoding.EncodeToString(pub[:])
}

// ParsePublicKey decodes a base64 public key as published by the registry.
func ParsePublicKey(s string) ([32]byte, error) {
	var key [32]byte
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(s))
	if err != nil {
		return key, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	if len(raw) != len(key) {
		return key, fmt.Errorf("%w: public key is %d bytes", ErrInvalidKey, len(raw))
	}
	copy(key[:], raw)
	return key, nil
}
