// Package keyring manages the ledger signing keypair.
//
// The keypair is an explicitly constructed, injected dependency with a
// load-once/persist-forever lifecycle: it is generated on first start,
// written to a 0600 keystore file, and reloaded unchanged on every
// subsequent start. Regenerating it would orphan previously signed
// commits, so Load never replaces an existing keystore.
package keyring

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// keystore is the on-disk JSON format for the persisted keypair.
type keystore struct {
	KeyID      string    `json:"key_id"`
	PrivateKey string    `json:"private_key"` // base64-encoded ed25519 seed+pub
	PublicKey  string    `json:"public_key"`  // base64-encoded
	CreatedAt  time.Time `json:"created_at"`
}

// Keyring holds the service's Ed25519 signing keypair.
type Keyring struct {
	keyID string
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
}

// Load reads the keystore at path, generating and persisting a new
// keypair if none exists yet.
func Load(path string) (*Keyring, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, fmt.Errorf("keyring: create dir: %w", err)
		}

		k, err := NewEphemeral()
		if err != nil {
			return nil, err
		}

		store := keystore{
			KeyID:      k.keyID,
			PrivateKey: base64.StdEncoding.EncodeToString(k.priv),
			PublicKey:  base64.StdEncoding.EncodeToString(k.pub),
			CreatedAt:  time.Now().UTC(),
		}
		data, err := json.MarshalIndent(store, "", "  ")
		if err != nil {
			return nil, fmt.Errorf("keyring: marshal keystore: %w", err)
		}
		if err := os.WriteFile(path, data, 0600); err != nil {
			return nil, fmt.Errorf("keyring: write keystore: %w", err)
		}
		return k, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: read keystore: %w", err)
	}

	var store keystore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, fmt.Errorf("keyring: parse keystore: %w", err)
	}

	priv, err := base64.StdEncoding.DecodeString(store.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("keyring: decode private key: %w", err)
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keyring: private key invalid length %d (need %d)", len(priv), ed25519.PrivateKeySize)
	}

	key := ed25519.PrivateKey(priv)
	return &Keyring{
		keyID: store.KeyID,
		priv:  key,
		pub:   key.Public().(ed25519.PublicKey),
	}, nil
}

// NewEphemeral generates an in-memory keypair. Intended for tests.
func NewEphemeral() (*Keyring, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("keyring: generate key: %w", err)
	}
	return &Keyring{
		keyID: uuid.New().String(),
		priv:  priv,
		pub:   pub,
	}, nil
}

// Sign returns the hex-encoded Ed25519 signature over data.
func (k *Keyring) Sign(data []byte) string {
	return hex.EncodeToString(ed25519.Sign(k.priv, data))
}

// Verify reports whether sigHex is a valid signature over data by this
// keyring's public key.
func (k *Keyring) Verify(data []byte, sigHex string) bool {
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return false
	}
	return ed25519.Verify(k.pub, data, sig)
}

// PublicKeyHex returns the hex-encoded public key.
func (k *Keyring) PublicKeyHex() string {
	return hex.EncodeToString(k.pub)
}

// KeyID returns the stable identifier of the keypair.
func (k *Keyring) KeyID() string {
	return k.keyID
}
