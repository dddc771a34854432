// Package account holds an account's long-term keys and on-disk layout.
package account

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
	"github.com/BurntSushi/toml"

	"github.com/matheus3301/sessync/internal/cryptobox"
	"github.com/matheus3301/sessync/internal/namespace"
)

// ErrNoKeys is returned when the account has not been onboarded.
var ErrNoKeys = errors.New("account keys not found")

// Keys are the account's long-term keys, all derived from Seed except the
// age identity used to seal dumps at rest.
type Keys struct {
	Seed    []byte
	ID      string
	X25519  *cryptobox.X25519KeyPair
	Ed25519 ed25519.PrivateKey
	Age     *age.X25519Identity
	// ConfigKey encrypts the user namespaces.
	ConfigKey []byte
}

type keyFile struct {
	Seed string `toml:"seed"`
	Age  string `toml:"age_identity"`
}

// Generate creates fresh account keys.
func Generate() (*Keys, error) {
	seed := make([]byte, ed25519.SeedSize)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("generate seed: %w", err)
	}
	id, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generate age identity: %w", err)
	}
	return FromSeed(seed, id)
}

// FromSeed derives the account keys from seed.
func FromSeed(seed []byte, ageID *age.X25519Identity) (*Keys, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("seed is %d bytes, want %d", len(seed), ed25519.SeedSize)
	}
	kp, err := cryptobox.X25519FromSeed(seed)
	if err != nil {
		return nil, err
	}
	return &Keys{
		Seed:      seed,
		ID:        namespace.UserPrefix + hex.EncodeToString(kp.Public[:]),
		X25519:    kp,
		Ed25519:   ed25519.NewKeyFromSeed(seed),
		Age:       ageID,
		ConfigKey: cryptobox.DerivedKey("sessync user config", seed),
	}, nil
}

// LoadKeys reads the key file at path. It returns ErrNoKeys if the file does
// not exist.
func LoadKeys(path string) (*Keys, error) {
	var kf keyFile
	if _, err := toml.DecodeFile(path, &kf); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoKeys
		}
		return nil, fmt.Errorf("read key file: %w", err)
	}
	seed, err := hex.DecodeString(kf.Seed)
	if err != nil {
		return nil, fmt.Errorf("decode seed: %w", err)
	}
	ageID, err := age.ParseX25519Identity(kf.Age)
	if err != nil {
		return nil, fmt.Errorf("parse age identity: %w", err)
	}
	return FromSeed(seed, ageID)
}

// SaveKeys writes k to path with owner-only permissions. An existing file
// is never overwritten.
func SaveKeys(path string, k *Keys) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(keyFile{Seed: hex.EncodeToString(k.Seed), Age: k.Age.String()})
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
