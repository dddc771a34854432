package cryptobox

import (
	"bytes"
	"crypto/rand"
	"fmt"
	"io"

	"filippo.io/age"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
)

// X25519KeyPair is a curve25519 key agreement pair.
type X25519KeyPair struct {
	Public  [32]byte
	Private [32]byte
}

// X25519FromSeed derives the account's key agreement pair from its seed.
func X25519FromSeed(seed []byte) (*X25519KeyPair, error) {
	var kp X25519KeyPair
	copy(kp.Private[:], DerivedKey("sessync account x25519", seed))
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("x25519 public: %w", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// WrapKey seals key so only the holder of recipient's private key can open it.
func WrapKey(recipient *[32]byte, key []byte) ([]byte, error) {
	out, err := box.SealAnonymous(nil, key, recipient, rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("wrap key: %w", err)
	}
	return out, nil
}

// UnwrapKey opens a key sealed with WrapKey.
func UnwrapKey(kp *X25519KeyPair, wrapped []byte) ([]byte, error) {
	out, ok := box.OpenAnonymous(nil, wrapped, &kp.Public, &kp.Private)
	if !ok {
		return nil, ErrDecrypt
	}
	return out, nil
}

// SealDump encrypts a dump at rest to an age recipient.
func SealDump(recipient age.Recipient, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("age encrypt: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("age write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("age close: %w", err)
	}
	return buf.Bytes(), nil
}

// OpenDump decrypts a dump sealed with SealDump.
func OpenDump(identity age.Identity, sealed []byte) ([]byte, error) {
	r, err := age.Decrypt(bytes.NewReader(sealed), identity)
	if err != nil {
		return nil, fmt.Errorf("age decrypt: %w", err)
	}
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("age read: %w", err)
	}
	return out, nil
}

// ageHeader starts every age file.
var ageHeader = []byte("age-encryption.org/")

// IsSealedDump reports whether data was produced by SealDump.
func IsSealedDump(data []byte) bool {
	return bytes.HasPrefix(data, ageHeader)
}
