// Package cryptobox holds the encryption primitives the sync core uses:
// domain-separated authenticated encryption of config messages, padding,
// compression, hashing and key wrapping for group members.
package cryptobox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the size of every symmetric key handled here.
const KeySize = 32

// sealVersion is prepended to every sealed message and bound as AAD.
const sealVersion byte = 1

// PadBlock is the granularity messages are padded to before encryption.
const PadBlock = 256

var (
	// ErrDecrypt is returned when no key opens a sealed message.
	ErrDecrypt = errors.New("cryptobox: decryption failed")
	// ErrMalformed is returned for inputs too short or with an unknown version.
	ErrMalformed = errors.New("cryptobox: malformed input")
)

// DeriveKey expands base into the key used for domain. Distinct domains
// never share a key even when base is shared.
func DeriveKey(base []byte, domain string) ([]byte, error) {
	if len(base) != KeySize {
		return nil, fmt.Errorf("derive key: base key is %d bytes, want %d", len(base), KeySize)
	}
	out := make([]byte, KeySize)
	r := hkdf.New(sha256.New, base, nil, []byte("sessync config "+domain))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return out, nil
}

// Seal encrypts plaintext with the key derived from base for domain.
// Output is version || nonce || ciphertext.
func Seal(base []byte, domain string, plaintext []byte) ([]byte, error) {
	key, err := DeriveKey(base, domain)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("seal: %w", err)
	}
	out := make([]byte, 1+aead.NonceSize(), 1+aead.NonceSize()+len(plaintext)+aead.Overhead())
	out[0] = sealVersion
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("seal nonce: %w", err)
	}
	return aead.Seal(out, out[1:], plaintext, additionalData(domain)), nil
}

// Open reverses Seal, trying each key in order. It returns the plaintext and
// the index of the key that opened it.
func Open(keys [][]byte, domain string, sealed []byte) ([]byte, int, error) {
	if len(sealed) < 1+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead || sealed[0] != sealVersion {
		return nil, -1, ErrMalformed
	}
	nonce := sealed[1 : 1+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[1+chacha20poly1305.NonceSizeX:]
	for i, base := range keys {
		key, err := DeriveKey(base, domain)
		if err != nil {
			continue
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			continue
		}
		plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(domain))
		if err == nil {
			return plaintext, i, nil
		}
	}
	return nil, -1, ErrDecrypt
}

func additionalData(domain string) []byte {
	return append([]byte{sealVersion}, domain...)
}

// Pad prefixes data with its length and zero-fills to a multiple of
// PadBlock so message sizes leak only coarse information.
func Pad(data []byte) []byte {
	size := 4 + len(data)
	if rem := size % PadBlock; rem != 0 {
		size += PadBlock - rem
	}
	out := make([]byte, size)
	binary.BigEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], data)
	return out
}

// Unpad reverses Pad.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < 4 {
		return nil, ErrMalformed
	}
	n := binary.BigEndian.Uint32(padded)
	if uint64(n) > uint64(len(padded)-4) {
		return nil, ErrMalformed
	}
	return padded[4 : 4+n], nil
}

// RandomKey returns a fresh random symmetric key.
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("random key: %w", err)
	}
	return key, nil
}
