package cryptobox

import (
	"encoding/base64"

	"github.com/zeebo/blake3"
)

// Hash returns the blake3 digest of data.
func Hash(data []byte) [32]byte {
	return blake3.Sum256(data)
}

// DerivedKey derives a key from material under a fixed context string.
func DerivedKey(context string, material []byte) []byte {
	out := make([]byte, KeySize)
	blake3.DeriveKey(context, material, out)
	return out
}

// MessageHash is the relay-assigned hash of a stored message.
func MessageHash(identity string, ns int16, data []byte) string {
	h := blake3.New()
	_, _ = h.WriteString(identity)
	_, _ = h.Write([]byte{byte(ns >> 8), byte(ns)})
	_, _ = h.Write(data)
	return base64.RawURLEncoding.EncodeToString(h.Sum(nil))
}
