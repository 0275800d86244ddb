package envelope

import (
	"crypto/sha256"

	"dsync/internal/common"
)

// KeySize is the AES-256 key length.
const KeySize = sha256.Size

// Key is the process-wide encryption key. It is derived once and only read
// afterwards.
type Key struct {
	b [KeySize]byte
}

// DeriveKey hashes the master secret into an AES-256 key. The secret itself
// is never stored.
func DeriveKey(secret string) (Key, error) {
	if secret == "" {
		return Key{}, common.MissingConfig("MASTER_KEY")
	}
	return Key{b: sha256.Sum256([]byte(secret))}, nil
}

// Bytes returns a copy of the key material.
func (k Key) Bytes() []byte {
	out := make([]byte, KeySize)
	copy(out, k.b[:])
	return out
}

// IsZero reports whether the key was never derived.
func (k Key) IsZero() bool {
	return k.b == [KeySize]byte{}
}

func (Key) String() string   { return "[REDACTED]" }
func (Key) GoString() string { return "envelope.Key{[REDACTED]}" }
