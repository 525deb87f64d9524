package crypto

import (
	"crypto/subtle"
	"errors"
	"runtime"
)

// secureWipe erases the contents of a byte slice containing sensitive
// data. It returns an error if the byte slice is nil.
func secureWipe(data []byte) error {
	if data == nil {
		return errors.New("cannot wipe nil data")
	}

	zeros := make([]byte, len(data))
	subtle.ConstantTimeCompare(data, zeros)
	copy(data, zeros)

	// Keep the slices alive so the stores are not elided.
	runtime.KeepAlive(data)
	runtime.KeepAlive(zeros)

	return nil
}

// ZeroBytes erases the contents of a byte slice containing sensitive data.
// A nil slice is ignored.
func ZeroBytes(data []byte) {
	_ = secureWipe(data)
}

// WipeKey erases a fixed-size symmetric key.
func WipeKey(key *[KeySize]byte) {
	if key != nil {
		ZeroBytes(key[:])
	}
}

// WipeSecret erases a chaining key or ratchet secret.
func WipeSecret(secret *[HMACSize]byte) {
	if secret != nil {
		ZeroBytes(secret[:])
	}
}
