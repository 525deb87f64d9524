package crypto

import (
	"crypto/hmac"
	"crypto/sha512"
)

// HMACSize is the size of an HMAC-SHA384 output.
const HMACSize = sha512.Size384

// HMACSHA384 computes HMAC-SHA384 over the concatenation of data.
func HMACSHA384(key []byte, data ...[]byte) [HMACSize]byte {
	m := hmac.New(sha512.New384, key)
	for _, d := range data {
		m.Write(d)
	}
	var out [HMACSize]byte
	m.Sum(out[:0])
	return out
}

// SHA384 hashes the concatenation of data.
func SHA384(data ...[]byte) [HMACSize]byte {
	h := sha512.New384()
	for _, d := range data {
		h.Write(d)
	}
	var out [HMACSize]byte
	h.Sum(out[:0])
	return out
}

// EqualMAC compares two MACs in constant time.
func EqualMAC(a, b []byte) bool {
	return hmac.Equal(a, b)
}
