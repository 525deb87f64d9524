package crypto

import (
	"sync"

	"github.com/flynn/noise"
)

// ProtocolName names the protocol and every algorithm it uses. Any change in
// algorithm choice must change this string so keys of different versions
// can never be confused.
const ProtocolName = "ZSSP_Noise_IKpsk2_NISTP384_?KYBER1024_AESGCM_SHA512"

// ProtocolIdentitySize is the size of the protocol identity constant.
const ProtocolIdentitySize = 64

var protocolIdentity = sync.OnceValue(func() [ProtocolIdentitySize]byte {
	h := noise.HashSHA512.Hash()
	h.Write([]byte(ProtocolName))
	var out [ProtocolIdentitySize]byte
	h.Sum(out[:0])
	return out
})

// ProtocolIdentity returns the SHA-512 of ProtocolName. It seeds every
// handshake transcript.
func ProtocolIdentity() [ProtocolIdentitySize]byte {
	return protocolIdentity()
}
