package crypto

// Usage labels for KBKDF. Each sub-key of a handshake is derived from the
// chaining key with a distinct label so no two purposes share key material.
const (
	LabelHMACAuth        byte = 'H'
	LabelHeaderCheck     byte = 'h'
	LabelAESAliceToBob   byte = 'A'
	LabelAESBobToAlice   byte = 'B'
	LabelRatchet         byte = 'R'
	LabelOfferKey        byte = 'O'
	LabelCounterOfferKey byte = 'C'
	LabelHybrid          byte = 'K'
	LabelClassical       byte = 'k'
)

// KBKDF derives a sub-key from key for the given usage label and context.
// It is a single HMAC-SHA384 over label || 0x00 || context.
func KBKDF(key []byte, label byte, context ...[]byte) [HMACSize]byte {
	data := make([][]byte, 0, len(context)+1)
	data = append(data, []byte{label, 0})
	data = append(data, context...)
	return HMACSHA384(key, data...)
}

// KBKDF256 is KBKDF truncated to an AES-256 key.
func KBKDF256(key []byte, label byte, context ...[]byte) [KeySize]byte {
	full := KBKDF(key, label, context...)
	var k [KeySize]byte
	copy(k[:], full[:KeySize])
	ZeroBytes(full[:])
	return k
}

// Mix absorbs input key material into a chaining key.
func Mix(ck []byte, ikm []byte) [HMACSize]byte {
	return HMACSHA384(ck, ikm)
}
