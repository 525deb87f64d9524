package identity

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIdentityBlob(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)

	blob := h.Identity()
	require.Len(t, blob, BlobSize)
	assert.Equal(t, h.StaticPublic(), blob[:len(h.StaticPublic())])

	static, signKey, err := Parse(blob)
	require.NoError(t, err)
	assert.Equal(t, h.StaticPublic(), static)
	assert.Len(t, signKey, ed25519.PublicKeySize)

	blob[0] ^= 0xff
	assert.NotEqual(t, blob, h.Identity(), "Identity must return a copy")
}

func TestVerify(t *testing.T) {
	alice, err := New(nil)
	require.NoError(t, err)
	bob, err := New(nil)
	require.NoError(t, err)

	msg := []byte("transcript hash")
	sig, err := alice.Sign(msg)
	require.NoError(t, err)

	aliceStatic := alice.StaticKey().PublicKey()
	assert.True(t, bob.Verify(alice.Identity(), aliceStatic, msg, sig))

	t.Run("wrong message", func(t *testing.T) {
		assert.False(t, bob.Verify(alice.Identity(), aliceStatic, []byte("other"), sig))
	})
	t.Run("static not bound to identity", func(t *testing.T) {
		assert.False(t, bob.Verify(alice.Identity(), bob.StaticKey().PublicKey(), msg, sig))
	})
	t.Run("signature from another identity", func(t *testing.T) {
		bobSig, err := bob.Sign(msg)
		require.NoError(t, err)
		assert.False(t, bob.Verify(alice.Identity(), aliceStatic, msg, bobSig))
	})
	t.Run("truncated blob", func(t *testing.T) {
		assert.False(t, bob.Verify(alice.Identity()[:10], aliceStatic, msg, sig))
	})
	t.Run("nil static", func(t *testing.T) {
		assert.False(t, bob.Verify(alice.Identity(), nil, msg, sig))
	})
	t.Run("policy rejection", func(t *testing.T) {
		bob.Accept = func([]byte) bool { return false }
		defer func() { bob.Accept = nil }()
		assert.False(t, bob.Verify(alice.Identity(), aliceStatic, msg, sig))
	})
}

func TestParseRejectsBadBlob(t *testing.T) {
	_, _, err := Parse(make([]byte, BlobSize-1))
	assert.ErrorIs(t, err, ErrInvalidBlob)

	// Correct size but not a curve point.
	_, _, err = Parse(make([]byte, BlobSize))
	assert.ErrorIs(t, err, ErrInvalidBlob)
}

func TestFromKeysRejectsBadSeed(t *testing.T) {
	h, err := New(nil)
	require.NoError(t, err)
	_, err = FromKeys(h.StaticKey(), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrInvalidSeed)

	_, err = FromKeys(nil, make([]byte, ed25519.SeedSize))
	assert.ErrorIs(t, err, ErrInvalidBlob)
}
