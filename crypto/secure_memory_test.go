package crypto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroBytes(t *testing.T) {
	data := []byte{1, 2, 3, 4}
	ZeroBytes(data)
	assert.Equal(t, []byte{0, 0, 0, 0}, data)
	assert.Error(t, secureWipe(nil))
	assert.NotPanics(t, func() { ZeroBytes(nil) })
}

func TestWipeKeyAndSecret(t *testing.T) {
	k := [32]byte{1, 2, 3}
	WipeKey(&k)
	assert.Equal(t, [32]byte{}, k)

	s := SHA384([]byte("secret"))
	WipeSecret(&s)
	assert.Equal(t, [HMACSize]byte{}, s)

	WipeKey(nil)
	WipeSecret(nil)
}
