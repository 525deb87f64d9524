package packet

import (
	"errors"
	"fmt"

	"github.com/opd-ai/zssp/limits"
)

// ErrTooManyFragments indicates a packet that would need, or claims, more
// fragments than its type allows.
var ErrTooManyFragments = errors.New("too many fragments")

// Fragment splits a packet body into datagrams of at most mtu bytes. Each
// datagram carries a copy of h with its fragment fields set and, when check
// is non-nil, a header check tag sealed over that datagram.
func Fragment(h Header, body []byte, mtu, maxFragments int, check *HeaderCheck) ([][]byte, error) {
	if err := limits.ValidateMTU(mtu); err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, limits.ErrMessageEmpty
	}
	capacity := limits.FragmentCapacity(mtu)
	count := (len(body) + capacity - 1) / capacity
	if count > maxFragments || count > limits.ProtocolMaxFragments {
		return nil, fmt.Errorf("%w: %d needed, %d allowed", ErrTooManyFragments, count, maxFragments)
	}

	datagrams := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		chunk := body[i*capacity:]
		if len(chunk) > capacity {
			chunk = chunk[:capacity]
		}
		fh := h
		fh.FragmentTotal = uint8(count)
		fh.FragmentIndex = uint8(i)
		fh.Check = [4]byte{}

		dgram := make([]byte, limits.HeaderSize+len(chunk))
		if err := fh.Encode(dgram); err != nil {
			return nil, err
		}
		copy(dgram[limits.HeaderSize:], chunk)
		if check != nil {
			check.Seal(dgram)
		}
		datagrams = append(datagrams, dgram)
	}
	return datagrams, nil
}
