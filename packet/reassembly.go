package packet

import (
	"errors"
	"time"
)

// ErrFragmentMismatch indicates a fragment whose total disagrees with the
// first fragment seen for the same packet. The partial packet is discarded.
var ErrFragmentMismatch = errors.New("fragment total mismatch")

// DefaultReassemblyTimeout is how long an incomplete packet is kept.
const DefaultReassemblyTimeout = 10 * time.Second

// DefaultMaxReassemblies bounds concurrently incomplete packets per owner.
const DefaultMaxReassemblies = 32

// ReassemblyKey identifies the packet a fragment belongs to. Epoch lets an
// owner keep packets sealed under different keys apart when their counters
// collide.
type ReassemblyKey struct {
	Source    string
	SessionID SessionID
	Counter   uint32
	Epoch     uint64
}

type reassembly struct {
	total    uint8
	received uint64
	count    int
	parts    [][]byte
	created  time.Time
	seq      uint64
}

// Reassembler collects fragments until every fragment of a packet has
// arrived. It holds at most MaxEntries incomplete packets, evicting the
// oldest when full. It is not safe for concurrent use.
type Reassembler struct {
	MaxEntries int
	Timeout    time.Duration
	// OnEvict, if set, is called with the number of incomplete packets
	// discarded by capacity pressure or timeout.
	OnEvict func(n int)

	entries map[ReassemblyKey]*reassembly
	seq     uint64
}

// NewReassembler creates a reassembler with the given bounds. Non-positive
// values select the defaults.
func NewReassembler(maxEntries int, timeout time.Duration) *Reassembler {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxReassemblies
	}
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	return &Reassembler{
		MaxEntries: maxEntries,
		Timeout:    timeout,
		entries:    make(map[ReassemblyKey]*reassembly),
	}
}

// Add stores one fragment. When it completes a packet the concatenated body
// is returned with complete set. Duplicate fragments are ignored.
func (r *Reassembler) Add(key ReassemblyKey, h Header, fragment []byte, now time.Time) (body []byte, complete bool, err error) {
	if h.FragmentTotal == 0 || h.FragmentIndex >= h.FragmentTotal {
		return nil, false, ErrInvalidFragment
	}
	if int(h.FragmentTotal) > h.Type.MaxFragments() {
		return nil, false, ErrTooManyFragments
	}
	if h.FragmentTotal == 1 {
		return append([]byte(nil), fragment...), true, nil
	}

	e, ok := r.entries[key]
	if ok && e.total != h.FragmentTotal {
		delete(r.entries, key)
		return nil, false, ErrFragmentMismatch
	}
	if !ok {
		if len(r.entries) >= r.MaxEntries {
			r.evictOldest()
		}
		r.seq++
		e = &reassembly{
			total:   h.FragmentTotal,
			parts:   make([][]byte, h.FragmentTotal),
			created: now,
			seq:     r.seq,
		}
		r.entries[key] = e
	}

	bit := uint64(1) << h.FragmentIndex
	if e.received&bit != 0 {
		return nil, false, nil
	}
	e.received |= bit
	e.parts[h.FragmentIndex] = append([]byte(nil), fragment...)
	e.count++
	if e.count < int(e.total) {
		return nil, false, nil
	}

	delete(r.entries, key)
	size := 0
	for _, p := range e.parts {
		size += len(p)
	}
	body = make([]byte, 0, size)
	for _, p := range e.parts {
		body = append(body, p...)
	}
	return body, true, nil
}

// Evict discards incomplete packets older than Timeout and returns how many
// were removed.
func (r *Reassembler) Evict(now time.Time) int {
	n := 0
	for k, e := range r.entries {
		if now.Sub(e.created) >= r.Timeout {
			delete(r.entries, k)
			n++
		}
	}
	if n > 0 && r.OnEvict != nil {
		r.OnEvict(n)
	}
	return n
}

// Len returns the number of incomplete packets held.
func (r *Reassembler) Len() int {
	return len(r.entries)
}

// Reset discards every incomplete packet.
func (r *Reassembler) Reset() {
	clear(r.entries)
}

func (r *Reassembler) evictOldest() {
	var (
		oldestKey ReassemblyKey
		oldest    *reassembly
	)
	for k, e := range r.entries {
		if oldest == nil || e.seq < oldest.seq {
			oldestKey, oldest = k, e
		}
	}
	if oldest == nil {
		return
	}
	delete(r.entries, oldestKey)
	if r.OnEvict != nil {
		r.OnEvict(1)
	}
}
