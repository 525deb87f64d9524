package crypto

import "github.com/opd-ai/zssp/limits"

// ReplayWindow rejects duplicate and stale packet counters for one receive key.
//
// It tracks the highest accepted counter and a bitmap of the
// CounterWindowMaxOutOfOrder counters immediately below it. A counter is
// acceptable if it is above the highest seen, or within the window and not
// yet marked. Anything at or below the window floor is a replay.
//
// ReplayWindow is not safe for concurrent use; the owning session serializes
// Check and Mark.
type ReplayWindow struct {
	highest uint64
	bitmap  uint16
}

// Check reports whether counter would be accepted. It does not modify the window.
func (w *ReplayWindow) Check(counter uint64) bool {
	if counter == 0 {
		return false
	}
	if counter > w.highest {
		return true
	}
	diff := w.highest - counter
	if diff == 0 || diff > limits.CounterWindowMaxOutOfOrder {
		return false
	}
	return w.bitmap&(1<<(diff-1)) == 0
}

// Mark records counter as accepted. It returns false, leaving the window
// unchanged, if counter fails Check.
func (w *ReplayWindow) Mark(counter uint64) bool {
	if !w.Check(counter) {
		return false
	}
	if counter > w.highest {
		shift := counter - w.highest
		switch {
		case w.highest == 0 || shift > limits.CounterWindowMaxOutOfOrder:
			w.bitmap = 0
		default:
			w.bitmap = w.bitmap<<shift | 1<<(shift-1)
		}
		w.highest = counter
		return true
	}
	w.bitmap |= 1 << (w.highest - counter - 1)
	return true
}

// Highest returns the highest accepted counter, or 0 if none.
func (w *ReplayWindow) Highest() uint64 {
	return w.highest
}

// Reset forgets every accepted counter.
func (w *ReplayWindow) Reset() {
	w.highest = 0
	w.bitmap = 0
}
