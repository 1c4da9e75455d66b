package store

import "github.com/srg/databloom/internal/sample"

// SeqOutcome classifies one observed sequence number against the previous one.
type SeqOutcome int

const (
	SeqBaseline  SeqOutcome = iota // first number after construction or Reset
	SeqInOrder                     // forward step, possibly with a gap
	SeqDuplicate                   // same number as the previous one
	SeqReset                       // large backward jump, treated as a device restart
)

func (o SeqOutcome) String() string {
	switch o {
	case SeqBaseline:
		return "baseline"
	case SeqInOrder:
		return "in-order"
	case SeqDuplicate:
		return "duplicate"
	case SeqReset:
		return "reset"
	default:
		return "unknown"
	}
}

// SeqTracker counts frames lost on a wrapping 16-bit counter.
type SeqTracker struct {
	last  uint16
	valid bool
	drops uint64
}

// Observe records seq and returns how it relates to the previous value together with
// the number of frames considered lost by this step.
//
// Forward distances below half the modulus are gaps; anything at or beyond it is a
// restart and leaves the drop count alone, even though that can under-count a reboot.
func (t *SeqTracker) Observe(seq uint16) (SeqOutcome, uint64) {
	if !t.valid {
		t.last, t.valid = seq, true
		return SeqBaseline, 0
	}

	delta := (uint32(seq) + sample.SeqModulus - uint32(t.last)) % sample.SeqModulus
	t.last = seq

	switch {
	case delta == 0:
		return SeqDuplicate, 0
	case delta < sample.SeqModulus/2:
		lost := uint64(delta - 1)
		t.drops += lost
		return SeqInOrder, lost
	default:
		return SeqReset, 0
	}
}

// Drops returns the running drop count.
func (t *SeqTracker) Drops() uint64 { return t.drops }

// Reset forgets the baseline and zeroes the drop count.
func (t *SeqTracker) Reset() { *t = SeqTracker{} }
