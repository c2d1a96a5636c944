// Package memrange implements range arithmetic over physical memory
// extents, used to seed the page allocator with all RAM not already
// occupied by the kernel image or the devicetree blob.
package memrange

// Range is a half-open (Start, Start+Length) extent.
type Range struct {
	Start  uint64
	Length uint64
}

// End returns the exclusive end of the range.
func (r Range) End() uint64 { return r.Start + r.Length }

// Empty reports whether the range has zero length.
func (r Range) Empty() bool { return r.Length == 0 }

// Subtract is an iterator yielding the sub-ranges of whole that remain once
// every range in reserved has been removed.
//
// Precondition: reserved must be sorted by Start and its members must be
// pairwise non-overlapping. Sub-ranges outside whole are clipped; if the
// union of reserved fully covers whole, no output is produced.
type Subtract struct {
	whole    Range
	reserved []Range
	cursor   uint64
	index    int
	done     bool
}

// NewSubtract constructs a Subtract iterator over whole and reserved.
func NewSubtract(whole Range, reserved []Range) *Subtract {
	return &Subtract{whole: whole, reserved: reserved, cursor: whole.Start}
}

// Next returns the next remaining sub-range, or ok=false once whole has been
// fully accounted for.
func (s *Subtract) Next() (Range, bool) {
	if s.done {
		return Range{}, false
	}
	wholeEnd := s.whole.End()

	for s.index < len(s.reserved) {
		r := s.reserved[s.index]
		s.index++

		// Clip the reserved range to whole.
		start := r.Start
		end := r.End()
		if end <= s.whole.Start || start >= wholeEnd {
			// entirely outside whole
			continue
		}
		if start < s.whole.Start {
			start = s.whole.Start
		}
		if end > wholeEnd {
			end = wholeEnd
		}

		if start > s.cursor {
			out := Range{Start: s.cursor, Length: start - s.cursor}
			s.cursor = end
			if s.cursor >= wholeEnd {
				s.done = true
			}
			return out, true
		}

		if end > s.cursor {
			s.cursor = end
		}
		if s.cursor >= wholeEnd {
			s.done = true
			return Range{}, false
		}
	}

	s.done = true
	if s.cursor < wholeEnd {
		return Range{Start: s.cursor, Length: wholeEnd - s.cursor}, true
	}
	return Range{}, false
}

// Collect drains the iterator into a slice, a convenience used by callers
// that don't need streaming behavior (e.g. allocator seeding).
func (s *Subtract) Collect() []Range {
	var out []Range
	for {
		r, ok := s.Next()
		if !ok {
			break
		}
		out = append(out, r)
	}
	return out
}
