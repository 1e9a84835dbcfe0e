// Package balanced splits a contiguous range of n items into k parts whose
// sizes differ by at most one, with the larger parts first.
//
// It is used to assign per-parallel-id streams to worker threads: thread i
// owns the streams in Part(i) of the range [0, parallelNum).
package balanced

import "github.com/gomlx/exceptions"

// Splitter partitions [0, Total) into Parts contiguous ranges.
type Splitter struct {
	Total, Parts int
}

// Range is a half-open interval [Begin, End).
type Range struct {
	Begin, End int
}

// Size returns the number of items in the range.
func (r Range) Size() int { return r.End - r.Begin }

// NewSplitter creates a Splitter over [0, total) with parts partitions.
// It panics if parts <= 0 or total < 0.
func NewSplitter(total, parts int) Splitter {
	if parts <= 0 {
		exceptions.Panicf("balanced.NewSplitter: parts must be positive, got %d", parts)
	}
	if total < 0 {
		exceptions.Panicf("balanced.NewSplitter: total must be non-negative, got %d", total)
	}
	return Splitter{Total: total, Parts: parts}
}

// Part returns the i-th range of the partition. The first total%parts ranges
// hold one extra item each, so sizes never differ by more than one.
func (s Splitter) Part(i int) Range {
	if i < 0 || i >= s.Parts {
		exceptions.Panicf("balanced.Splitter.Part(%d): out-of-range for %d parts", i, s.Parts)
	}
	base := s.Total / s.Parts
	extra := s.Total % s.Parts
	begin := i*base + min(i, extra)
	size := base
	if i < extra {
		size++
	}
	return Range{Begin: begin, End: begin + size}
}
