package segcrypto

import (
	"fmt"
	"math"

	"github.com/awnumar/memguard"
)

const (
	// SegmentSizeUnit is the granularity of the segment-size parameter:
	// segments hold units*SegmentSizeUnit bytes of plaintext.
	SegmentSizeUnit = 256

	// MinSegmentSize and MaxSegmentSize bound the plaintext bytes per segment.
	MinSegmentSize = SegmentSizeUnit
	MaxSegmentSize = 255 * SegmentSizeUnit

	// MaxContentLength is the largest representable content length (48 bits).
	MaxContentLength = 1<<48 - 1
)

// chain is one maximal run of segments sharing a nonce base. The nonce of
// segment k within the chain is the chain nonce plus k. A chain is open while
// content is still being written; closing it fixes numSegs and lastSegSize.
// Once a later chain exists, a closed chain's nonce and extent never change.
type chain struct {
	nonce       []byte // NonceSize bytes, wiped on teardown
	numSegs     uint32
	lastSegSize uint32
	open        bool
}

// plainLen returns the plaintext bytes the chain covers. Zero for open chains.
func (c *chain) plainLen(segSize uint32) uint64 {
	if c.open || c.numSegs == 0 {
		return 0
	}
	return uint64(c.numSegs-1)*uint64(segSize) + uint64(c.lastSegSize)
}

// fileInfo tracks how a file's content maps onto segments: the uniform
// segment size and the ordered chain sequence. The file is endless while the
// last chain is open and finite once it is closed.
type fileInfo struct {
	segSize  uint32
	chains   []chain
	modified bool
}

func newFileInfo(segSize uint32, nonce []byte) *fileInfo {
	return &fileInfo{
		segSize:  segSize,
		chains:   []chain{{nonce: nonce, open: true}},
		modified: true,
	}
}

func checkSegmentSize(segSize uint32) error {
	if segSize < MinSegmentSize || segSize > MaxSegmentSize || segSize%SegmentSizeUnit != 0 {
		return fmt.Errorf("%w: segment size %d must be a multiple of %d in [%d,%d]",
			ErrInvalidSize, segSize, SegmentSizeUnit, MinSegmentSize, MaxSegmentSize)
	}
	return nil
}

func (fi *fileInfo) endless() bool {
	// A wiped model has no chains and is treated as finite and empty.
	return len(fi.chains) > 0 && fi.chains[len(fi.chains)-1].open
}

// contentLength returns the total plaintext length. ok is false while the
// file is endless.
func (fi *fileInfo) contentLength() (uint64, bool) {
	if fi.endless() {
		return 0, false
	}
	var total uint64
	for i := range fi.chains {
		total += fi.chains[i].plainLen(fi.segSize)
	}
	return total, true
}

func (fi *fileInfo) numberOfSegments() (uint32, bool) {
	if fi.endless() {
		return 0, false
	}
	var total uint32
	for i := range fi.chains {
		total += fi.chains[i].numSegs
	}
	return total, true
}

// segmentsLength returns the total ciphertext length: every segment carries
// its plaintext plus a TagSize tag.
func (fi *fileInfo) segmentsLength() (uint64, bool) {
	length, ok := fi.contentLength()
	if !ok {
		return 0, false
	}
	n, _ := fi.numberOfSegments()
	return length + uint64(n)*TagSize, true
}

// chainOf resolves a file-level segment index to its chain and the index
// within that chain. An open chain covers every remaining index.
func (fi *fileInfo) chainOf(index uint32) (int, uint32, error) {
	var seen uint32
	for i := range fi.chains {
		c := &fi.chains[i]
		if c.open || index < seen+c.numSegs {
			return i, index - seen, nil
		}
		seen += c.numSegs
	}
	return 0, 0, fmt.Errorf("%w: segment %d of %d", ErrOutOfRange, index, seen)
}

// segmentPlainSize returns the plaintext size of segment index: segSize for
// every segment except the file's last, which holds the remainder. On an
// endless file the final extent is unknown and every index reports segSize.
func (fi *fileInfo) segmentPlainSize(index uint32) (uint32, error) {
	ci, k, err := fi.chainOf(index)
	if err != nil {
		return 0, err
	}
	c := &fi.chains[ci]
	if c.open {
		return fi.segSize, nil
	}
	if ci == len(fi.chains)-1 && k == c.numSegs-1 {
		return c.lastSegSize, nil
	}
	return fi.segSize, nil
}

// Location resolves a plaintext byte offset to its segment.
type Location struct {
	Chain   int    // index into the chain sequence
	Segment uint32 // segment index within the chain
	Offset  uint32 // byte offset within the segment's plaintext
	Index   uint32 // segment index within the whole file
}

// locate walks the chains in byte order and resolves pos to a Location.
// On a finite file pos must lie inside [0, contentLength).
func (fi *fileInfo) locate(pos uint64) (Location, error) {
	var (
		seen uint64
		segs uint32
	)
	for i := range fi.chains {
		c := &fi.chains[i]
		if c.open {
			rel := pos - seen
			s := rel / uint64(fi.segSize)
			if s > math.MaxUint32-uint64(segs) {
				return Location{}, fmt.Errorf("%w: position %d exceeds the segment count limit", ErrOutOfRange, pos)
			}
			return Location{Chain: i, Segment: uint32(s), Offset: uint32(rel % uint64(fi.segSize)), Index: segs + uint32(s)}, nil
		}
		clen := c.plainLen(fi.segSize)
		if pos < seen+clen {
			rel := pos - seen
			s := uint32(rel / uint64(fi.segSize))
			return Location{Chain: i, Segment: s, Offset: uint32(rel % uint64(fi.segSize)), Index: segs + s}, nil
		}
		seen += clen
		segs += c.numSegs
	}
	return Location{}, fmt.Errorf("%w: position %d is past the content length %d", ErrOutOfRange, pos, seen)
}

// setContentLength closes the last chain so the chains cover exactly length
// bytes of plaintext. Chains before the last are already fixed; length may
// not undercut them. A length of zero yields a single segment of size zero.
func (fi *fileInfo) setContentLength(length uint64) error {
	if length > MaxContentLength {
		return fmt.Errorf("%w: content length %d exceeds %d", ErrOutOfRange, length, uint64(MaxContentLength))
	}
	last := len(fi.chains) - 1
	var prefix uint64
	for i := 0; i < last; i++ {
		prefix += fi.chains[i].plainLen(fi.segSize)
	}
	if length < prefix {
		return fmt.Errorf("%w: content length %d undercuts the %d bytes already fixed", ErrOutOfRange, length, prefix)
	}
	numSegs, lastSegSize, err := splitSegments(length-prefix, fi.segSize)
	if err != nil {
		return err
	}
	c := &fi.chains[last]
	c.numSegs = numSegs
	c.lastSegSize = lastSegSize
	c.open = false
	fi.modified = true
	return nil
}

// splitSegments computes how many segments a run of length bytes needs and
// the size of the final one. Zero length still occupies one empty segment.
func splitSegments(length uint64, segSize uint32) (uint32, uint32, error) {
	if length == 0 {
		return 1, 0, nil
	}
	n := (length + uint64(segSize) - 1) / uint64(segSize)
	if n > math.MaxUint32 {
		return 0, 0, fmt.Errorf("%w: %d segments exceed the segment count limit", ErrOutOfRange, n)
	}
	return uint32(n), uint32(length - (n-1)*uint64(segSize)), nil
}

// wipe zeroes every chain nonce and releases the chain records.
func (fi *fileInfo) wipe() {
	for i := range fi.chains {
		memguard.WipeBytes(fi.chains[i].nonce)
	}
	fi.chains = nil
}
