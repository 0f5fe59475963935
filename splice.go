package segcrypto

import (
	"context"
	"fmt"
	"math"

	"github.com/awnumar/memguard"
)

// ByteRange identifies a run of plaintext bytes in the pre-edit file.
type ByteRange struct {
	Off uint64
	Len uint64
}

// EditPlan describes how an in-place byte-range edit will be re-encrypted.
// Splice computes the plan without touching any state; Commit applies it
// atomically. A plan becomes stale, and Commit refuses it, if the writer's
// chain state changes in between.
type EditPlan struct {
	w           *Writer
	gen         uint64
	insertCount uint64
	newLength   uint64
	keepSegs    uint32 // segments before the edit point, kept as-is
	leading     ByteRange
	trailing    ByteRange
	committed   bool
}

// Splice plans an in-place edit that removes removeCount bytes at pos and
// inserts insertCount bytes in their place. Endless files cannot be spliced,
// and an edit that neither removes nor inserts is invalid.
//
// Reusing an existing chain's nonce sequence against shifted segment
// boundaries would risk sealing different plaintext under a repeated nonce,
// so every segment at or after the edit point moves to a new chain with a
// fresh nonce. Chains fully before the edit point are never touched; their
// segments keep their ciphertext. The caller must recover the plan's
// EdgeRanges (the preserved bytes of partially-edited segments) with a
// Reader before discarding the old ciphertext, then Commit and re-encrypt
// the returned segment indices with PackSegment.
func (w *Writer) Splice(pos, removeCount, insertCount uint64) (*EditPlan, error) {
	if w.destroyed {
		return nil, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	if w.info.endless() {
		return nil, fmt.Errorf("%w: cannot splice an endless file", ErrInvalidState)
	}
	if removeCount == 0 && insertCount == 0 {
		return nil, fmt.Errorf("%w: splice removes and inserts nothing", ErrOutOfRange)
	}
	length, _ := w.info.contentLength()
	if pos >= length {
		return nil, fmt.Errorf("%w: position %d is past the content length %d", ErrOutOfRange, pos, length)
	}
	if removeCount > length-pos {
		return nil, fmt.Errorf("%w: removing %d bytes at %d exceeds the content length %d",
			ErrOutOfRange, removeCount, pos, length)
	}
	if insertCount > MaxContentLength-(length-removeCount) {
		return nil, fmt.Errorf("%w: resulting length exceeds %d", ErrOutOfRange, uint64(MaxContentLength))
	}
	newLength := length - removeCount + insertCount

	start, err := w.info.locate(pos)
	if err != nil {
		return nil, err
	}
	leading := ByteRange{Off: pos - uint64(start.Offset), Len: uint64(start.Offset)}

	var trailing ByteRange
	end := pos + removeCount
	if end < length {
		eloc, err := w.info.locate(end)
		if err != nil {
			return nil, err
		}
		if eloc.Offset > 0 {
			segPlain, err := w.info.segmentPlainSize(eloc.Index)
			if err != nil {
				return nil, err
			}
			trailing = ByteRange{Off: end, Len: uint64(segPlain) - uint64(eloc.Offset)}
		}
	}

	newTail := newLength - uint64(start.Index)*uint64(w.info.segSize)
	newSegs, _, err := splitSegments(newTail, w.info.segSize)
	if err != nil {
		return nil, err
	}
	if uint64(start.Index)+uint64(newSegs) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d segments exceed the segment count limit", ErrOutOfRange, uint64(start.Index)+uint64(newSegs))
	}

	return &EditPlan{
		w:           w,
		gen:         w.gen,
		insertCount: insertCount,
		newLength:   newLength,
		keepSegs:    start.Index,
		leading:     leading,
		trailing:    trailing,
	}, nil
}

// EdgeRanges returns the plaintext ranges of the pre-edit file the caller
// must supply to Commit: the preserved head and tail of the boundary
// segments the edit cuts through. It is empty when the edit falls exactly on
// segment boundaries.
func (p *EditPlan) EdgeRanges() []ByteRange {
	var ranges []ByteRange
	if p.leading.Len > 0 {
		ranges = append(ranges, p.leading)
	}
	if p.trailing.Len > 0 {
		ranges = append(ranges, p.trailing)
	}
	return ranges
}

// NewLength returns the content length the file will have after Commit.
func (p *EditPlan) NewLength() uint64 {
	return p.newLength
}

// Commit finalizes the edit: it closes the chain containing the edit point
// at the last preserved segment, drops every later chain, and appends a new
// chain with a fresh random nonce covering the edited region onward. edge
// must be exactly the bytes of EdgeRanges, concatenated in order; it is
// validated against the plan, merged with the inserted bytes by the caller
// when re-encrypting. Commit returns the file-level indices of the segments
// the caller must now encrypt with PackSegment.
//
// The metadata update is atomic: on any error nothing has changed.
func (p *EditPlan) Commit(edge []byte) ([]uint32, error) {
	w := p.w
	if w.destroyed {
		return nil, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	if p.committed {
		return nil, fmt.Errorf("%w: edit plan already committed", ErrInvalidState)
	}
	if p.gen != w.gen {
		return nil, fmt.Errorf("%w: writer changed since the edit plan was made", ErrInvalidState)
	}
	if want := p.leading.Len + p.trailing.Len; uint64(len(edge)) != want {
		return nil, fmt.Errorf("%w: edit needs %d edge bytes, got %d", ErrContentSize, want, len(edge))
	}

	newTail := p.newLength - uint64(p.keepSegs)*uint64(w.info.segSize)
	var (
		newChain chain
		newSegs  uint32
	)
	if newTail > 0 || p.newLength == 0 {
		nonce, err := randomNonce(w.random)
		if err != nil {
			return nil, err
		}
		numSegs, lastSegSize, err := splitSegments(newTail, w.info.segSize)
		if err != nil {
			memguard.WipeBytes(nonce)
			return nil, err
		}
		newChain = chain{nonce: nonce, numSegs: numSegs, lastSegSize: lastSegSize}
		newSegs = numSegs
	}

	// Point of no return: everything below is infallible.
	kept := make([]chain, 0, len(w.info.chains)+1)
	var seen uint32
	for i := range w.info.chains {
		c := w.info.chains[i]
		switch {
		case seen+c.numSegs <= p.keepSegs:
			kept = append(kept, c)
		case seen < p.keepSegs:
			// The chain containing the edit point closes at the last
			// preserved segment; all its kept segments are full.
			kept = append(kept, chain{
				nonce:       c.nonce,
				numSegs:     p.keepSegs - seen,
				lastSegSize: w.info.segSize,
			})
		default:
			memguard.WipeBytes(c.nonce)
		}
		seen += c.numSegs
	}
	if newSegs > 0 || p.newLength == 0 {
		kept = append(kept, newChain)
	}
	w.info.chains = kept
	w.info.modified = true
	w.gen++
	p.committed = true
	splicesCommitted.Add(context.Background(), 1)

	indices := make([]uint32, 0, newSegs)
	for i := uint32(0); i < newSegs; i++ {
		indices = append(indices, p.keepSegs+i)
	}
	return indices, nil
}
