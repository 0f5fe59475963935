package segcrypto

import (
	"context"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// Reader mirrors the Writer: it validates and decodes a header, rebuilds the
// chain model, derives the same per-segment nonces and decrypts segments,
// failing closed on any tampering. Like the Writer it exclusively owns its
// key; call Destroy once the reader is no longer needed.
type Reader struct {
	key         *memguard.LockedBuffer
	info        *fileInfo
	headerNonce []byte
	zeroth      []byte
	version     int64
	cipher      Cipher
	destroyed   bool
}

// NewReader decodes the header under key and builds a Reader for its
// segments. With WithZerothNonce and WithVersion the sealed body is opened
// under the version-adjusted nonce (zeroth plus version) instead of the
// nonce embedded in the header, so a tampered embedded nonce cannot go
// unnoticed. On authentication failure no decoded fields are trusted.
func NewReader(ctx context.Context, key, header []byte, opts ...Option) (*Reader, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidSize, KeySize, len(key))
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.hasSegSize || cfg.header != nil {
		return nil, fmt.Errorf("%w: WithSegmentSize and WithHeader do not apply to a reader", ErrInvalidState)
	}

	var sealNonce []byte
	if cfg.zeroth != nil {
		sealNonce = deriveNonce(cfg.zeroth, cfg.version)
	}
	ctx, span := tracer.Start(ctx, "segcrypto.DecodeHeader")
	info, embedded, err := decodeHeader(ctx, cfg.cipher, key, header, sealNonce)
	endSpan(span, err)
	if err != nil {
		return nil, err
	}
	headersOpened.Add(ctx, 1)

	r := &Reader{
		info:        info,
		headerNonce: embedded,
		version:     cfg.version,
		cipher:      cfg.cipher,
	}
	if cfg.zeroth != nil {
		r.zeroth = cfg.zeroth
	} else {
		r.zeroth = deriveNonce(embedded, -cfg.version)
	}
	r.key = memguard.NewBuffer(KeySize)
	copy(r.key.Bytes(), key)
	return r, nil
}

// ReadSegment decrypts the segment at the given file-level index, verifying
// its authenticity. The nonce derivation matches PackSegment, so segments
// can be read individually in any order.
func (r *Reader) ReadSegment(ctx context.Context, ciphertext []byte, index uint32) ([]byte, error) {
	if r.destroyed {
		return nil, fmt.Errorf("%w: reader is destroyed", ErrInvalidState)
	}
	expected, err := r.info.segmentPlainSize(index)
	if err != nil {
		return nil, err
	}
	if r.info.endless() {
		// The final segment of an endless file may be shorter than segSize.
		if len(ciphertext) < TagSize || uint64(len(ciphertext)) > uint64(expected)+TagSize {
			return nil, fmt.Errorf("%w: segment %d ciphertext of %d bytes", ErrInvalidSize, index, len(ciphertext))
		}
	} else if uint64(len(ciphertext)) != uint64(expected)+TagSize {
		return nil, fmt.Errorf("%w: segment %d wants %d ciphertext bytes, got %d",
			ErrInvalidSize, index, uint64(expected)+TagSize, len(ciphertext))
	}

	ci, k, err := r.info.chainOf(index)
	if err != nil {
		return nil, err
	}
	nonce := deriveNonce(r.info.chains[ci].nonce, int64(k))
	defer memguard.WipeBytes(nonce)

	plaintext, err := r.cipher.Open(ctx, r.key.Bytes(), nonce, ciphertext)
	if err != nil {
		return nil, err
	}
	segmentsOpened.Add(ctx, 1)
	return plaintext, nil
}

// HeaderNonce returns a copy of the nonce embedded in the decoded header.
func (r *Reader) HeaderNonce() []byte {
	return append([]byte(nil), r.headerNonce...)
}

// Segments returns a forward-only scanner over a segment stream: the
// concatenation of ciphertexts in chain-then-index order. The sequence is
// lazy and cannot be restarted; create a new scanner to read again.
func (r *Reader) Segments(ctx context.Context, src io.Reader) *SegmentScanner {
	s := &SegmentScanner{ctx: ctx, r: r, src: src}
	if r.destroyed {
		s.err = fmt.Errorf("%w: reader is destroyed", ErrInvalidState)
		return s
	}
	if total, ok := r.info.numberOfSegments(); ok {
		s.total = total
		s.haveTotal = true
	}
	return s
}

// Destroy zeroes the owned key and every chain nonce and releases the chain
// model. Idempotent.
func (r *Reader) Destroy() {
	if r.destroyed {
		return
	}
	r.destroyed = true
	r.key.Destroy()
	r.info.wipe()
	memguard.WipeBytes(r.zeroth)
	memguard.WipeBytes(r.headerNonce)
	r.zeroth = nil
	r.headerNonce = nil
}

// SegmentSize returns the plaintext size of segment index.
func (r *Reader) SegmentSize(index uint32) (uint32, error) {
	if r.destroyed {
		return 0, fmt.Errorf("%w: reader is destroyed", ErrInvalidState)
	}
	return r.info.segmentPlainSize(index)
}

// ContentLength returns the total plaintext length; ok is false for an
// endless file.
func (r *Reader) ContentLength() (uint64, bool) {
	if r.destroyed {
		return 0, false
	}
	return r.info.contentLength()
}

// NumberOfSegments returns the total segment count; ok is false for an
// endless file.
func (r *Reader) NumberOfSegments() (uint32, bool) {
	if r.destroyed {
		return 0, false
	}
	return r.info.numberOfSegments()
}

// SegmentsLength returns the total ciphertext length; ok is false for an
// endless file.
func (r *Reader) SegmentsLength() (uint64, bool) {
	if r.destroyed {
		return 0, false
	}
	return r.info.segmentsLength()
}

// IsEndlessFile reports whether the header described an endless file.
func (r *Reader) IsEndlessFile() bool {
	return !r.destroyed && r.info.endless()
}

// Locate resolves a plaintext byte offset to its segment.
func (r *Reader) Locate(pos uint64) (Location, error) {
	if r.destroyed {
		return Location{}, fmt.Errorf("%w: reader is destroyed", ErrInvalidState)
	}
	return r.info.locate(pos)
}

// SegmentScanner decrypts a segment stream in order, stopping at the first
// authentication or stream error. Use Scan/Bytes/Err like bufio.Scanner.
type SegmentScanner struct {
	ctx       context.Context
	r         *Reader
	src       io.Reader
	index     uint32
	total     uint32
	haveTotal bool
	plain     []byte
	err       error
	done      bool
}

// Scan advances to the next segment, decrypting and verifying it. It returns
// false at the end of the stream or on the first error; Err tells which.
func (s *SegmentScanner) Scan() bool {
	if s.done || s.err != nil {
		return false
	}
	if s.r.destroyed {
		s.err = fmt.Errorf("%w: reader is destroyed", ErrInvalidState)
		return false
	}
	if s.haveTotal && s.index >= s.total {
		s.done = true
		return false
	}

	size, err := s.r.info.segmentPlainSize(s.index)
	if err != nil {
		s.err = err
		return false
	}
	buf := make([]byte, int(size)+TagSize)
	n, err := io.ReadFull(s.src, buf)
	switch {
	case err == nil:
	case !s.haveTotal && err == io.EOF && n == 0:
		// Endless stream ended on a segment boundary.
		s.done = true
		return false
	case !s.haveTotal && err == io.ErrUnexpectedEOF && n >= TagSize:
		// Short final segment of an endless file.
		buf = buf[:n]
		s.done = true
	default:
		s.err = fmt.Errorf("%w: segment stream truncated at segment %d: %v", ErrInvalidFormat, s.index, err)
		return false
	}

	plain, err := s.r.ReadSegment(s.ctx, buf, s.index)
	if err != nil {
		s.err = err
		return false
	}
	s.plain = plain
	s.index++
	return true
}

// Bytes returns the plaintext of the segment Scan just produced. The slice
// is owned by the caller; the scanner does not reuse it.
func (s *SegmentScanner) Bytes() []byte {
	return s.plain
}

// Err returns the first error the scanner hit, nil at a clean end of stream.
func (s *SegmentScanner) Err() error {
	return s.err
}
