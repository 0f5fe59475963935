package segcrypto

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
)

// Option configures a Writer or Reader. Options that do not apply to the
// constructor they are passed to are rejected there.
type Option func(*config)

type config struct {
	segSize    uint32
	hasSegSize bool
	header     []byte
	version    int64
	zeroth     []byte
	cipher     Cipher
	random     io.Reader
	err        error // deferred validation error from options
}

// WithSegmentSize starts a brand-new file whose segments each hold
// units*256 bytes of plaintext. units must be in [1,255]. Exactly one of
// WithSegmentSize and WithHeader must be supplied to NewWriter.
func WithSegmentSize(units uint32) Option {
	return func(c *config) {
		if c.err != nil {
			return
		}
		if units < 1 || units > 255 {
			c.err = fmt.Errorf("%w: segment size units %d must be in [1,255]", ErrInvalidSize, units)
			return
		}
		c.segSize = units * SegmentSizeUnit
		c.hasSegSize = true
	}
}

// WithHeader resumes an existing file from its header bytes.
func WithHeader(header []byte) Option {
	return func(c *config) {
		if c.err != nil {
			return
		}
		c.header = append([]byte(nil), header...)
	}
}

// WithVersion sets the header version. The header nonce of version v is the
// zeroth nonce plus v; the default version is 0.
func WithVersion(version int64) Option {
	return func(c *config) {
		c.version = version
	}
}

// WithZerothNonce fixes the zeroth nonce instead of drawing a random one
// (Writer) or recovering it from the header (Reader). The nonce is copied.
func WithZerothNonce(nonce []byte) Option {
	return func(c *config) {
		if c.err != nil {
			return
		}
		if len(nonce) != NonceSize {
			c.err = fmt.Errorf("%w: zeroth nonce must be %d bytes, got %d", ErrInvalidSize, NonceSize, len(nonce))
			return
		}
		c.zeroth = append([]byte(nil), nonce...)
	}
}

// WithCipher replaces the default XChaCha20-Poly1305 capability.
func WithCipher(cipher Cipher) Option {
	return func(c *config) {
		c.cipher = cipher
	}
}

// WithRandom replaces crypto/rand as the source of fresh nonces.
func WithRandom(r io.Reader) Option {
	return func(c *config) {
		c.random = r
	}
}

func buildConfig(opts []Option) (*config, error) {
	c := &config{
		cipher: DefaultCipher(),
		random: rand.Reader,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.err != nil {
		return nil, c.err
	}
	return c, nil
}

// PackedSegment is the result of sealing one segment.
type PackedSegment struct {
	// Ciphertext is the sealed segment: PlaintextLen bytes plus the tag.
	Ciphertext []byte
	// PlaintextLen is the number of plaintext bytes that were sealed.
	PlaintextLen int
}

// Writer turns plaintext into authenticated ciphertext segments and emits
// the encrypted header that describes them. It exclusively owns its key for
// its lifetime; call Destroy on every exit path once the writer is no longer
// needed so the key cannot linger in memory.
//
// A Writer is not safe for concurrent mutation. PackSegment depends only on
// the key, the chain nonce, the index and the plaintext, so segments may be
// packed in any order or in parallel with each other, but Destroy, Reset,
// SetContentLength and EditPlan.Commit must not race with in-flight calls.
type Writer struct {
	key       *memguard.LockedBuffer
	packedKey []byte
	info      *fileInfo
	zeroth    []byte
	version   int64
	cipher    Cipher
	random    io.Reader
	gen       uint64
	destroyed bool
}

// NewWriter creates a Writer owning key. packedKey is the opaque 72-byte
// blob copied verbatim into every header. Exactly one of WithSegmentSize
// (new file: a single open chain under a fresh random nonce) and WithHeader
// (resume: the chain model is decoded from the header) must be supplied.
func NewWriter(ctx context.Context, key, packedKey []byte, opts ...Option) (*Writer, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidSize, KeySize, len(key))
	}
	if len(packedKey) != PackedKeySize {
		return nil, fmt.Errorf("%w: packed key must be %d bytes, got %d", ErrInvalidSize, PackedKeySize, len(packedKey))
	}
	cfg, err := buildConfig(opts)
	if err != nil {
		return nil, err
	}
	if cfg.hasSegSize == (cfg.header != nil) {
		return nil, fmt.Errorf("%w: exactly one of WithSegmentSize and WithHeader must be supplied", ErrInvalidState)
	}

	w := &Writer{
		packedKey: append([]byte(nil), packedKey...),
		version:   cfg.version,
		cipher:    cfg.cipher,
		random:    cfg.random,
	}

	if cfg.hasSegSize {
		chainNonce, err := randomNonce(cfg.random)
		if err != nil {
			return nil, err
		}
		w.info = newFileInfo(cfg.segSize, chainNonce)
		if cfg.zeroth != nil {
			w.zeroth = cfg.zeroth
		} else if w.zeroth, err = randomNonce(cfg.random); err != nil {
			memguard.WipeBytes(chainNonce)
			return nil, err
		}
	} else {
		ctx, span := tracer.Start(ctx, "segcrypto.DecodeHeader")
		info, embedded, err := decodeHeader(ctx, cfg.cipher, key, cfg.header, nil)
		endSpan(span, err)
		if err != nil {
			return nil, err
		}
		headersOpened.Add(ctx, 1)
		w.info = info
		if cfg.zeroth != nil {
			w.zeroth = cfg.zeroth
		} else {
			w.zeroth = deriveNonce(embedded, -cfg.version)
		}
		memguard.WipeBytes(embedded)
	}

	w.key = memguard.NewBuffer(KeySize)
	copy(w.key.Bytes(), key)
	return w, nil
}

// PackSegment seals the plaintext of the segment at the given file-level
// index. The result depends only on the key, the chain nonce, the index and
// the plaintext, never on prior calls, so segments may be packed in any
// order.
//
// plaintext longer than SegmentSize(index) is silently truncated to the
// segment boundary; shorter plaintext is an error on a finite file, while on
// an endless file a short segment is implicitly the terminating one.
func (w *Writer) PackSegment(ctx context.Context, plaintext []byte, index uint32) (PackedSegment, error) {
	if w.destroyed {
		return PackedSegment{}, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	expected, err := w.info.segmentPlainSize(index)
	if err != nil {
		return PackedSegment{}, err
	}
	if uint64(len(plaintext)) < uint64(expected) {
		if !w.info.endless() {
			return PackedSegment{}, fmt.Errorf("%w: segment %d wants %d bytes, got %d",
				ErrContentSize, index, expected, len(plaintext))
		}
	} else if uint64(len(plaintext)) > uint64(expected) {
		plaintext = plaintext[:expected]
	}

	ci, k, err := w.info.chainOf(index)
	if err != nil {
		return PackedSegment{}, err
	}
	nonce := deriveNonce(w.info.chains[ci].nonce, int64(k))
	defer memguard.WipeBytes(nonce)

	ciphertext, err := w.cipher.Seal(ctx, w.key.Bytes(), nonce, plaintext)
	if err != nil {
		return PackedSegment{}, err
	}
	segmentsSealed.Add(ctx, 1)
	return PackedSegment{Ciphertext: ciphertext, PlaintextLen: len(plaintext)}, nil
}

// PackHeader serializes the chain model, seals it under the version's header
// nonce and prepends the packed key. It clears the modified flag. Call it
// only after every metadata-affecting mutation for this version is complete.
func (w *Writer) PackHeader(ctx context.Context) ([]byte, error) {
	if w.destroyed {
		return nil, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	ctx, span := tracer.Start(ctx, "segcrypto.PackHeader")
	defer span.End()

	headerNonce := deriveNonce(w.zeroth, w.version)
	defer memguard.WipeBytes(headerNonce)
	info, err := w.info.toBytes(headerNonce)
	if err != nil {
		recordSpanErr(span, err)
		return nil, err
	}
	defer memguard.WipeBytes(info)

	sealed, err := w.cipher.Seal(ctx, w.key.Bytes(), headerNonce, info[NonceSize:])
	if err != nil {
		recordSpanErr(span, err)
		return nil, err
	}

	header := make([]byte, 0, PackedKeySize+NonceSize+len(sealed))
	header = append(header, w.packedKey...)
	header = append(header, headerNonce...)
	header = append(header, sealed...)
	w.info.modified = false
	headersPacked.Add(ctx, 1)
	return header, nil
}

// SetContentLength fixes the total plaintext length, closing the current
// chain (see the chain model) and marking the header modified.
func (w *Writer) SetContentLength(length uint64) error {
	if w.destroyed {
		return fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	if err := w.info.setContentLength(length); err != nil {
		return err
	}
	w.gen++
	return nil
}

// IsHeaderModified reports whether serializable state changed since the last
// PackHeader.
func (w *Writer) IsHeaderModified() bool {
	return !w.destroyed && w.info.modified
}

// Reset discards the chain history and starts a brand-new single open chain
// with the same segment size and a fresh random nonce.
func (w *Writer) Reset() error {
	if w.destroyed {
		return fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	nonce, err := randomNonce(w.random)
	if err != nil {
		return err
	}
	segSize := w.info.segSize
	w.info.wipe()
	w.info = newFileInfo(segSize, nonce)
	w.gen++
	return nil
}

// Version returns the version the next PackHeader seals under.
func (w *Writer) Version() int64 {
	return w.version
}

// SetVersion changes the header version, marking the header modified.
func (w *Writer) SetVersion(version int64) {
	if w.destroyed || version == w.version {
		return
	}
	w.version = version
	w.info.modified = true
}

// Destroy zeroes the owned key and every nonce still held and releases the
// chain model. The writer is unusable afterward; every operation returns
// ErrInvalidState. Destroy is idempotent.
func (w *Writer) Destroy() {
	if w.destroyed {
		return
	}
	w.destroyed = true
	w.key.Destroy()
	w.info.wipe()
	memguard.WipeBytes(w.zeroth)
	w.zeroth = nil
}

// SegmentSize returns the plaintext size of segment index.
func (w *Writer) SegmentSize(index uint32) (uint32, error) {
	if w.destroyed {
		return 0, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	return w.info.segmentPlainSize(index)
}

// ContentLength returns the total plaintext length; ok is false while the
// file is endless.
func (w *Writer) ContentLength() (uint64, bool) {
	if w.destroyed {
		return 0, false
	}
	return w.info.contentLength()
}

// NumberOfSegments returns the total segment count; ok is false while the
// file is endless.
func (w *Writer) NumberOfSegments() (uint32, bool) {
	if w.destroyed {
		return 0, false
	}
	return w.info.numberOfSegments()
}

// SegmentsLength returns the total ciphertext length; ok is false while the
// file is endless.
func (w *Writer) SegmentsLength() (uint64, bool) {
	if w.destroyed {
		return 0, false
	}
	return w.info.segmentsLength()
}

// IsEndlessFile reports whether the file's length is still unfixed.
func (w *Writer) IsEndlessFile() bool {
	return !w.destroyed && w.info.endless()
}

// Locate resolves a plaintext byte offset to its segment.
func (w *Writer) Locate(pos uint64) (Location, error) {
	if w.destroyed {
		return Location{}, fmt.Errorf("%w: writer is destroyed", ErrInvalidState)
	}
	return w.info.locate(pos)
}

func randomNonce(r io.Reader) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(r, nonce); err != nil {
		return nil, fmt.Errorf("segcrypto: failed to generate nonce: %w", err)
	}
	return nonce, nil
}
