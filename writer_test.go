package segcrypto

import (
	"bytes"
	"context"
	"testing"
)

func makeKey(size int) []byte {
	key := make([]byte, size)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func makePackedKey() []byte {
	pk := make([]byte, PackedKeySize)
	for i := range pk {
		pk[i] = byte(0xA0 + i)
	}
	return pk
}

func makeContent(size int) []byte {
	content := make([]byte, size)
	for i := range content {
		content[i] = byte(i * 13)
	}
	return content
}

// seqReader is a deterministic stand-in for crypto/rand in tests.
type seqReader struct {
	next byte
}

func (r *seqReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = r.next
		r.next++
	}
	return len(p), nil
}

func newTestWriter(t *testing.T, opts ...Option) *Writer {
	t.Helper()
	w, err := NewWriter(context.Background(), makeKey(KeySize), makePackedKey(), opts...)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	t.Cleanup(w.Destroy)
	return w
}

func TestNewWriterArgumentErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWriter(ctx, makeKey(16), makePackedKey(), WithSegmentSize(1)); !IsInvalidSize(err) {
		t.Errorf("short key: expected ErrInvalidSize, got %v", err)
	}
	if _, err := NewWriter(ctx, makeKey(KeySize), makeKey(10), WithSegmentSize(1)); !IsInvalidSize(err) {
		t.Errorf("short packed key: expected ErrInvalidSize, got %v", err)
	}
	if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey()); !IsInvalidState(err) {
		t.Errorf("no mode option: expected ErrInvalidState, got %v", err)
	}
	if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(),
		WithSegmentSize(1), WithHeader(make([]byte, minHeaderSize))); !IsInvalidState(err) {
		t.Errorf("both mode options: expected ErrInvalidState, got %v", err)
	}
	for _, units := range []uint32{0, 256, 1000} {
		if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(), WithSegmentSize(units)); !IsInvalidSize(err) {
			t.Errorf("units %d: expected ErrInvalidSize, got %v", units, err)
		}
	}
	if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(),
		WithSegmentSize(1), WithZerothNonce(make([]byte, 12))); !IsInvalidSize(err) {
		t.Errorf("short zeroth nonce: expected ErrInvalidSize, got %v", err)
	}
}

func TestWriterPackAndReadBack(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(16))

	size, err := w.SegmentSize(0)
	if err != nil {
		t.Fatal(err)
	}
	if size != 4096 {
		t.Fatalf("segment size %d, want 4096", size)
	}

	content := makeContent(345)
	if err := w.SetContentLength(345); err != nil {
		t.Fatal(err)
	}
	seg, err := w.PackSegment(ctx, content, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(seg.Ciphertext) != 345+TagSize {
		t.Errorf("ciphertext length %d, want %d", len(seg.Ciphertext), 345+TagSize)
	}
	if seg.PlaintextLen != 345 {
		t.Errorf("PlaintextLen %d, want 345", seg.PlaintextLen)
	}
	if total, _ := w.SegmentsLength(); total != 345+TagSize {
		t.Errorf("SegmentsLength %d, want %d", total, 345+TagSize)
	}

	header, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	wantHeader := PackedKeySize + NonceSize + (finiteInfoPrefixSize + chainRecordSize - NonceSize) + TagSize
	if len(header) != wantHeader {
		t.Errorf("header length %d, want %d", len(header), wantHeader)
	}
	if !bytes.Equal(header[:PackedKeySize], makePackedKey()) {
		t.Error("header does not start with the packed key")
	}

	r, err := NewReader(ctx, makeKey(KeySize), header)
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Destroy()
	if r.IsEndlessFile() {
		t.Error("reader sees an endless file")
	}
	if length, _ := r.ContentLength(); length != 345 {
		t.Errorf("reader content length %d, want 345", length)
	}
	plain, err := r.ReadSegment(ctx, seg.Ciphertext, 0)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plain, content) {
		t.Error("decrypted segment does not match the plaintext")
	}
}

func TestWriterEndlessHeaderLength(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	header, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	want := PackedKeySize + NonceSize + (endlessInfoSize - NonceSize) + TagSize
	if len(header) != want {
		t.Errorf("endless header length %d, want %d", len(header), want)
	}
	if !w.IsEndlessFile() {
		t.Error("writer should be endless")
	}
}

func TestPackSegmentTruncatesLongInput(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	content := makeContent(400)

	seg, err := w.PackSegment(ctx, content, 0)
	if err != nil {
		t.Fatal(err)
	}
	if seg.PlaintextLen != 256 {
		t.Errorf("PlaintextLen %d, want 256", seg.PlaintextLen)
	}
	if len(seg.Ciphertext) != 256+TagSize {
		t.Errorf("ciphertext length %d, want %d", len(seg.Ciphertext), 256+TagSize)
	}
}

func TestPackSegmentShortInput(t *testing.T) {
	ctx := context.Background()

	// On an endless file a short segment is the implicit final one.
	w := newTestWriter(t, WithSegmentSize(1))
	seg, err := w.PackSegment(ctx, makeContent(100), 5)
	if err != nil {
		t.Fatal(err)
	}
	if seg.PlaintextLen != 100 || len(seg.Ciphertext) != 100+TagSize {
		t.Errorf("short endless segment: (%d, %d)", seg.PlaintextLen, len(seg.Ciphertext))
	}

	// On a finite file every segment except the last is full-size.
	w2 := newTestWriter(t, WithSegmentSize(1))
	if err := w2.SetContentLength(400); err != nil {
		t.Fatal(err)
	}
	if _, err := w2.PackSegment(ctx, makeContent(100), 0); !IsContentSize(err) {
		t.Errorf("short finite segment: expected ErrContentSize, got %v", err)
	}
	if _, err := w2.PackSegment(ctx, makeContent(144), 1); err != nil {
		t.Errorf("final finite segment: %v", err)
	}
	if _, err := w2.PackSegment(ctx, makeContent(256), 2); !IsOutOfRange(err) {
		t.Errorf("past-the-end segment: expected ErrOutOfRange, got %v", err)
	}
}

func TestPackSegmentIsStateless(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	content := makeContent(256)

	first, err := w.PackSegment(ctx, content, 3)
	if err != nil {
		t.Fatal(err)
	}
	// Packing other indices in between must not disturb the result.
	if _, err := w.PackSegment(ctx, content, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := w.PackSegment(ctx, content, 7); err != nil {
		t.Fatal(err)
	}
	again, err := w.PackSegment(ctx, content, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(first.Ciphertext, again.Ciphertext) {
		t.Error("packing the same index twice gave different ciphertext")
	}

	other, err := w.PackSegment(ctx, content, 4)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(first.Ciphertext, other.Ciphertext) {
		t.Error("distinct indices gave identical ciphertext")
	}
}

func TestWriterResumeFromHeader(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	if err := w.SetContentLength(1000); err != nil {
		t.Fatal(err)
	}
	content := makeContent(256)
	orig, err := w.PackSegment(ctx, content, 2)
	if err != nil {
		t.Fatal(err)
	}
	header, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}

	resumed, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(), WithHeader(header))
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	defer resumed.Destroy()
	if length, _ := resumed.ContentLength(); length != 1000 {
		t.Errorf("resumed content length %d, want 1000", length)
	}
	seg, err := resumed.PackSegment(ctx, content, 2)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(seg.Ciphertext, orig.Ciphertext) {
		t.Error("resumed writer produced different ciphertext for the same segment")
	}

	// The resumed writer reproduces the header byte for byte as well.
	header2, err := resumed.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(header2, header) {
		t.Error("resumed writer packed a different header")
	}
}

func TestWriterResumeRejectsGarbage(t *testing.T) {
	ctx := context.Background()
	if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(),
		WithHeader(make([]byte, 50))); !IsInvalidFormat(err) {
		t.Errorf("short header: expected ErrInvalidFormat, got %v", err)
	}
	if _, err := NewWriter(ctx, makeKey(KeySize), makePackedKey(),
		WithHeader(make([]byte, 200))); !IsAuthentication(err) {
		t.Errorf("garbage header: expected ErrAuthentication, got %v", err)
	}
}

func TestWriterHeaderNonceRelation(t *testing.T) {
	ctx := context.Background()
	zeroth := makeNonce(0x42)
	const version = 7

	w := newTestWriter(t, WithSegmentSize(1), WithZerothNonce(zeroth), WithVersion(version))
	if w.Version() != version {
		t.Fatalf("Version() = %d, want %d", w.Version(), version)
	}
	header, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}

	headerNonce := header[headerNonceOffset:infoBodyOffset]
	want, err := DeriveNonce(zeroth, version)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(headerNonce, want) {
		t.Error("header nonce is not the zeroth nonce plus the version")
	}

	recovered, err := ZerothNonce(header, version)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(recovered, zeroth) {
		t.Error("ZerothNonce did not recover the zeroth nonce")
	}
}

func TestWriterSetVersionChangesHeaderNonce(t *testing.T) {
	ctx := context.Background()
	zeroth := makeNonce(0x42)
	w := newTestWriter(t, WithSegmentSize(1), WithZerothNonce(zeroth))

	h0, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if w.IsHeaderModified() {
		t.Error("header still modified after PackHeader")
	}

	w.SetVersion(3)
	if !w.IsHeaderModified() {
		t.Error("SetVersion did not mark the header modified")
	}
	h3, err := w.PackHeader(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(h0[headerNonceOffset:infoBodyOffset], h3[headerNonceOffset:infoBodyOffset]) {
		t.Error("different versions share a header nonce")
	}

	// Both versions recover the same zeroth nonce.
	z0, err := ZerothNonce(h0, 0)
	if err != nil {
		t.Fatal(err)
	}
	z3, err := ZerothNonce(h3, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(z0, zeroth) || !bytes.Equal(z3, zeroth) {
		t.Error("zeroth nonce is not invariant across versions")
	}
}

func TestWriterModifiedFlag(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	if !w.IsHeaderModified() {
		t.Error("fresh writer should report a modified header")
	}
	if _, err := w.PackHeader(ctx); err != nil {
		t.Fatal(err)
	}
	if w.IsHeaderModified() {
		t.Error("header still modified after PackHeader")
	}
	if err := w.SetContentLength(100); err != nil {
		t.Fatal(err)
	}
	if !w.IsHeaderModified() {
		t.Error("SetContentLength did not mark the header modified")
	}
}

func TestWriterReset(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1), WithRandom(&seqReader{}))
	if err := w.SetContentLength(500); err != nil {
		t.Fatal(err)
	}
	before, err := w.PackSegment(ctx, makeContent(256), 0)
	if err != nil {
		t.Fatal(err)
	}

	if err := w.Reset(); err != nil {
		t.Fatal(err)
	}
	if !w.IsEndlessFile() {
		t.Error("reset writer should be endless again")
	}
	after, err := w.PackSegment(ctx, makeContent(256), 0)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(before.Ciphertext, after.Ciphertext) {
		t.Error("reset reused the old chain nonce")
	}
}

func TestWriterDestroy(t *testing.T) {
	ctx := context.Background()
	w := newTestWriter(t, WithSegmentSize(1))
	w.Destroy()
	w.Destroy() // idempotent

	if _, err := w.PackSegment(ctx, makeContent(256), 0); !IsInvalidState(err) {
		t.Errorf("PackSegment after Destroy: expected ErrInvalidState, got %v", err)
	}
	if _, err := w.PackHeader(ctx); !IsInvalidState(err) {
		t.Errorf("PackHeader after Destroy: expected ErrInvalidState, got %v", err)
	}
	if err := w.SetContentLength(100); !IsInvalidState(err) {
		t.Errorf("SetContentLength after Destroy: expected ErrInvalidState, got %v", err)
	}
	if w.IsHeaderModified() {
		t.Error("destroyed writer reports a modified header")
	}
}

func TestWriterLocate(t *testing.T) {
	w := newTestWriter(t, WithSegmentSize(1))
	if err := w.SetContentLength(1000); err != nil {
		t.Fatal(err)
	}
	loc, err := w.Locate(300)
	if err != nil {
		t.Fatal(err)
	}
	if loc.Index != 1 || loc.Offset != 44 {
		t.Errorf("Locate(300) = %+v, want index 1 offset 44", loc)
	}
}

func TestDeterministicRandomGivesDeterministicFile(t *testing.T) {
	ctx := context.Background()
	pack := func() ([]byte, []byte) {
		t.Helper()
		w := newTestWriter(t, WithSegmentSize(1), WithRandom(&seqReader{}))
		if err := w.SetContentLength(256); err != nil {
			t.Fatal(err)
		}
		seg, err := w.PackSegment(ctx, makeContent(256), 0)
		if err != nil {
			t.Fatal(err)
		}
		header, err := w.PackHeader(ctx)
		if err != nil {
			t.Fatal(err)
		}
		return header, seg.Ciphertext
	}

	h1, s1 := pack()
	h2, s2 := pack()
	if !bytes.Equal(h1, h2) || !bytes.Equal(s1, s2) {
		t.Error("identical inputs and randomness gave different output")
	}
}
