package segcrypto

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
)

// Binary header layout. A header is
//
//	packedKey[72] ++ headerNonce[24] ++ seal(infoBody)
//
// where the sealed body is the info plaintext minus its leading 24 bytes.
// The info plaintext is 65 bytes for an endless file or 46 + 30*N bytes for
// a finite file with N chains, and always starts with the header nonce; the
// nonce rides in clear so a receiver holding the version can recover the
// zeroth nonce as DeriveNonce(headerNonce, -version) before decrypting.
const (
	// headerNonceOffset is where the clear header nonce starts in a header.
	headerNonceOffset = PackedKeySize

	// infoBodyOffset is where the sealed info body starts in a header.
	infoBodyOffset = PackedKeySize + NonceSize

	// endlessInfoSize is the info plaintext length of an endless file:
	// nonce(24) + marker(1) + segSize(4) + chain nonce(24) + reserved(12).
	endlessInfoSize = 65

	// finiteInfoPrefixSize is the finite info plaintext prefix: nonce(24) +
	// segSize(4) + totalContentLen(6) + totalNumOfSegments(4) +
	// totalSegsLen(6) + chain count(2).
	finiteInfoPrefixSize = 46

	// chainRecordSize is one finite chain record: nonce(24) + numOfSegs(4) +
	// lastSegSize(2).
	chainRecordSize = 30

	// endlessMarker identifies the endless info shape.
	endlessMarker = 0x01

	// minHeaderSize is the smallest header that can carry a sealed body:
	// packed key, clear nonce, and the tag of an empty seal.
	minHeaderSize = PackedKeySize + NonceSize + TagSize
)

// toBytes serializes the model as the info plaintext, with headerNonce as
// the leading 24 bytes. The result is 65 bytes for an endless file or
// 46 + 30*N bytes for N chains.
func (fi *fileInfo) toBytes(headerNonce []byte) ([]byte, error) {
	if fi.endless() {
		if len(fi.chains) != 1 {
			return nil, fmt.Errorf("%w: endless file with %d chains", ErrInvalidState, len(fi.chains))
		}
		buf := make([]byte, endlessInfoSize)
		copy(buf, headerNonce)
		buf[24] = endlessMarker
		binary.BigEndian.PutUint32(buf[25:29], fi.segSize)
		copy(buf[29:53], fi.chains[0].nonce)
		return buf, nil
	}

	if len(fi.chains) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: %d chains exceed the header limit", ErrOutOfRange, len(fi.chains))
	}
	buf := make([]byte, finiteInfoPrefixSize+chainRecordSize*len(fi.chains))
	copy(buf, headerNonce)
	binary.BigEndian.PutUint32(buf[24:28], fi.segSize)
	contentLen, _ := fi.contentLength()
	putUint48(buf[28:34], contentLen)
	numSegs, _ := fi.numberOfSegments()
	binary.BigEndian.PutUint32(buf[34:38], numSegs)
	segsLen, _ := fi.segmentsLength()
	putUint48(buf[38:44], segsLen)
	binary.BigEndian.PutUint16(buf[44:46], uint16(len(fi.chains)))

	off := finiteInfoPrefixSize
	for i := range fi.chains {
		c := &fi.chains[i]
		copy(buf[off:off+24], c.nonce)
		binary.BigEndian.PutUint32(buf[off+24:off+28], c.numSegs)
		binary.BigEndian.PutUint16(buf[off+28:off+30], uint16(c.lastSegSize))
		off += chainRecordSize
	}
	return buf, nil
}

// parseFileInfo rebuilds the chain model from an info plaintext. A 65-byte
// input always decodes as endless; any other length must be 46 + 30*N with
// N >= 1. All nonces are defensive copies of the input.
func parseFileInfo(data []byte) (*fileInfo, error) {
	if len(data) == endlessInfoSize {
		if data[24] != endlessMarker {
			return nil, fmt.Errorf("%w: bad endless marker 0x%02x", ErrInvalidFormat, data[24])
		}
		segSize := binary.BigEndian.Uint32(data[25:29])
		if err := checkSegmentSize(segSize); err != nil {
			return nil, err
		}
		nonce := append([]byte(nil), data[29:53]...)
		return &fileInfo{
			segSize: segSize,
			chains:  []chain{{nonce: nonce, open: true}},
		}, nil
	}

	if len(data) < finiteInfoPrefixSize+chainRecordSize ||
		(len(data)-finiteInfoPrefixSize)%chainRecordSize != 0 {
		return nil, fmt.Errorf("%w: info length %d", ErrInvalidFormat, len(data))
	}
	segSize := binary.BigEndian.Uint32(data[24:28])
	if err := checkSegmentSize(segSize); err != nil {
		return nil, err
	}
	contentLen := uint48(data[28:34])
	numSegs := binary.BigEndian.Uint32(data[34:38])
	segsLen := uint48(data[38:44])
	count := int(binary.BigEndian.Uint16(data[44:46]))
	n := (len(data) - finiteInfoPrefixSize) / chainRecordSize
	if count != n {
		return nil, fmt.Errorf("%w: chain count %d does not match %d records", ErrInvalidFormat, count, n)
	}

	fi := &fileInfo{segSize: segSize, chains: make([]chain, 0, n)}
	off := finiteInfoPrefixSize
	for i := 0; i < n; i++ {
		c := chain{
			nonce:       append([]byte(nil), data[off:off+24]...),
			numSegs:     binary.BigEndian.Uint32(data[off+24 : off+28]),
			lastSegSize: uint32(binary.BigEndian.Uint16(data[off+28 : off+30])),
		}
		if c.numSegs == 0 {
			return nil, fmt.Errorf("%w: chain %d has no segments", ErrInvalidFormat, i)
		}
		if c.lastSegSize > segSize {
			return nil, fmt.Errorf("%w: chain %d last segment size %d exceeds segment size %d",
				ErrInvalidFormat, i, c.lastSegSize, segSize)
		}
		// Only the file's final segment may be short; a short segment
		// inside an earlier chain would make the byte accounting ambiguous.
		if i < n-1 && c.lastSegSize != segSize {
			return nil, fmt.Errorf("%w: chain %d is not last but ends with a %d-byte segment",
				ErrInvalidFormat, i, c.lastSegSize)
		}
		fi.chains = append(fi.chains, c)
		off += chainRecordSize
	}

	// The stored totals are redundant; any mismatch with the chain records
	// means a corrupt or inconsistent header.
	gotLen, _ := fi.contentLength()
	gotSegs, _ := fi.numberOfSegments()
	gotSegsLen, _ := fi.segmentsLength()
	if gotLen != contentLen || gotSegs != numSegs || gotSegsLen != segsLen {
		return nil, fmt.Errorf("%w: totals do not match chain records", ErrInvalidFormat)
	}
	return fi, nil
}

// decodeHeader opens a header's sealed body and rebuilds the chain model.
// sealNonce overrides the clear embedded nonce when the caller derives it
// from a zeroth nonce and version; nil means trust the embedded one. On any
// authentication failure no decoded fields are returned.
func decodeHeader(ctx context.Context, c Cipher, key, header, sealNonce []byte) (*fileInfo, []byte, error) {
	if len(header) < minHeaderSize {
		return nil, nil, fmt.Errorf("%w: header length %d is shorter than %d", ErrInvalidFormat, len(header), minHeaderSize)
	}
	embedded := append([]byte(nil), header[headerNonceOffset:infoBodyOffset]...)
	if sealNonce == nil {
		sealNonce = embedded
	}
	body, err := c.Open(ctx, key, sealNonce, header[infoBodyOffset:])
	if err != nil {
		return nil, nil, err
	}
	info := make([]byte, NonceSize+len(body))
	copy(info, embedded)
	copy(info[NonceSize:], body)
	fi, err := parseFileInfo(info)
	if err != nil {
		return nil, nil, err
	}
	return fi, embedded, nil
}

// ZerothNonce recovers the all-versions-invariant zeroth nonce from a
// received header: the header nonce rides in clear and the zeroth nonce is
// the header nonce minus the version.
func ZerothNonce(header []byte, version int64) ([]byte, error) {
	if len(header) < minHeaderSize {
		return nil, fmt.Errorf("%w: header length %d is shorter than %d", ErrInvalidFormat, len(header), minHeaderSize)
	}
	return DeriveNonce(header[headerNonceOffset:infoBodyOffset], -version)
}

func putUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

func uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}
