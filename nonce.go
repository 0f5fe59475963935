package segcrypto

import "fmt"

// NonceSize is the length of every nonce in bytes.
const NonceSize = 24

// DeriveNonce interprets base as a 192-bit big-endian unsigned integer, adds
// delta (which may be negative) and returns the result modulo 2^192 as a
// freshly allocated nonce. base is never aliased or modified, so
// DeriveNonce(n, 0) is value-equal to n but a distinct buffer, and
// DeriveNonce(DeriveNonce(n, d), -d) recovers n exactly.
//
// Per-segment nonces are derived by adding the segment's index within its
// chain to the chain nonce; per-version header nonces are derived by adding
// the version to the zeroth nonce.
func DeriveNonce(base []byte, delta int64) ([]byte, error) {
	if len(base) != NonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes, got %d", ErrInvalidSize, NonceSize, len(base))
	}
	return deriveNonce(base, delta), nil
}

// deriveNonce is DeriveNonce without the length check, for nonces the
// package already owns.
func deriveNonce(base []byte, delta int64) []byte {
	out := make([]byte, NonceSize)
	copy(out, base)
	if delta >= 0 {
		nonceAdd(out, uint64(delta))
	} else {
		// uint64(-delta) yields the magnitude even for MinInt64.
		nonceSub(out, uint64(-delta))
	}
	return out
}

func nonceAdd(n []byte, d uint64) {
	var carry uint64
	for i := NonceSize - 1; i >= 0 && (d > 0 || carry > 0); i-- {
		sum := uint64(n[i]) + (d & 0xFF) + carry
		n[i] = byte(sum)
		carry = sum >> 8
		d >>= 8
	}
}

func nonceSub(n []byte, d uint64) {
	var borrow uint64
	for i := NonceSize - 1; i >= 0 && (d > 0 || borrow > 0); i-- {
		sub := (d & 0xFF) + borrow
		v := uint64(n[i])
		if v < sub {
			n[i] = byte(v + 256 - sub)
			borrow = 1
		} else {
			n[i] = byte(v - sub)
			borrow = 0
		}
		d >>= 8
	}
}
