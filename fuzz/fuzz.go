// Package fuzz holds the OSS-Fuzz harnesses, built with the go-118-fuzz-build
// testing shim.
package fuzz

import (
	"context"
	"math"

	testing "github.com/AdamKorcz/go-118-fuzz-build/testing"

	segcrypto "github.com/rbaliyan/segment-crypto"
)

// FuzzReaderHeader feeds arbitrary bytes to the header decoder. Any input
// must either decode cleanly or fail with one of the package's error kinds;
// a panic is a defect.
func FuzzReaderHeader(f *testing.F) {
	f.Fuzz(func(t *testing.T, data []byte) {
		key := make([]byte, segcrypto.KeySize)
		r, err := segcrypto.NewReader(context.Background(), key, data)
		if err == nil {
			r.Destroy()
		}
	})
}

// FuzzDeriveNonce checks the derivation round trip on arbitrary nonces.
func FuzzDeriveNonce(f *testing.F) {
	f.Fuzz(func(t *testing.T, base []byte, delta int64) {
		if delta == math.MinInt64 {
			// -delta is not representable; the inversion property only
			// holds for negatable deltas.
			return
		}
		derived, err := segcrypto.DeriveNonce(base, delta)
		if err != nil {
			return
		}
		back, err := segcrypto.DeriveNonce(derived, -delta)
		if err != nil {
			t.Fatalf("DeriveNonce back: %v", err)
		}
		for i := range base {
			if back[i] != base[i] {
				t.Fatalf("round trip mismatch at byte %d", i)
			}
		}
	})
}
