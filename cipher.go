// Package segcrypto encodes file content as a sequence of independently
// authenticated-encrypted segments plus a compact encrypted header describing
// how the segments are organized. It supports streaming encryption and
// decryption, random-offset lookup, versioned re-derivation of the header
// nonce, and in-place byte-range edits that never reuse a nonce.
package segcrypto

import (
	"context"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// KeySize is the required symmetric key length in bytes.
	KeySize = 32

	// PackedKeySize is the length of the opaque packed-key blob carried
	// verbatim at the front of every header.
	PackedKeySize = 72

	// TagSize is the length of the authentication tag appended to every
	// ciphertext.
	TagSize = 16
)

// Cipher is the authenticated-encryption capability segments and headers are
// sealed with. Seal appends a TagSize-byte tag to the ciphertext; Open
// verifies it and fails closed, returning no plaintext on any mismatch.
//
// The context is passed through so implementations backed by an asynchronous
// provider can honor cancellation. A cancelled call must have no effect.
//
// The default is XChaCha20-Poly1305, which matches the package's NonceSize
// and TagSize exactly.
type Cipher interface {
	Seal(ctx context.Context, key, nonce, plaintext []byte) ([]byte, error)
	Open(ctx context.Context, key, nonce, ciphertext []byte) ([]byte, error)
}

// DefaultCipher returns the XChaCha20-Poly1305 capability.
func DefaultCipher() Cipher {
	return xchachaCipher{}
}

type xchachaCipher struct{}

// Compile-time interface check.
var _ Cipher = xchachaCipher{}

func (xchachaCipher) Seal(ctx context.Context, key, nonce, plaintext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	return aead.Seal(nil, nonce, plaintext, nil), nil
}

func (xchachaCipher) Open(ctx context.Context, key, nonce, ciphertext []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSize, err)
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		authFailures.Add(ctx, 1)
		return nil, fmt.Errorf("%w: %v", ErrAuthentication, err)
	}
	return plaintext, nil
}
