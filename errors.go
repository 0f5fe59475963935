package segcrypto

import "errors"

var (
	// ErrInvalidSize is returned when a key, packed key, nonce, segment-size
	// parameter or ciphertext buffer has the wrong length.
	ErrInvalidSize = errors.New("segcrypto: invalid size")

	// ErrInvalidFormat is returned when a header does not match the 65-byte
	// endless shape or the 46+30*N finite shape, or its fields are inconsistent.
	ErrInvalidFormat = errors.New("segcrypto: invalid header format")

	// ErrInvalidState is returned for operations that are not valid in the
	// instance's current state: splicing an endless file, constructing a
	// writer with neither or both of a header and a segment size, committing
	// a stale edit plan, or using a destroyed instance.
	ErrInvalidState = errors.New("segcrypto: invalid state")

	// ErrOutOfRange is returned when a byte position lies outside the content
	// bounds, a length would overflow 48 bits, or splice parameters are invalid.
	ErrOutOfRange = errors.New("segcrypto: out of range")

	// ErrContentSize is returned when segment plaintext is shorter than the
	// segment expects on a finite file, or edge bytes have the wrong length.
	ErrContentSize = errors.New("segcrypto: content shorter than segment")

	// ErrAuthentication is returned when tag verification fails during
	// decryption. Decryption always fails closed: no partially-trusted
	// plaintext is ever returned.
	ErrAuthentication = errors.New("segcrypto: authentication failed")
)

// IsInvalidSize returns true if the error is or wraps ErrInvalidSize.
func IsInvalidSize(err error) bool {
	return errors.Is(err, ErrInvalidSize)
}

// IsInvalidFormat returns true if the error is or wraps ErrInvalidFormat.
func IsInvalidFormat(err error) bool {
	return errors.Is(err, ErrInvalidFormat)
}

// IsInvalidState returns true if the error is or wraps ErrInvalidState.
func IsInvalidState(err error) bool {
	return errors.Is(err, ErrInvalidState)
}

// IsOutOfRange returns true if the error is or wraps ErrOutOfRange.
func IsOutOfRange(err error) bool {
	return errors.Is(err, ErrOutOfRange)
}

// IsContentSize returns true if the error is or wraps ErrContentSize.
func IsContentSize(err error) bool {
	return errors.Is(err, ErrContentSize)
}

// IsAuthentication returns true if the error is or wraps ErrAuthentication.
func IsAuthentication(err error) bool {
	return errors.Is(err, ErrAuthentication)
}
