package interfaces

import "errors"

var (
	// ErrTampered is returned when an envelope's authentication tag does
	// not verify. Always surfaced to the caller; silent decrypt failures
	// made credentials appear to reset without explanation.
	ErrTampered = errors.New("envelope failed authentication")

	// ErrMalformed is returned when an envelope cannot be parsed: wrong
	// segment count, bad base64, or an unknown format version.
	ErrMalformed = errors.New("envelope malformed")
)

// Sealer provides authenticated encryption for credential payloads. The
// derived key is computed once per process and treated as read-only.
type Sealer interface {
	// Seal encrypts plaintext into a self-describing envelope string.
	Seal(plaintext []byte) (string, error)

	// Open decrypts an envelope produced by any historical format
	// version. Returns ErrTampered or ErrMalformed on failure.
	Open(envelope string) ([]byte, error)
}
