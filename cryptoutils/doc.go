// Package cryptoutils implements the engine's encryption core: PBKDF2
// key derivation from a master secret and AES-256-GCM authenticated
// encryption of credential payloads into versioned text envelopes.
//
// # Envelope Format
//
// Envelopes are single strings with colon-delimited segments:
//
//	cs1:base64(ciphertext):base64(nonce):base64(tag):unixMillis
//
// The leading segment is the format version. Key-derivation or cipher
// parameter changes require a new version prefix, and Open must continue
// to decode every prior version indefinitely; the envelope is the only
// at-rest format contract the engine exposes.
//
// Decrypt failures are typed: a tag mismatch is interfaces.ErrTampered, a
// parse failure is interfaces.ErrMalformed. Callers must never treat
// either as "value absent".
package cryptoutils
