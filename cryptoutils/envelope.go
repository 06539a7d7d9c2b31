package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/pbkdf2"

	"github.com/dialtide/credsync-backend/interfaces"
)

const (
	// envelopeVersion prefixes every envelope. Any change to the KDF
	// parameters or cipher below requires a new version; Open must keep
	// decoding every version ever shipped.
	envelopeVersion = "cs1"

	// kdfIterations for PBKDF2-SHA256. Fixed per envelope version.
	kdfIterations = 120_000

	keySize   = 32
	nonceSize = 12
	tagSize   = 16
)

// kdfSalt is fixed and application-specific. The master secret is the
// only secret input; the salt just domain-separates the derivation.
var kdfSalt = []byte("credsync-envelope-kdf-v1")

// Sealer implements interfaces.Sealer with AES-256-GCM over a key derived
// from the master secret. The derivation runs once per Sealer; the derived
// key is read-only afterwards.
type Sealer struct {
	secret []byte

	once sync.Once
	aead cipher.AEAD
	kerr error
}

// NewSealer creates a Sealer for the given master secret. The secret must
// not be empty; key derivation is deferred to first use.
func NewSealer(masterSecret []byte) (*Sealer, error) {
	if len(masterSecret) == 0 {
		return nil, errors.New("master secret must not be empty")
	}
	s := &Sealer{secret: make([]byte, len(masterSecret))}
	copy(s.secret, masterSecret)
	return s, nil
}

func (s *Sealer) cipher() (cipher.AEAD, error) {
	s.once.Do(func() {
		key := pbkdf2.Key(s.secret, kdfSalt, kdfIterations, keySize, sha256.New)
		block, err := aes.NewCipher(key)
		if err != nil {
			s.kerr = fmt.Errorf("failed to create cipher: %w", err)
			return
		}
		s.aead, s.kerr = cipher.NewGCM(block)
	})
	return s.aead, s.kerr
}

// Seal encrypts plaintext into an envelope string:
//
//	cs1:base64(ciphertext):base64(nonce):base64(tag):unixMillis
//
// A fresh random nonce is generated per call. The trailing timestamp is
// carried for diagnostics only and is not authenticated.
func (s *Sealer) Seal(plaintext []byte) (string, error) {
	aead, err := s.cipher()
	if err != nil {
		return "", err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, plaintext, nil)
	ciphertext := sealed[:len(sealed)-tagSize]
	tag := sealed[len(sealed)-tagSize:]

	enc := base64.StdEncoding
	return strings.Join([]string{
		envelopeVersion,
		enc.EncodeToString(ciphertext),
		enc.EncodeToString(nonce),
		enc.EncodeToString(tag),
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	}, ":"), nil
}

// Open decrypts an envelope produced by Seal. A failed authentication tag
// returns interfaces.ErrTampered; any parse problem, including an unknown
// format version, returns interfaces.ErrMalformed. Neither is ever
// reported as an absent record.
func (s *Sealer) Open(envelope string) ([]byte, error) {
	parts := strings.Split(envelope, ":")
	if len(parts) != 5 {
		return nil, fmt.Errorf("%w: expected 5 segments, got %d", interfaces.ErrMalformed, len(parts))
	}
	if parts[0] != envelopeVersion {
		return nil, fmt.Errorf("%w: unknown format version %q", interfaces.ErrMalformed, parts[0])
	}

	enc := base64.StdEncoding
	ciphertext, err := enc.DecodeString(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext encoding", interfaces.ErrMalformed)
	}
	nonce, err := enc.DecodeString(parts[2])
	if err != nil {
		return nil, fmt.Errorf("%w: bad nonce encoding", interfaces.ErrMalformed)
	}
	if len(nonce) != nonceSize {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", interfaces.ErrMalformed, nonceSize)
	}
	tag, err := enc.DecodeString(parts[3])
	if err != nil {
		return nil, fmt.Errorf("%w: bad tag encoding", interfaces.ErrMalformed)
	}
	if len(tag) != tagSize {
		return nil, fmt.Errorf("%w: tag must be %d bytes", interfaces.ErrMalformed, tagSize)
	}
	if _, err := strconv.ParseInt(parts[4], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: bad timestamp", interfaces.ErrMalformed)
	}

	aead, err := s.cipher()
	if err != nil {
		return nil, err
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, interfaces.ErrTampered
	}
	return plaintext, nil
}
