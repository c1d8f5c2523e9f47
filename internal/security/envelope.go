// Package security provides the frame envelope: AES-256-CBC encryption with
// a random per-frame IV, HMAC-SHA256 tags under a separate key, and the input
// filter applied to operator-supplied text.
//
// Key material is set once per process and never logged.
package security

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"
)

const (
	// KeySize is the required length of both keys.
	KeySize = 32
	// IVSize is the length of the IV prepended to every ciphertext.
	IVSize = aes.BlockSize
	// MACSize is the length of an HMAC-SHA256 tag.
	MACSize = sha256.Size
)

var (
	ErrNotInitialized     = errors.New("security: not initialized")
	ErrAlreadyInitialized = errors.New("security: already initialized")
	ErrInvalidKey         = errors.New("security: key must be 32 bytes")
	ErrNilInput           = errors.New("security: nil input")
	ErrCiphertextShort    = errors.New("security: ciphertext shorter than IV")
	ErrDecrypt            = errors.New("security: decryption failed")
	ErrIntegrity          = errors.New("security: integrity check failed")
)

// Stats is a snapshot of the envelope counters.
type Stats struct {
	Initialized       bool   `json:"initialized"`
	Encrypted         uint64 `json:"encrypted"`
	Decrypted         uint64 `json:"decrypted"`
	IntegrityFailures uint64 `json:"integrity_failures"`
	AuthFailures      uint64 `json:"authentication_failures"`
}

type keys struct {
	block  cipher.Block
	macKey []byte
}

// Envelope is safe for concurrent use once initialized. One Envelope is
// shared by both links.
type Envelope struct {
	log  *zap.Logger
	keys atomic.Pointer[keys]

	encrypted    atomic.Uint64
	decrypted    atomic.Uint64
	integrityErr atomic.Uint64
	authErr      atomic.Uint64
}

// NewEnvelope returns an uninitialized Envelope.
func NewEnvelope(log *zap.Logger) *Envelope {
	if log == nil {
		log = zap.NewNop()
	}
	return &Envelope{log: log}
}

// Initialize installs the encryption and integrity keys. Both must be
// exactly KeySize bytes. Material cannot be replaced once installed.
func (e *Envelope) Initialize(encKey, macKey []byte) error {
	if len(encKey) != KeySize {
		return fmt.Errorf("%w: encryption key is %d bytes", ErrInvalidKey, len(encKey))
	}
	if len(macKey) != KeySize {
		return fmt.Errorf("%w: integrity key is %d bytes", ErrInvalidKey, len(macKey))
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return fmt.Errorf("security: cipher: %w", err)
	}
	k := &keys{block: block, macKey: bytes.Clone(macKey)}
	if !e.keys.CompareAndSwap(nil, k) {
		return ErrAlreadyInitialized
	}
	e.log.Info("security: initialized")
	return nil
}

// GenerateKeys creates fresh random keys and installs them.
func (e *Envelope) GenerateKeys() error {
	m, err := GenerateMaterial()
	if err != nil {
		return err
	}
	return e.Initialize(m.EncryptionKey, m.IntegrityKey)
}

// Initialized reports whether key material is installed.
func (e *Envelope) Initialized() bool {
	return e.keys.Load() != nil
}

// Encrypt returns IV || AES-256-CBC(PKCS#7(plaintext)).
func (e *Envelope) Encrypt(plaintext []byte) ([]byte, error) {
	k := e.keys.Load()
	if k == nil {
		return nil, ErrNotInitialized
	}
	if plaintext == nil {
		return nil, ErrNilInput
	}

	padded := pad(plaintext)
	out := make([]byte, IVSize+len(padded))
	iv := out[:IVSize]
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("security: iv: %w", err)
	}
	cipher.NewCBCEncrypter(k.block, iv).CryptBlocks(out[IVSize:], padded)
	e.encrypted.Add(1)
	return out, nil
}

// Decrypt reverses Encrypt. Any failure after the initialization check
// counts as an authentication failure.
func (e *Envelope) Decrypt(data []byte) ([]byte, error) {
	k := e.keys.Load()
	if k == nil {
		return nil, ErrNotInitialized
	}
	if data == nil {
		return nil, ErrNilInput
	}
	if len(data) < IVSize {
		e.authErr.Add(1)
		return nil, ErrCiphertextShort
	}
	body := data[IVSize:]
	if len(body) == 0 || len(body)%aes.BlockSize != 0 {
		e.authErr.Add(1)
		return nil, fmt.Errorf("%w: ciphertext length %d", ErrDecrypt, len(body))
	}

	plain := make([]byte, len(body))
	cipher.NewCBCDecrypter(k.block, data[:IVSize]).CryptBlocks(plain, body)
	out, err := unpad(plain)
	if err != nil {
		e.authErr.Add(1)
		return nil, err
	}
	e.decrypted.Add(1)
	return out, nil
}

// GenerateMAC returns HMAC-SHA256(integrityKey, data).
func (e *Envelope) GenerateMAC(data []byte) ([]byte, error) {
	k := e.keys.Load()
	if k == nil {
		return nil, ErrNotInitialized
	}
	if data == nil {
		return nil, ErrNilInput
	}
	return mac(k.macKey, data), nil
}

// VerifyMAC compares tag against the expected MAC in constant time.
// A mismatch increments the integrity failure counter.
func (e *Envelope) VerifyMAC(data, tag []byte) bool {
	k := e.keys.Load()
	if k == nil || data == nil || tag == nil {
		return false
	}
	if !hmac.Equal(mac(k.macKey, data), tag) {
		e.integrityErr.Add(1)
		return false
	}
	return true
}

// Seal encrypts plaintext and appends a MAC over IV || ciphertext.
func (e *Envelope) Seal(plaintext []byte) ([]byte, error) {
	ct, err := e.Encrypt(plaintext)
	if err != nil {
		return nil, err
	}
	tag, err := e.GenerateMAC(ct)
	if err != nil {
		return nil, err
	}
	return append(ct, tag...), nil
}

// Open verifies the trailing MAC of a sealed frame and then decrypts it.
func (e *Envelope) Open(frame []byte) ([]byte, error) {
	if !e.Initialized() {
		return nil, ErrNotInitialized
	}
	if len(frame) < IVSize+MACSize {
		e.integrityErr.Add(1)
		return nil, fmt.Errorf("%w: frame is %d bytes", ErrIntegrity, len(frame))
	}
	split := len(frame) - MACSize
	if !e.VerifyMAC(frame[:split], frame[split:]) {
		return nil, ErrIntegrity
	}
	return e.Decrypt(frame[:split])
}

// Stats returns a snapshot of the counters.
func (e *Envelope) Stats() Stats {
	return Stats{
		Initialized:       e.Initialized(),
		Encrypted:         e.encrypted.Load(),
		Decrypted:         e.decrypted.Load(),
		IntegrityFailures: e.integrityErr.Load(),
		AuthFailures:      e.authErr.Load(),
	}
}

func mac(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	out := make([]byte, len(b)+n)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(n)
	}
	return out
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrDecrypt
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	var bad byte
	for _, c := range b[len(b)-n:] {
		bad |= c ^ byte(n)
	}
	if bad != 0 {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	return b[:len(b)-n], nil
}
