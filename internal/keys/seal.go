package keys

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// HKDF info labels. Each use of the master key gets its own sub-key.
const (
	infoKeyPairSeal     = "mosaic/keypair/seal/v1"
	infoRobotTokenSeal  = "mosaic/robot-token/seal/v1"
	infoRobotTokenHMAC  = "mosaic/robot-token/hmac/v1"
	derivedKeySizeBytes = 32
)

var errCiphertextTooShort = errors.New("ciphertext too short")

func deriveKey(master []byte, info string) ([]byte, error) {
	if len(master) != MasterKeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", MasterKeySize, len(master))
	}
	key := make([]byte, derivedKeySizeBytes)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("derive %s: %w", info, err)
	}
	return key, nil
}

// sealer is XChaCha20-Poly1305 with a random 24-byte nonce prefixed to the
// ciphertext.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(master []byte, info string) (*sealer, error) {
	key, err := deriveKey(master, info)
	if err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(plaintext, additionalData []byte) ([]byte, error) {
	nonce := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(nonce, nonce, plaintext, additionalData), nil
}

func (s *sealer) open(ciphertext, additionalData []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(ciphertext) < ns+s.aead.Overhead() {
		return nil, errCiphertextTooShort
	}
	return s.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], additionalData)
}
