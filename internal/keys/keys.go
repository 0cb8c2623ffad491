// Package keys is the key and token authority: long-lived RSA key pairs per
// purpose (private halves sealed at rest under the process master key),
// RS256 bearer tokens for operators, and the symmetric robot simple-token.
package keys

import (
	"context"
	"crypto/rsa"
	"errors"
	"time"
)

// Purpose names a key pair slot. Exactly one pair is active per purpose.
type Purpose string

const (
	PurposeJWT              Purpose = "JWT"
	PurposeRobotSimpleToken Purpose = "ROBOT_SIMPLE_TOKEN_AUTH"
)

// Purposes is the set loaded at startup.
var Purposes = []Purpose{PurposeJWT, PurposeRobotSimpleToken}

const (
	keyAlgorithm = "RSA"
	keySizeBits  = 2048
)

var (
	ErrKeyPairNotFound = errors.New("key pair not found")
	// ErrKeyDecrypt means persisted private key material could not be opened
	// with the configured master key. Callers treat it as fatal.
	ErrKeyDecrypt = errors.New("decrypt private key")
)

// StoredKeyPair is the persisted form. Public key is base64 PKIX DER; the
// private key is base64 of the sealed PKCS#8 DER.
type StoredKeyPair struct {
	Purpose             Purpose
	PublicKey           string
	EncryptedPrivateKey string
	Algorithm           string
	KeySize             int
	CreatedAt           time.Time
}

// Store persists key pairs. GetKeyPair returns ErrKeyPairNotFound when the
// purpose has never been saved. SaveKeyPair must not overwrite an existing
// purpose.
type Store interface {
	GetKeyPair(ctx context.Context, purpose Purpose) (StoredKeyPair, error)
	SaveKeyPair(ctx context.Context, kp StoredKeyPair) error
}

type KeyPair struct {
	Purpose Purpose
	Private *rsa.PrivateKey
	Public  *rsa.PublicKey
}
