package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultRobotTokenMaxAge = 30 * 24 * time.Hour
	// Tolerated clock difference for robot token timestamps ahead of now.
	robotTokenClockSkew = 30 * time.Second

	bearerIssuer = "MosaicBackend"
)

type Options struct {
	// RobotTokenMaxAge bounds how old a robot simple-token may be. Zero means
	// DefaultRobotTokenMaxAge.
	RobotTokenMaxAge time.Duration
	Now              func() time.Time
}

// Authority holds the loaded key pairs and the symmetric token keys. It is
// read-only after Open returns and safe for concurrent use.
type Authority struct {
	pairs map[Purpose]*KeyPair

	tokenSealer *sealer
	tokenMACKey []byte

	robotTokenMaxAge time.Duration
	now              func() time.Time
}

// Open loads (or creates) the key pair of every purpose in Purposes and
// derives the robot token keys from masterKey.
func Open(ctx context.Context, store Store, masterKey []byte, opts Options) (*Authority, error) {
	tokenSealer, err := newSealer(masterKey, infoRobotTokenSeal)
	if err != nil {
		return nil, err
	}
	macKey, err := deriveKey(masterKey, infoRobotTokenHMAC)
	if err != nil {
		return nil, err
	}

	a := &Authority{
		pairs:            make(map[Purpose]*KeyPair, len(Purposes)),
		tokenSealer:      tokenSealer,
		tokenMACKey:      macKey,
		robotTokenMaxAge: opts.RobotTokenMaxAge,
		now:              opts.Now,
	}
	if a.robotTokenMaxAge <= 0 {
		a.robotTokenMaxAge = DefaultRobotTokenMaxAge
	}
	if a.now == nil {
		a.now = time.Now
	}

	for _, purpose := range Purposes {
		kp, err := LoadOrCreateKeyPair(ctx, store, masterKey, purpose)
		if err != nil {
			return nil, err
		}
		a.pairs[purpose] = kp
	}
	return a, nil
}

// KeyPair returns the loaded pair for purpose.
func (a *Authority) KeyPair(purpose Purpose) (*KeyPair, bool) {
	kp, ok := a.pairs[purpose]
	return kp, ok
}

// LoadOrCreateKeyPair returns the persisted pair for purpose, generating and
// saving one first if none exists. A persisted private key that does not open
// under masterKey yields an error wrapping ErrKeyDecrypt.
func LoadOrCreateKeyPair(ctx context.Context, store Store, masterKey []byte, purpose Purpose) (*KeyPair, error) {
	s, err := newSealer(masterKey, infoKeyPairSeal)
	if err != nil {
		return nil, err
	}

	stored, err := store.GetKeyPair(ctx, purpose)
	switch {
	case err == nil:
		return decodeKeyPair(s, stored)
	case !errors.Is(err, ErrKeyPairNotFound):
		return nil, fmt.Errorf("load key pair %s: %w", purpose, err)
	}

	priv, err := rsa.GenerateKey(rand.Reader, keySizeBits)
	if err != nil {
		return nil, fmt.Errorf("generate key pair %s: %w", purpose, err)
	}
	stored, err = encodeKeyPair(s, purpose, priv)
	if err != nil {
		return nil, err
	}
	if err := store.SaveKeyPair(ctx, stored); err != nil {
		return nil, fmt.Errorf("save key pair %s: %w", purpose, err)
	}

	// Another instance may have won the insert; converge on what is stored.
	stored, err = store.GetKeyPair(ctx, purpose)
	if err != nil {
		return nil, fmt.Errorf("reload key pair %s: %w", purpose, err)
	}
	return decodeKeyPair(s, stored)
}

func encodeKeyPair(s *sealer, purpose Purpose, priv *rsa.PrivateKey) (StoredKeyPair, error) {
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return StoredKeyPair{}, fmt.Errorf("marshal public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return StoredKeyPair{}, fmt.Errorf("marshal private key: %w", err)
	}
	sealed, err := s.seal(privDER, []byte(purpose))
	if err != nil {
		return StoredKeyPair{}, fmt.Errorf("seal private key: %w", err)
	}
	return StoredKeyPair{
		Purpose:             purpose,
		PublicKey:           base64.StdEncoding.EncodeToString(pubDER),
		EncryptedPrivateKey: base64.StdEncoding.EncodeToString(sealed),
		Algorithm:           keyAlgorithm,
		KeySize:             priv.N.BitLen(),
		CreatedAt:           time.Now().UTC(),
	}, nil
}

func decodeKeyPair(s *sealer, stored StoredKeyPair) (*KeyPair, error) {
	if stored.Algorithm != keyAlgorithm {
		return nil, fmt.Errorf("key pair %s: unsupported algorithm %q", stored.Purpose, stored.Algorithm)
	}

	sealed, err := base64.StdEncoding.DecodeString(stored.EncryptedPrivateKey)
	if err != nil {
		return nil, fmt.Errorf("key pair %s: %w: %v", stored.Purpose, ErrKeyDecrypt, err)
	}
	privDER, err := s.open(sealed, []byte(stored.Purpose))
	if err != nil {
		return nil, fmt.Errorf("key pair %s: %w: %v", stored.Purpose, ErrKeyDecrypt, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("key pair %s: %w: %v", stored.Purpose, ErrKeyDecrypt, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("key pair %s: private key is %T, not RSA", stored.Purpose, parsed)
	}

	pubDER, err := base64.StdEncoding.DecodeString(stored.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("key pair %s: public key: %w", stored.Purpose, err)
	}
	pubAny, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("key pair %s: public key: %w", stored.Purpose, err)
	}
	pub, ok := pubAny.(*rsa.PublicKey)
	if !ok || !pub.Equal(&priv.PublicKey) {
		return nil, fmt.Errorf("key pair %s: public key does not match private key", stored.Purpose)
	}

	return &KeyPair{Purpose: stored.Purpose, Private: priv, Public: pub}, nil
}
