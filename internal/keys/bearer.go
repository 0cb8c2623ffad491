package keys

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

var (
	ErrTokenExpired    = errors.New("bearer token expired")
	ErrTokenSignature  = errors.New("bearer token signature invalid")
	ErrTokenMalformed  = errors.New("bearer token malformed")
	ErrTokenUnexpected = errors.New("bearer token unexpected error")
)

const (
	claimUser         = "userId"
	claimOrganization = "organizationPk"
	claimRole         = "role"

	maxBearerHeaderB64Len  = 1024
	maxBearerPayloadB64Len = 8 * 1024
	maxBearerSigB64Len     = 1024
)

// Roles carried in the bearer role claim.
const (
	RoleUser  = "USER"
	RoleAdmin = "ADMIN"
)

// Claims is the identity carried by an operator bearer token.
type Claims struct {
	UserID         string
	OrganizationID string
	Role           string
	IssuedAt       time.Time
	ExpiresAt      time.Time
}

type bearerHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

// IssueBearerToken signs an RS256 JWT with the JWT purpose key.
func (a *Authority) IssueBearerToken(subjectID, organizationID, role string, ttl time.Duration) (string, error) {
	kp, ok := a.pairs[PurposeJWT]
	if !ok {
		return "", fmt.Errorf("%w: no %s key pair", ErrTokenUnexpected, PurposeJWT)
	}
	if subjectID == "" || organizationID == "" {
		return "", errors.New("subject and organization are required")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := a.now()
	headerJSON, err := json.Marshal(bearerHeader{Alg: "RS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payloadJSON, err := json.Marshal(map[string]any{
		claimUser:         subjectID,
		claimOrganization: organizationID,
		claimRole:         role,
		"iss":             bearerIssuer,
		"iat":             now.Unix(),
		"exp":             now.Add(ttl).Unix(),
	})
	if err != nil {
		return "", err
	}

	enc := base64.RawURLEncoding
	signingInput := enc.EncodeToString(headerJSON) + "." + enc.EncodeToString(payloadJSON)
	digest := sha256.Sum256([]byte(signingInput))
	sig, err := rsa.SignPKCS1v15(rand.Reader, kp.Private, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("sign bearer token: %w", err)
	}
	return signingInput + "." + enc.EncodeToString(sig), nil
}

// VerifyBearerToken checks signature, issuer and expiry and returns the
// claims. Failures wrap exactly one of ErrTokenExpired, ErrTokenSignature,
// ErrTokenMalformed or ErrTokenUnexpected.
func (a *Authority) VerifyBearerToken(token string) (Claims, error) {
	kp, ok := a.pairs[PurposeJWT]
	if !ok {
		return Claims{}, fmt.Errorf("%w: no %s key pair", ErrTokenUnexpected, PurposeJWT)
	}

	headerB64, payloadB64, sigB64, ok := splitBearerParts(strings.TrimSpace(token))
	if !ok {
		return Claims{}, ErrTokenMalformed
	}

	enc := base64.RawURLEncoding
	headerJSON, err := enc.DecodeString(headerB64)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}
	var header bearerHeader
	if err := json.Unmarshal(headerJSON, &header); err != nil {
		return Claims{}, ErrTokenMalformed
	}
	if header.Alg != "RS256" {
		// Refuse alg downgrades ("none", HS256 keyed with the public key).
		return Claims{}, fmt.Errorf("%w: alg %q", ErrTokenSignature, header.Alg)
	}

	sig, err := enc.DecodeString(sigB64)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}
	digest := sha256.Sum256([]byte(headerB64 + "." + payloadB64))
	if err := rsa.VerifyPKCS1v15(kp.Public, crypto.SHA256, digest[:], sig); err != nil {
		return Claims{}, ErrTokenSignature
	}

	payloadJSON, err := enc.DecodeString(payloadB64)
	if err != nil {
		return Claims{}, ErrTokenMalformed
	}
	dec := json.NewDecoder(bytes.NewReader(payloadJSON))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return Claims{}, ErrTokenMalformed
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return Claims{}, ErrTokenMalformed
	}

	exp, err := numericClaim(raw, "exp")
	if err != nil {
		return Claims{}, err
	}
	iat, err := numericClaim(raw, "iat")
	if err != nil {
		return Claims{}, err
	}
	if a.now().Unix() >= exp {
		return Claims{}, ErrTokenExpired
	}
	if iss, _ := raw["iss"].(string); iss != bearerIssuer {
		return Claims{}, fmt.Errorf("%w: issuer %q", ErrTokenMalformed, iss)
	}

	userID, _ := raw[claimUser].(string)
	orgID, _ := raw[claimOrganization].(string)
	role, _ := raw[claimRole].(string)
	if userID == "" || orgID == "" {
		return Claims{}, fmt.Errorf("%w: missing subject or organization", ErrTokenMalformed)
	}

	return Claims{
		UserID:         userID,
		OrganizationID: orgID,
		Role:           role,
		IssuedAt:       time.Unix(iat, 0),
		ExpiresAt:      time.Unix(exp, 0),
	}, nil
}

// BearerResultCode maps a VerifyBearerToken failure to its protocol code.
func BearerResultCode(err error) resultcode.Code {
	switch {
	case err == nil:
		return resultcode.Success
	case errors.Is(err, ErrTokenExpired):
		return resultcode.JWTTokenExpired
	case errors.Is(err, ErrTokenSignature):
		return resultcode.JWTTokenSignatureFailed
	case errors.Is(err, ErrTokenMalformed):
		return resultcode.JWTTokenDecryptingFailed
	default:
		return resultcode.JWTTokenUnexpectedError
	}
}

func numericClaim(claims map[string]any, key string) (int64, error) {
	v, ok := claims[key].(json.Number)
	if !ok {
		return 0, fmt.Errorf("%w: missing %s", ErrTokenMalformed, key)
	}
	n, err := v.Int64()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrTokenMalformed, key, err)
	}
	return n, nil
}

func splitBearerParts(token string) (headerB64, payloadB64, sigB64 string, ok bool) {
	if token == "" || len(token) > maxBearerHeaderB64Len+maxBearerPayloadB64Len+maxBearerSigB64Len+2 {
		return "", "", "", false
	}
	headerB64, rest, found := strings.Cut(token, ".")
	if !found {
		return "", "", "", false
	}
	payloadB64, sigB64, found = strings.Cut(rest, ".")
	if !found || strings.Contains(sigB64, ".") {
		return "", "", "", false
	}
	if headerB64 == "" || payloadB64 == "" || sigB64 == "" {
		return "", "", "", false
	}
	if len(headerB64) > maxBearerHeaderB64Len || len(payloadB64) > maxBearerPayloadB64Len || len(sigB64) > maxBearerSigB64Len {
		return "", "", "", false
	}
	return headerB64, payloadB64, sigB64, true
}
