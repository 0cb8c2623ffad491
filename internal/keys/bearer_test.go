package keys

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

func TestBearerToken_RoundTrip(t *testing.T) {
	a := testAuthority(t)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	token, err := a.IssueBearerToken("user-1", "org-1", "ADMIN", time.Hour)
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}

	claims, err := a.VerifyBearerToken(token)
	if err != nil {
		t.Fatalf("VerifyBearerToken: %v", err)
	}
	if claims.UserID != "user-1" || claims.OrganizationID != "org-1" || claims.Role != "ADMIN" {
		t.Fatalf("claims=%+v", claims)
	}
	if !claims.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("expiresAt=%v, want %v", claims.ExpiresAt, now.Add(time.Hour))
	}
}

func TestBearerToken_Expired(t *testing.T) {
	a := testAuthority(t)
	now := time.Unix(1_700_000_000, 0)
	a.now = func() time.Time { return now }

	token, err := a.IssueBearerToken("user-1", "org-1", "USER", time.Minute)
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}

	now = now.Add(time.Minute)
	_, err = a.VerifyBearerToken(token)
	if !errors.Is(err, ErrTokenExpired) {
		t.Fatalf("err=%v, want ErrTokenExpired", err)
	}
	if got := BearerResultCode(err); got != resultcode.JWTTokenExpired {
		t.Fatalf("code=%v, want %v", got, resultcode.JWTTokenExpired)
	}
}

func TestBearerToken_TamperedPayloadFailsSignature(t *testing.T) {
	a := testAuthority(t)
	token, err := a.IssueBearerToken("user-1", "org-1", "USER", time.Hour)
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}

	parts := strings.Split(token, ".")
	forged := base64.RawURLEncoding.EncodeToString([]byte(
		`{"userId":"user-2","organizationPk":"org-1","role":"ADMIN","iss":"MosaicBackend","iat":1,"exp":99999999999}`))
	_, err = a.VerifyBearerToken(parts[0] + "." + forged + "." + parts[2])
	if !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("err=%v, want ErrTokenSignature", err)
	}
}

func TestBearerToken_AlgNoneRejected(t *testing.T) {
	a := testAuthority(t)
	token, err := a.IssueBearerToken("user-1", "org-1", "USER", time.Hour)
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}
	parts := strings.Split(token, ".")
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"none","typ":"JWT"}`))

	_, err = a.VerifyBearerToken(header + "." + parts[1] + "." + parts[2])
	if !errors.Is(err, ErrTokenSignature) {
		t.Fatalf("err=%v, want ErrTokenSignature", err)
	}
}

func TestBearerToken_Malformed(t *testing.T) {
	a := testAuthority(t)
	for _, token := range []string{"", "abc", "a.b", "a.b.c.d", "!!!.???.***"} {
		_, err := a.VerifyBearerToken(token)
		if !errors.Is(err, ErrTokenMalformed) {
			t.Fatalf("VerifyBearerToken(%q) err=%v, want ErrTokenMalformed", token, err)
		}
		if got := BearerResultCode(err); got != resultcode.JWTTokenDecryptingFailed {
			t.Fatalf("code=%v", got)
		}
	}
}

func TestBearerToken_MissingKeyPairIsUnexpected(t *testing.T) {
	a := testAuthority(t)
	token, err := a.IssueBearerToken("user-1", "org-1", "USER", time.Hour)
	if err != nil {
		t.Fatalf("IssueBearerToken: %v", err)
	}

	empty := &Authority{pairs: map[Purpose]*KeyPair{}, now: time.Now}
	_, err = empty.VerifyBearerToken(token)
	if !errors.Is(err, ErrTokenUnexpected) {
		t.Fatalf("err=%v, want ErrTokenUnexpected", err)
	}
	if got := BearerResultCode(err); got != resultcode.JWTTokenUnexpectedError {
		t.Fatalf("code=%v", got)
	}
}
