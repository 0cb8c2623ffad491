package keys

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrRobotTokenInvalid covers every robot simple-token rejection. The
// handshake reports all of them as AUTHENTICATION_FAILED.
var ErrRobotTokenInvalid = errors.New("robot token invalid")

const robotTokenNonceBytes = 16

// IssueRobotToken returns Base64(sealed payload).Base64(HMAC-SHA256(payload))
// where payload is robotId|issuedAtMillis|nonce.
func (a *Authority) IssueRobotToken(robotID string) (string, error) {
	if robotID == "" || strings.Contains(robotID, "|") {
		return "", fmt.Errorf("invalid robot id %q", robotID)
	}

	nonce := make([]byte, robotTokenNonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	payload := []byte(robotID + "|" +
		strconv.FormatInt(a.now().UnixMilli(), 10) + "|" +
		base64.StdEncoding.EncodeToString(nonce))

	sealed, err := a.tokenSealer.seal(payload, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed) + "." +
		base64.StdEncoding.EncodeToString(a.robotTokenMAC(payload)), nil
}

// VerifyRobotToken accepts token only if it opens, its integrity tag matches,
// it names expectedRobotID, and its timestamp is neither in the future nor
// older than the configured max age.
func (a *Authority) VerifyRobotToken(token, expectedRobotID string) error {
	encPart, macPart, ok := strings.Cut(strings.TrimSpace(token), ".")
	if !ok || encPart == "" || macPart == "" || strings.Contains(macPart, ".") {
		return fmt.Errorf("%w: expected two segments", ErrRobotTokenInvalid)
	}
	sealed, err := base64.StdEncoding.DecodeString(encPart)
	if err != nil {
		return fmt.Errorf("%w: payload encoding", ErrRobotTokenInvalid)
	}
	gotMAC, err := base64.StdEncoding.DecodeString(macPart)
	if err != nil {
		return fmt.Errorf("%w: tag encoding", ErrRobotTokenInvalid)
	}

	payload, err := a.tokenSealer.open(sealed, nil)
	if err != nil {
		return fmt.Errorf("%w: payload does not open", ErrRobotTokenInvalid)
	}
	if !hmac.Equal(gotMAC, a.robotTokenMAC(payload)) {
		return fmt.Errorf("%w: integrity tag mismatch", ErrRobotTokenInvalid)
	}

	parts := strings.Split(string(payload), "|")
	if len(parts) != 3 {
		return fmt.Errorf("%w: expected 3 payload fields, got %d", ErrRobotTokenInvalid, len(parts))
	}
	if !sameRobotID(parts[0], expectedRobotID) {
		return fmt.Errorf("%w: robot id mismatch", ErrRobotTokenInvalid)
	}

	issuedMillis, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: timestamp", ErrRobotTokenInvalid)
	}
	issued := time.UnixMilli(issuedMillis)
	now := a.now()
	if issued.After(now.Add(robotTokenClockSkew)) {
		return fmt.Errorf("%w: issued in the future", ErrRobotTokenInvalid)
	}
	if now.Sub(issued) > a.robotTokenMaxAge {
		return fmt.Errorf("%w: older than %s", ErrRobotTokenInvalid, a.robotTokenMaxAge)
	}
	return nil
}

func (a *Authority) robotTokenMAC(payload []byte) []byte {
	mac := hmac.New(sha256.New, a.tokenMACKey)
	_, _ = mac.Write(payload)
	return mac.Sum(nil)
}

// sameRobotID compares UUIDs by value so case differences do not matter.
func sameRobotID(a, b string) bool {
	ua, errA := uuid.Parse(a)
	ub, errB := uuid.Parse(b)
	if errA == nil && errB == nil {
		return ua == ub
	}
	return a != "" && a == b
}
