// Package robotauth holds the per-robot authentication strategies used by the
// robot authorize handshake.
package robotauth

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

// Strategy decides whether credential data proves the connection is rec.
// A nil return accepts; failures should carry a resultcode.
type Strategy interface {
	Authenticate(ctx context.Context, rec robot.Record, data json.RawMessage) error
}

type StrategyFunc func(ctx context.Context, rec robot.Record, data json.RawMessage) error

func (f StrategyFunc) Authenticate(ctx context.Context, rec robot.Record, data json.RawMessage) error {
	return f(ctx, rec, data)
}

// TokenVerifier is satisfied by *keys.Authority.
type TokenVerifier interface {
	VerifyRobotToken(token, expectedRobotID string) error
}

// Table maps a robot's configured auth type to its strategy. Build it once at
// startup; it is not safe to modify while in use.
type Table map[robot.AuthType]Strategy

// NewTable returns the table of every supported auth type.
func NewTable(tokens TokenVerifier) Table {
	return Table{
		robot.AuthNoAuthorization: NoAuthorization{},
		robot.AuthSimpleToken:     SimpleToken{Verifier: tokens},
	}
}

// Authenticate dispatches to the strategy registered for rec.AuthType. Types
// with no strategy are rejected with UNKNOWN_ROBOT_AUTH_TYPE.
func (t Table) Authenticate(ctx context.Context, rec robot.Record, data json.RawMessage) error {
	s, ok := t[rec.AuthType]
	if !ok || s == nil {
		return resultcode.Wrap(resultcode.UnknownRobotAuthType, fmt.Errorf("auth type %v", rec.AuthType))
	}
	return s.Authenticate(ctx, rec, data)
}

type NoAuthorization struct{}

func (NoAuthorization) Authenticate(context.Context, robot.Record, json.RawMessage) error {
	return nil
}

// SimpleToken expects data to be a JSON string holding a robot token issued
// for this robot.
type SimpleToken struct {
	Verifier TokenVerifier
}

func (s SimpleToken) Authenticate(_ context.Context, rec robot.Record, data json.RawMessage) error {
	var token string
	if len(data) == 0 || data[0] != '"' {
		return resultcode.Wrap(resultcode.AuthenticationFailed, fmt.Errorf("simple token payload is not a string"))
	}
	if err := json.Unmarshal(data, &token); err != nil {
		return resultcode.Wrap(resultcode.AuthenticationFailed, err)
	}
	if s.Verifier == nil {
		return resultcode.Wrap(resultcode.AuthenticationFailed, fmt.Errorf("no token verifier configured"))
	}
	if err := s.Verifier.VerifyRobotToken(token, rec.ID); err != nil {
		return resultcode.Wrap(resultcode.AuthenticationFailed, err)
	}
	return nil
}
