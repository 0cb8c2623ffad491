// Package store implements the collaborator contracts the signaling core
// consumes: robot lookup, robot status persistence and key pair storage.
package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"

	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

var ErrRobotNotFound = errors.New("robot not found")

// RobotLookup resolves a robot id to its record. Unknown ids return
// ErrRobotNotFound.
type RobotLookup interface {
	LookupRobot(ctx context.Context, robotID string) (robot.Record, error)
}

// StatusStore persists the latest status reported for a robot.
type StatusStore interface {
	UpdateRobotStatus(ctx context.Context, robotID string, status robot.Status) error
}

// NormalizeRobotID returns the canonical lower-case form of UUID ids so
// lookups are case-insensitive. Other ids are only trimmed.
func NormalizeRobotID(id string) string {
	id = strings.TrimSpace(id)
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}
