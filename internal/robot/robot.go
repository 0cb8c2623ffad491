// Package robot holds the robot record shape shared by the handshake, the
// status broadcast and the external stores.
package robot

import (
	"encoding/json"
	"fmt"
	"strings"
)

// AuthType selects the handshake strategy configured for a robot.
type AuthType int

const (
	AuthNoAuthorization AuthType = 0
	AuthSimpleToken     AuthType = 1
)

func (t AuthType) String() string {
	switch t {
	case AuthNoAuthorization:
		return "NO_AUTHORIZATION"
	case AuthSimpleToken:
		return "SIMPLE_TOKEN"
	default:
		return fmt.Sprintf("AuthType(%d)", int(t))
	}
}

// ParseAuthType accepts either the enum name or its numeric value.
func ParseAuthType(raw string) (AuthType, error) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "NO_AUTHORIZATION", "0":
		return AuthNoAuthorization, nil
	case "SIMPLE_TOKEN", "1":
		return AuthSimpleToken, nil
	default:
		return 0, fmt.Errorf("unknown robot auth type %q", raw)
	}
}

// Status is the lifecycle state of a robot as seen by operators.
type Status int

const (
	StatusReadyToConnect Status = 0
	StatusConnecting     Status = 1
	StatusConnected      Status = 2
	StatusDisconnecting  Status = 3
	StatusFailed         Status = 4
	StatusShuttingDown   Status = 5
	StatusDisconnected   Status = 6
	StatusRemoved        Status = 7
)

var statusNames = [...]string{
	StatusReadyToConnect: "READY_TO_CONNECT",
	StatusConnecting:     "CONNECTING",
	StatusConnected:      "CONNECTED",
	StatusDisconnecting:  "DISCONNECTING",
	StatusFailed:         "FAILED",
	StatusShuttingDown:   "SHUTTING_DOWN",
	StatusDisconnected:   "DISCONNECTED",
	StatusRemoved:        "REMOVED",
}

func (s Status) Valid() bool {
	return s >= StatusReadyToConnect && s <= StatusRemoved
}

func (s Status) String() string {
	if s.Valid() {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// UnmarshalJSON accepts the numeric wire form and, for hand-written clients,
// the enum name.
func (s *Status) UnmarshalJSON(b []byte) error {
	var n int
	if err := json.Unmarshal(b, &n); err == nil {
		st := Status(n)
		if !st.Valid() {
			return fmt.Errorf("robot status %d out of range", n)
		}
		*s = st
		return nil
	}
	var name string
	if err := json.Unmarshal(b, &name); err != nil {
		return fmt.Errorf("robot status must be a number or a name")
	}
	for i, candidate := range statusNames {
		if strings.EqualFold(candidate, name) {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown robot status %q", name)
}

// Record is what the robot-lookup collaborator returns.
type Record struct {
	ID             string
	OrganizationID string
	Name           string
	AuthType       AuthType
}
