// Package events publishes robot status changes to message brokers so
// services outside the signaling process can follow robot lifecycles.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

const DefaultSubject = "mosaic.robot.status"

// StatusEvent is the broker payload:
//
//	{"robotId":"...","organizationId":"...","status":6,"statusName":"DISCONNECTED","at":"..."}
type StatusEvent struct {
	RobotID        string       `json:"robotId"`
	OrganizationID string       `json:"organizationId"`
	Status         robot.Status `json:"status"`
	StatusName     string       `json:"statusName"`
	At             time.Time    `json:"at"`
}

func NewStatusEvent(robotID, orgID string, status robot.Status, at time.Time) StatusEvent {
	return StatusEvent{
		RobotID:        robotID,
		OrganizationID: orgID,
		Status:         status,
		StatusName:     status.String(),
		At:             at.UTC(),
	}
}

func (e StatusEvent) encode() ([]byte, error) {
	return json.Marshal(e)
}

type Publisher interface {
	PublishStatus(ctx context.Context, ev StatusEvent) error
	Close() error
}

// Nop discards every event.
type Nop struct{}

func (Nop) PublishStatus(context.Context, StatusEvent) error { return nil }
func (Nop) Close() error                                     { return nil }

// Fanout publishes to every publisher and joins their errors. One failing
// broker does not stop delivery to the others.
type Fanout []Publisher

func (f Fanout) PublishStatus(ctx context.Context, ev StatusEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.PublishStatus(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f Fanout) Close() error {
	var errs []error
	for _, p := range f {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
