package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/dispatch"
	"github.com/gistacsl/mosaic-signaling/internal/events"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
)

const (
	typeStatusUpdate    = "status.update"
	typeCloseConnection = "signaling.close_connection"
	typeSessionCreated  = "signaling.session_created"
	suffixStatusUpdate  = "update"
)

type statusUpdate struct {
	RobotID string       `json:"robotId"`
	Status  robot.Status `json:"status"`
}

// publishStatus persists status for the robot bound to ident, publishes it
// to the brokers and broadcasts it to the organization's operators. The
// broadcast happens even when persistence fails; the persistence error is
// returned.
func (s *Server) publishStatus(ctx context.Context, ident conn.Identity, status robot.Status) error {
	log := s.log.With("robot_id", ident.RobotID, "status", status.String())

	var persistErr error
	if s.cfg.Status != nil {
		cctx, cancel := collaboratorContext(ctx)
		persistErr = s.cfg.Status.UpdateRobotStatus(cctx, ident.RobotID, status)
		cancel()
		if persistErr != nil {
			log.Error("persist robot status", "err", persistErr)
		}
	}

	cctx, cancel := collaboratorContext(ctx)
	err := s.cfg.Events.PublishStatus(cctx, events.NewStatusEvent(ident.RobotID, ident.OrganizationID, status, time.Now()))
	cancel()
	if err != nil {
		s.cfg.Metrics.Inc(metrics.StatusEventPublishFailed)
		log.Warn("publish robot status event", "err", err)
	}

	s.broadcastStatus(ident.OrganizationID, statusUpdate{RobotID: ident.RobotID, Status: status})
	return persistErr
}

func (s *Server) broadcastStatus(orgID string, update statusUpdate) {
	frame, err := dispatch.Message(typeStatusUpdate, update)
	if err != nil {
		s.log.Error("encode status update", "err", err)
		return
	}
	for _, op := range s.operators.GetAuthenticatedByOrganizationID(orgID) {
		if err := op.Send(frame); err != nil && !errors.Is(err, conn.ErrClosed) {
			s.log.Warn("queue status update", "conn_id", op.ID(), "err", err)
		}
	}
	s.cfg.Metrics.Inc(metrics.StatusBroadcast)
}

// onClosed is the connection-closed event. It runs once per connection, from
// the connection's read goroutine, after the transport is gone.
func (s *Server) onClosed(c *conn.Conn) {
	c.Close()
	if s.registryFor(c.Side()).Remove(c.ID()) == nil {
		return
	}
	log := s.log.With("side", c.Side().String(), "conn_id", c.ID())

	for _, sess := range s.sessions.RemoveForConn(c.ID()) {
		frame, err := dispatch.Message(typeCloseConnection, sessionRef{SessionID: sess.ID})
		if err == nil {
			_ = sess.Peer(c.Side()).Send(frame)
		}
		log.Debug("session dropped", "session_id", sess.ID)
	}

	ident, authed := c.Identity()
	if c.Side() != conn.SideRobot || !authed {
		log.Debug("websocket closed")
		return
	}
	if other, ok := s.robots.GetByRobotID(ident.RobotID); ok && other != c {
		log.Info("robot closed with newer connection live", "robot_id", ident.RobotID)
		return
	}
	log.Info("robot disconnected", "robot_id", ident.RobotID)
	_ = s.publishStatus(context.Background(), ident, robot.StatusDisconnected)
}
