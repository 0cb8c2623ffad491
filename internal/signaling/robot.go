package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/dispatch"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

type robotAuthorize struct {
	RobotID string          `json:"robotId"`
	Data    json.RawMessage `json:"data"`
}

// handleRobotAuthorize resolves the robot record, runs the strategy for its
// auth type and binds the connection on success. A failed attempt leaves the
// connection open and unauthenticated.
func (s *Server) handleRobotAuthorize(ctx context.Context, req *dispatch.Request) error {
	var msg robotAuthorize
	if err := json.Unmarshal(req.Data, &msg); err != nil {
		return resultcode.Wrap(resultcode.InvalidFormat, err)
	}
	robotID := strings.TrimSpace(msg.RobotID)
	if robotID == "" {
		return resultcode.Wrap(resultcode.InvalidFormat, errors.New("missing robotId"))
	}
	if s.cfg.Robots == nil {
		return resultcode.Wrap(resultcode.UnknownExceptionOccurred, errors.New("no robot lookup configured"))
	}

	cctx, cancel := collaboratorContext(ctx)
	rec, err := s.cfg.Robots.LookupRobot(cctx, robotID)
	cancel()
	if errors.Is(err, store.ErrRobotNotFound) {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		return resultcode.Wrap(resultcode.RobotNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("lookup robot %s: %w", robotID, err)
	}

	// A connection stays bound to the robot it first authenticated as.
	if cur, authed := req.Conn.Identity(); authed && cur.RobotID != rec.ID {
		s.log.Warn("robot connection tried to re-authorize as another robot", "conn_id", req.Conn.ID(), "robot_id", cur.RobotID, "requested_robot_id", rec.ID)
		return resultcode.Wrap(resultcode.AccessDenied, fmt.Errorf("connection already authenticated as robot %s", cur.RobotID))
	}

	cctx, cancel = collaboratorContext(ctx)
	err = s.cfg.Strategies.Authenticate(cctx, rec, msg.Data)
	cancel()
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		s.log.Info("robot authorize rejected", "conn_id", req.Conn.ID(), "robot_id", rec.ID, "auth_type", rec.AuthType.String(), "err", err)
		return err
	}

	ident := conn.Identity{RobotID: rec.ID, OrganizationID: rec.OrganizationID}
	if !s.robots.Bind(req.Conn, ident) {
		return resultcode.New(resultcode.WebSocketSessionNotExist)
	}
	s.cfg.Metrics.Inc(metrics.AuthSuccess)
	s.log.Info("robot authenticated", "conn_id", req.Conn.ID(), "robot_id", rec.ID, "org_id", rec.OrganizationID)

	_ = req.Conn.Send(dispatch.Reply(req.Type, resultcode.Success))
	_ = s.publishStatus(ctx, ident, robot.StatusConnected)
	return nil
}

func (s *Server) handleRobotStatus(ctx context.Context, req *dispatch.Request) error {
	if req.Suffix != suffixStatusUpdate {
		return resultcode.Wrap(resultcode.UnknownWebSocketRequestType, fmt.Errorf("status action %q", req.Suffix))
	}
	var status robot.Status
	if err := json.Unmarshal(req.Data, &status); err != nil {
		return resultcode.Wrap(resultcode.InvalidFormat, err)
	}
	ident, _ := req.Conn.Identity()
	return s.publishStatus(ctx, ident, status)
}

func (s *Server) handleRobotSignaling(_ context.Context, req *dispatch.Request) error {
	switch req.Suffix {
	case actionSendSDPAnswer, actionExchangeICECandidate, actionCloseConnection:
		return s.relay(req, conn.SideRobot)
	default:
		return resultcode.Wrap(resultcode.UnknownWebSocketRequestType, fmt.Errorf("robot signaling action %q", req.Suffix))
	}
}
