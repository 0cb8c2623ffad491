package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/dispatch"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

type operatorAuthorize struct {
	AccessToken string `json:"accessToken"`
}

type requestConnection struct {
	RobotID string `json:"robotId"`
}

type sessionCreated struct {
	SessionID string `json:"sessionId"`
	RobotID   string `json:"robotId"`
}

func (s *Server) handleOperatorAuthorize(_ context.Context, req *dispatch.Request) error {
	var msg operatorAuthorize
	if err := json.Unmarshal(req.Data, &msg); err != nil {
		return resultcode.Wrap(resultcode.InvalidFormat, err)
	}
	token := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(msg.AccessToken), "Bearer "))
	if token == "" {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		return resultcode.Wrap(resultcode.AuthenticationFailed, errors.New("missing accessToken"))
	}
	if s.cfg.Bearer == nil {
		return resultcode.Wrap(resultcode.UnknownExceptionOccurred, errors.New("no bearer verifier configured"))
	}

	claims, err := s.cfg.Bearer.VerifyBearerToken(token)
	if err != nil {
		s.cfg.Metrics.Inc(metrics.AuthFailure)
		return resultcode.Wrap(keys.BearerResultCode(err), err)
	}

	if cur, authed := req.Conn.Identity(); authed && (cur.UserID != claims.UserID || cur.OrganizationID != claims.OrganizationID) {
		s.log.Warn("operator connection tried to re-authorize as another user", "conn_id", req.Conn.ID(), "user_id", cur.UserID, "requested_user_id", claims.UserID)
		return resultcode.Wrap(resultcode.AccessDenied, fmt.Errorf("connection already authenticated as user %s", cur.UserID))
	}

	ident := conn.Identity{UserID: claims.UserID, OrganizationID: claims.OrganizationID, Role: claims.Role}
	if !s.operators.Bind(req.Conn, ident) {
		return resultcode.New(resultcode.WebSocketSessionNotExist)
	}
	s.cfg.Metrics.Inc(metrics.AuthSuccess)
	s.log.Info("operator authenticated", "conn_id", req.Conn.ID(), "user_id", claims.UserID, "org_id", claims.OrganizationID)

	_ = req.Conn.Send(dispatch.Reply(req.Type, resultcode.Success))
	return nil
}

func (s *Server) handleOperatorSignaling(ctx context.Context, req *dispatch.Request) error {
	switch req.Suffix {
	case actionRequestConnection:
		return s.requestConnection(ctx, req)
	case actionSendSDPOffer, actionExchangeICECandidate, actionCloseConnection:
		return s.relay(req, conn.SideOperator)
	default:
		return resultcode.Wrap(resultcode.UnknownWebSocketRequestType, fmt.Errorf("operator signaling action %q", req.Suffix))
	}
}

// requestConnection checks that the operator's organization owns the robot
// and pairs the operator with the robot's live connection.
func (s *Server) requestConnection(ctx context.Context, req *dispatch.Request) error {
	var msg requestConnection
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
		return resultcode.Wrap(resultcode.RobotNotFound, err)
	}
	if err != nil {
		return fmt.Errorf("lookup robot %s: %w", robotID, err)
	}

	ident, _ := req.Conn.Identity()
	if rec.OrganizationID != ident.OrganizationID {
		s.log.Warn("connection request for robot of another organization", "conn_id", req.Conn.ID(), "user_id", ident.UserID, "robot_id", rec.ID)
		return resultcode.Wrap(resultcode.AccessDenied, fmt.Errorf("robot %s not in organization %s", rec.ID, ident.OrganizationID))
	}

	sess, err := s.sessions.Create(req.Conn.ID(), rec.ID)
	if err != nil {
		return err
	}
	s.log.Info("signaling session created", "session_id", sess.ID, "robot_id", rec.ID, "user_id", ident.UserID)

	frame, err := dispatch.Message(typeSessionCreated, sessionCreated{SessionID: sess.ID, RobotID: rec.ID})
	if err != nil {
		return err
	}
	return req.Conn.Send(frame)
}
