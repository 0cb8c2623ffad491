package signaling

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/gistacsl/mosaic-signaling/internal/conn"
	"github.com/gistacsl/mosaic-signaling/internal/dispatch"
	"github.com/gistacsl/mosaic-signaling/internal/metrics"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

// Signaling sub-actions.
const (
	actionRequestConnection    = "request_connection"
	actionSendSDPOffer         = "send_sdp_offer"
	actionSendSDPAnswer        = "send_sdp_answer"
	actionExchangeICECandidate = "exchange_ice_candidate"
	actionCloseConnection      = "close_connection"
)

var errMissingSessionID = errors.New("missing sessionId")

type sessionRef struct {
	SessionID string `json:"sessionId"`
}

// sessionIDFrom reads the session id of a relayed frame. rtcConnectionId is
// accepted for older clients.
func sessionIDFrom(data json.RawMessage) (string, error) {
	var v struct {
		SessionID       string `json:"sessionId"`
		RTCConnectionID string `json:"rtcConnectionId"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return "", err
	}
	id := strings.TrimSpace(v.SessionID)
	if id == "" {
		id = strings.TrimSpace(v.RTCConnectionID)
	}
	if id == "" {
		return "", errMissingSessionID
	}
	return id, nil
}

// relay forwards req's raw frame to the other member of the session it names.
// A close_connection also tears the session down once the sender is known to
// be a member.
func (s *Server) relay(req *dispatch.Request, origin conn.Side) error {
	id, err := sessionIDFrom(req.Data)
	if err != nil {
		return resultcode.Wrap(resultcode.InvalidFormat, err)
	}

	_, err = s.sessions.Relay(id, origin, req.Conn.ID(), req.Raw)
	code := resultcode.From(err)
	switch {
	case err == nil:
		s.cfg.Metrics.Inc(metrics.RelayForwarded)
	case code == resultcode.AccessDenied:
		s.cfg.Metrics.Inc(metrics.RelayDenied)
		s.log.Warn("relay denied", "conn_id", req.Conn.ID(), "session_id", id, "type", req.Type)
	}

	if req.Suffix == actionCloseConnection && (err == nil || code == resultcode.WebSocketSessionNotExist) {
		s.sessions.Remove(id)
	}
	return err
}
