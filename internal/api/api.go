// Package api serves the REST endpoints that sit next to the signaling
// WebSockets: robot token issuance and operator disconnects.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gistacsl/mosaic-signaling/internal/httpserver"
	"github.com/gistacsl/mosaic-signaling/internal/keys"
	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
	"github.com/gistacsl/mosaic-signaling/internal/robot"
	"github.com/gistacsl/mosaic-signaling/internal/store"
)

const (
	SimpleTokenPath = "POST /api/v1/robots/auth/simple-token"
	DisconnectPath  = "POST /api/v1/users/{userId}/disconnect"

	maxBodyBytes  = 64 << 10
	lookupTimeout = 5 * time.Second
)

type BearerVerifier interface {
	VerifyBearerToken(token string) (keys.Claims, error)
}

type RobotTokenIssuer interface {
	IssueRobotToken(robotID string) (string, error)
}

// UserDisconnector is implemented by *signaling.Server.
type UserDisconnector interface {
	DisconnectUser(userID string) int
	DisconnectUserInOrganization(userID, organizationID string) int
}

// Registrar is implemented by *httpserver.Server.
type Registrar interface {
	HandleAPI(pattern string, h http.HandlerFunc)
}

type Config struct {
	Logger       *slog.Logger
	Bearer       BearerVerifier
	Robots       store.RobotLookup
	RobotTokens  RobotTokenIssuer
	Disconnector UserDisconnector
}

type Handler struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Handler{cfg: cfg, log: cfg.Logger}
}

func (h *Handler) Register(r Registrar) {
	r.HandleAPI(SimpleTokenPath, h.handleSimpleToken)
	r.HandleAPI(DisconnectPath, h.handleDisconnect)
}

// response mirrors the backend's envelope: resultData is null on failure.
type response struct {
	ResultCode resultcode.Code `json:"resultCode"`
	ResultData any             `json:"resultData"`
}

type simpleTokenRequest struct {
	RobotID string `json:"robotId"`
}

type simpleTokenResponse struct {
	Token string `json:"token"`
}

type disconnectResponse struct {
	Disconnected int `json:"disconnected"`
}

func (h *Handler) handleSimpleToken(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	var req simpleTokenRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	robotID := strings.TrimSpace(req.RobotID)
	if robotID == "" {
		h.writeError(w, r, resultcode.Wrap(resultcode.InvalidFormat, errors.New("missing robotId")))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), lookupTimeout)
	rec, err := h.cfg.Robots.LookupRobot(ctx, robotID)
	cancel()
	switch {
	case errors.Is(err, store.ErrRobotNotFound):
		h.writeError(w, r, resultcode.Wrap(resultcode.RobotNotFound, err))
		return
	case err != nil:
		h.writeError(w, r, fmt.Errorf("lookup robot %s: %w", robotID, err))
		return
	}
	// Robots of other organizations are reported as missing.
	if rec.OrganizationID != claims.OrganizationID {
		h.writeError(w, r, resultcode.Wrap(resultcode.RobotNotFound, fmt.Errorf("robot %s not in organization %s", rec.ID, claims.OrganizationID)))
		return
	}
	if rec.AuthType != robot.AuthSimpleToken {
		h.writeError(w, r, resultcode.Wrap(resultcode.InvalidRobotAuthType, fmt.Errorf("robot %s uses %s", rec.ID, rec.AuthType)))
		return
	}

	token, err := h.cfg.RobotTokens.IssueRobotToken(rec.ID)
	if err != nil {
		h.writeError(w, r, fmt.Errorf("issue robot token: %w", err))
		return
	}
	h.log.Info("robot token issued", "robot_id", rec.ID, "user_id", claims.UserID, "org_id", claims.OrganizationID)
	httpserver.WriteJSON(w, http.StatusOK, response{ResultCode: resultcode.Success, ResultData: simpleTokenResponse{Token: token}})
}

// handleDisconnect closes the target user's operator connections. Users may
// disconnect themselves; admins may disconnect users of their organization.
func (h *Handler) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	claims, err := h.authenticate(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	target := strings.TrimSpace(r.PathValue("userId"))
	if target == "" {
		h.writeError(w, r, resultcode.Wrap(resultcode.InvalidFormat, errors.New("missing userId")))
		return
	}

	var n int
	switch {
	case target == claims.UserID:
		n = h.cfg.Disconnector.DisconnectUser(target)
	case claims.Role == keys.RoleAdmin:
		n = h.cfg.Disconnector.DisconnectUserInOrganization(target, claims.OrganizationID)
	default:
		h.writeError(w, r, resultcode.Wrap(resultcode.AccessDenied, fmt.Errorf("user %s may not disconnect %s", claims.UserID, target)))
		return
	}
	h.log.Info("user disconnected", "target_user_id", target, "user_id", claims.UserID, "connections", n)
	httpserver.WriteJSON(w, http.StatusOK, response{ResultCode: resultcode.Success, ResultData: disconnectResponse{Disconnected: n}})
}

func (h *Handler) authenticate(r *http.Request) (keys.Claims, error) {
	raw := strings.TrimSpace(r.Header.Get("Authorization"))
	token, ok := strings.CutPrefix(raw, "Bearer ")
	token = strings.TrimSpace(token)
	if !ok || token == "" {
		return keys.Claims{}, resultcode.Wrap(resultcode.AuthenticationFailed, errors.New("missing bearer token"))
	}
	claims, err := h.cfg.Bearer.VerifyBearerToken(token)
	if err != nil {
		return keys.Claims{}, resultcode.Wrap(keys.BearerResultCode(err), err)
	}
	return claims, nil
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return resultcode.Wrap(resultcode.InvalidFormat, err)
	}
	if dec.More() {
		return resultcode.Wrap(resultcode.InvalidFormat, errors.New("trailing data after request body"))
	}
	return nil
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := resultcode.From(err)
	if code == resultcode.UnknownExceptionOccurred {
		h.log.Error("api request failed", "path", r.URL.Path, "request_id", r.Header.Get("X-Request-ID"), "err", err)
	} else {
		h.log.Info("api request rejected", "path", r.URL.Path, "code", int(code), "err", err)
	}
	httpserver.WriteJSON(w, code.HTTPStatus(), response{ResultCode: code})
}
