// Package resultcode defines the closed set of numeric result codes returned
// in every protocol reply and REST response.
package resultcode

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Code is a stable numeric result identifier.
type Code int

const (
	Success Code = 100

	UnknownExceptionOccurred    Code = 10000
	InvalidFormat               Code = 10001
	UnknownWebSocketRequestType Code = 10002

	JWTTokenExpired          Code = 10010
	JWTTokenSignatureFailed  Code = 10011
	JWTTokenDecryptingFailed Code = 10012
	JWTTokenUnexpectedError  Code = 10013
	JWTTokenVerifyFailed     Code = 10014
	InvalidPublicKey         Code = 10015

	AccessDenied                  Code = 10020
	AuthenticationFailed          Code = 10021
	CannotFindUserAuthFromContext Code = 10022

	WebSocketSessionNotExist Code = 10050
	WebRTCSessionNotExist    Code = 10051
	RobotWSSessionNotExist   Code = 10052
	UserWSSessionNotExist    Code = 10053
	UnknownRobotAuthType     Code = 10054
	RobotNotFound            Code = 10055
	InvalidRobotAuthType     Code = 10056
)

type info struct {
	name       string
	httpStatus int
}

var table = map[Code]info{
	Success: {"OK", http.StatusOK},

	UnknownExceptionOccurred:    {"UNKNOWN_EXCEPTION_OCCURRED", http.StatusInternalServerError},
	InvalidFormat:               {"INVALID_FORMAT", http.StatusBadRequest},
	UnknownWebSocketRequestType: {"UNKNOWN_WEBSOCKET_REQUEST_TYPE", http.StatusBadRequest},

	JWTTokenExpired:          {"JWT_TOKEN_EXPIRED", http.StatusUnauthorized},
	JWTTokenSignatureFailed:  {"JWT_TOKEN_SIGNATURE_FAILED", http.StatusUnauthorized},
	JWTTokenDecryptingFailed: {"JWT_TOKEN_DECRYPTING_FAILED", http.StatusUnauthorized},
	JWTTokenUnexpectedError:  {"JWT_TOKEN_UNEXPECTED_ERROR", http.StatusUnauthorized},
	JWTTokenVerifyFailed:     {"JWT_TOKEN_VERIFY_FAILED", http.StatusUnauthorized},
	InvalidPublicKey:         {"INVALID_PUBLIC_KEY", http.StatusUnauthorized},

	AccessDenied:                  {"ACCESS_DENIED", http.StatusForbidden},
	AuthenticationFailed:          {"AUTHENTICATION_FAILED", http.StatusUnauthorized},
	CannotFindUserAuthFromContext: {"CANNOT_FIND_USER_AUTH_FROM_CONTEXT", http.StatusUnauthorized},

	WebSocketSessionNotExist: {"WEBSOCKET_SESSION_NOT_EXIST", http.StatusBadRequest},
	WebRTCSessionNotExist:    {"WEBRTC_SESSION_NOT_EXIST", http.StatusBadRequest},
	RobotWSSessionNotExist:   {"ROBOT_WS_SESSION_NOT_EXIST", http.StatusBadRequest},
	UserWSSessionNotExist:    {"USER_WS_SESSION_NOT_EXIST", http.StatusBadRequest},
	UnknownRobotAuthType:     {"UNKNOWN_ROBOT_AUTH_TYPE", http.StatusBadRequest},
	RobotNotFound:            {"ROBOT_NOT_FOUND", http.StatusNotFound},
	InvalidRobotAuthType:     {"INVALID_ROBOT_AUTH_TYPE", http.StatusBadRequest},
}

// Valid reports whether c belongs to the closed set.
func (c Code) Valid() bool {
	_, ok := table[c]
	return ok
}

func (c Code) String() string {
	if i, ok := table[c]; ok {
		return i.name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// HTTPStatus is the status class used at the REST boundary. Protocol replies
// only carry the numeric value.
func (c Code) HTTPStatus() int {
	if i, ok := table[c]; ok {
		return i.httpStatus
	}
	return http.StatusInternalServerError
}

func (c Code) MarshalJSON() ([]byte, error) {
	return json.Marshal(int(c))
}

// Error carries a result code through ordinary error returns.
type Error struct {
	Code Code
	Err  error
}

// New returns an *Error for code without a cause.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Wrap returns an *Error for code that unwraps to err.
func Wrap(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Code.String() + ": " + e.Err.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code, so callers can write
// errors.Is(err, resultcode.New(resultcode.AccessDenied)).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// From extracts the result code from err. Errors without one map to
// UnknownExceptionOccurred; a nil error maps to Success.
func From(err error) Code {
	if err == nil {
		return Success
	}
	var rerr *Error
	if errors.As(err, &rerr) {
		return rerr.Code
	}
	return UnknownExceptionOccurred
}
