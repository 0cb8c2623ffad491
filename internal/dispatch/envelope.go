// Package dispatch turns raw text frames into {type, data} envelopes and
// routes them by type prefix to per-side handlers.
package dispatch

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gistacsl/mosaic-signaling/internal/resultcode"
)

// Type prefixes.
const (
	PrefixAuthorize = "authorize"
	PrefixSignaling = "signaling"
	PrefixStatus    = "status"
	PrefixPing      = "ping"
)

// UnknownType addresses replies to frames whose type could not be read.
const UnknownType = "unknown"

const (
	typeSeparator = "."
	replySuffix   = ".res"
)

var ErrInvalidEnvelope = errors.New("invalid envelope")

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Decode parses raw as an envelope. The type must be a non-empty string.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&env); err != nil {
		return Envelope{}, errors.Join(ErrInvalidEnvelope, err)
	}
	if dec.More() {
		return Envelope{}, ErrInvalidEnvelope
	}
	if strings.TrimSpace(env.Type) == "" {
		return Envelope{}, ErrInvalidEnvelope
	}
	return env, nil
}

// SplitType splits on the first separator, so "signaling.send_sdp_offer"
// gives ("signaling", "send_sdp_offer") and "ping" gives ("ping", "").
func SplitType(t string) (prefix, suffix string) {
	prefix, suffix, _ = strings.Cut(t, typeSeparator)
	return prefix, suffix
}

// Reply encodes {"type":"<typ>.res","data":<code>}.
func Reply(typ string, code resultcode.Code) []byte {
	b, _ := json.Marshal(struct {
		Type string          `json:"type"`
		Data resultcode.Code `json:"data"`
	}{Type: typ + replySuffix, Data: code})
	return b
}

// Message encodes an envelope whose data is v.
func Message(typ string, v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: typ, Data: data})
}

// invalidFormatReply is what a frame that is not an envelope gets back.
func invalidFormatReply() []byte {
	b, _ := json.Marshal(struct {
		Type string          `json:"type"`
		Data resultcode.Code `json:"data"`
	}{Type: UnknownType, Data: resultcode.InvalidFormat})
	return b
}
