// Package turnrest mints short-lived TURN credentials that coturn accepts
// with use-auth-secret / static-auth-secret:
//
//	username   = <unix expiry>:<prefix>:<label>
//	credential = base64(HMAC-SHA1(shared secret, username))
package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	DefaultTTL            = time.Hour
	DefaultUsernamePrefix = "mosaic"
)

// Config enables REST credentials when SharedSecret is set.
type Config struct {
	SharedSecret   string
	TTL            time.Duration
	UsernamePrefix string
}

func (c Config) Enabled() bool { return c.SharedSecret != "" }

func (c Config) Validate() error {
	if !c.Enabled() {
		return nil
	}
	if c.TTL <= 0 {
		return fmt.Errorf("turn rest ttl must be > 0 (got %s)", c.TTL)
	}
	if c.UsernamePrefix == "" {
		return errors.New("turn rest username prefix is required")
	}
	if strings.Contains(c.UsernamePrefix, ":") {
		return errors.New("turn rest username prefix must not contain ':'")
	}
	return nil
}

type Credentials struct {
	Username   string
	Credential string
	ExpiresAt  time.Time
}

type Generator struct {
	secret []byte
	ttl    time.Duration
	prefix string

	now   func() time.Time
	label func() string
}

func NewGenerator(cfg Config) (*Generator, error) {
	if !cfg.Enabled() {
		return nil, errors.New("turn rest shared secret is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Generator{
		secret: []byte(cfg.SharedSecret),
		ttl:    cfg.TTL,
		prefix: cfg.UsernamePrefix,
		now:    time.Now,
		label:  func() string { return strings.ReplaceAll(uuid.NewString(), "-", "") },
	}, nil
}

// Generate signs credentials for label, which must not contain ':'.
func (g *Generator) Generate(label string) (Credentials, error) {
	if label == "" {
		return Credentials{}, errors.New("label is required")
	}
	if strings.Contains(label, ":") {
		return Credentials{}, errors.New("label must not contain ':'")
	}
	expires := g.now().UTC().Add(g.ttl).Truncate(time.Second)
	username := fmt.Sprintf("%d:%s:%s", expires.Unix(), g.prefix, label)

	mac := hmac.New(sha1.New, g.secret)
	_, _ = mac.Write([]byte(username))
	return Credentials{
		Username:   username,
		Credential: base64.StdEncoding.EncodeToString(mac.Sum(nil)),
		ExpiresAt:  expires,
	}, nil
}

// GenerateRandom signs credentials under a random label.
func (g *Generator) GenerateRandom() (Credentials, error) {
	return g.Generate(g.label())
}

// Apply returns a copy of servers with creds set on every entry that lists a
// TURN URL. STUN-only entries are left alone.
func Apply(servers []webrtc.ICEServer, creds Credentials) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, len(servers))
	for i, server := range servers {
		out[i] = server
		if HasTURNURL(server) {
			out[i].Username = creds.Username
			out[i].Credential = creds.Credential
		}
	}
	return out
}

func HasTURNURL(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(strings.TrimSpace(raw))
		if err != nil {
			continue
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			return true
		}
	}
	return false
}
