package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "MOSAIC_ICE_SERVERS_JSON"

	envStunURLs       = "MOSAIC_STUN_URLS"
	envTurnURLs       = "MOSAIC_TURN_URLS"
	envTurnUsername   = "MOSAIC_TURN_USERNAME"
	envTurnCredential = "MOSAIC_TURN_CREDENTIAL"

	envTurnRESTSharedSecret   = "MOSAIC_TURN_REST_SHARED_SECRET"
	envTurnRESTTTL            = "MOSAIC_TURN_REST_TTL"
	envTurnRESTUsernamePrefix = "MOSAIC_TURN_REST_USERNAME_PREFIX"
)

// parseICEServersFromValues prefers the JSON list and falls back to the
// STUN/TURN convenience variables. With mintedTURN set, TURN entries may omit
// static credentials.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, mintedTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}

	var servers []webrtc.ICEServer
	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}
	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		server := webrtc.ICEServer{
			URLs:     urls,
			Username: strings.TrimSpace(turnUsername),
		}
		if cred := strings.TrimSpace(turnCredential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, mintedTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// urlList accepts "urls" as a single string or an array, as browsers do.
type urlList []string

func (u *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*u = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*u = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer-shaped JSON array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, mintedTURN bool) ([]webrtc.ICEServer, error) {
	var entries []struct {
		URLs       urlList `json:"urls"`
		Username   string  `json:"username"`
		Credential string  `json:"credential"`
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	out := make([]webrtc.ICEServer, 0, len(entries))
	for i, e := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(e.URLs, ",")),
			Username: strings.TrimSpace(e.Username),
		}
		if strings.TrimSpace(e.Credential) != "" {
			server.Credential = e.Credential
		}
		if err := validateICEServer(server, mintedTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		out = append(out, server)
	}
	return out, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateICEServer parses each URL with pion's STUN/TURN URI parser and
// requires credentials when any TURN URL is present, unless they are minted.
func validateICEServer(server webrtc.ICEServer, mintedTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}
	needsCredentials := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsCredentials = true
		}
	}
	if !needsCredentials || mintedTURN {
		return nil
	}
	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || strings.TrimSpace(cred) == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
