package config

import (
	"testing"
	"time"
)

func TestParseICEServersJSON(t *testing.T) {
	t.Parallel()

	raw := `[
	  {"urls": ["stun:stun.example.com:3478"]},
	  {
	    "urls": ["turn:turn.example.com:3478?transport=udp"],
	    "username": "user",
	    "credential": "pass"
	  }
	]`

	servers, err := ParseICEServersJSON(raw)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("expected 2 servers, got %d", len(servers))
	}
	if got := servers[0].URLs; len(got) != 1 || got[0] != "stun:stun.example.com:3478" {
		t.Fatalf("unexpected stun urls: %#v", got)
	}
	if got := servers[1].Username; got != "user" {
		t.Fatalf("unexpected username: %q", got)
	}
	if cred, ok := servers[1].Credential.(string); !ok || cred != "pass" {
		t.Fatalf("unexpected credential: %#v", servers[1].Credential)
	}
}

func TestParseICEServersJSON_SingleStringURLs(t *testing.T) {
	t.Parallel()

	servers, err := ParseICEServersJSON(`[{"urls": "stun:stun.example.com:3478"}]`)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if len(servers) != 1 || len(servers[0].URLs) != 1 {
		t.Fatalf("unexpected servers: %#v", servers)
	}
}

func TestParseICEServersJSON_Rejects(t *testing.T) {
	t.Parallel()

	for name, raw := range map[string]string{
		"turn without creds": `[{"urls": ["turn:turn.example.com:3478"]}]`,
		"bad scheme":         `[{"urls": ["http://example.com"]}]`,
		"no urls":            `[{"username": "u"}]`,
		"urls wrong type":    `[{"urls": 5}]`,
		"not json":           `{`,
	} {
		if _, err := ParseICEServersJSON(raw); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestICEServers_ConvenienceEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envStunURLs:       "stun:a.example:3478, stun:b.example:3478",
		envTurnURLs:       "turns:turn.example:5349",
		envTurnUsername:   "robot",
		envTurnCredential: "secret",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError: %v", err)
	}
	if len(cfg.ICEServers) != 2 {
		t.Fatalf("ICEServers=%#v, want 2 entries", cfg.ICEServers)
	}
	if got := cfg.ICEServers[0].URLs; len(got) != 2 || got[1] != "stun:b.example:3478" {
		t.Fatalf("stun urls=%v", got)
	}
	if cfg.ICEServers[1].Username != "robot" {
		t.Fatalf("turn username=%q, want robot", cfg.ICEServers[1].Username)
	}
}

func TestICEServers_JSONWinsOverConvenienceEnv(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envICEServersJSON: `[{"urls": "stun:json.example:3478"}]`,
		envStunURLs:       "stun:env.example:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.ICEServers) != 1 || cfg.ICEServers[0].URLs[0] != "stun:json.example:3478" {
		t.Fatalf("ICEServers=%#v", cfg.ICEServers)
	}
}

func TestICEServers_ErrorDoesNotFailLoad(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs: "turn:turn.example:3478",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for TURN without credentials")
	}
	if cfg.ICEServers != nil {
		t.Fatalf("ICEServers=%#v, want nil on error", cfg.ICEServers)
	}
}

func TestICEServers_TURNRESTAllowsMissingStaticCredentials(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs:             "turn:turn.example:3478",
		envTurnRESTSharedSecret: "coturn-secret",
		envTurnRESTTTL:          "10m",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if err := cfg.ICEConfigError(); err != nil {
		t.Fatalf("ICEConfigError: %v", err)
	}
	if !cfg.TURNREST.Enabled() || cfg.TURNREST.TTL != 10*time.Minute || cfg.TURNREST.UsernamePrefix != "mosaic" {
		t.Fatalf("TURNREST=%+v", cfg.TURNREST)
	}
}

func TestICEServers_TURNRESTInvalidPrefix(t *testing.T) {
	cfg, err := load(lookupMap(map[string]string{
		envTurnURLs:             "turn:turn.example:3478",
		envTurnRESTSharedSecret: "coturn-secret",
	}), []string{"-turn-rest-username-prefix", "a:b"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ICEConfigError() == nil {
		t.Fatalf("expected ICE config error for prefix containing ':'")
	}
	if cfg.TURNREST.Enabled() {
		t.Fatalf("TURNREST should stay disabled on error")
	}
}
