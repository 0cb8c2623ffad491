package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
)

func newTestGenerator(t *testing.T, cfg Config, now time.Time) *Generator {
	t.Helper()
	g, err := NewGenerator(cfg)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.now = func() time.Time { return now }
	return g
}

func TestGenerate_DeterministicWithFixedTime(t *testing.T) {
	g := newTestGenerator(t, Config{SharedSecret: "shared-secret", TTL: time.Hour, UsernamePrefix: "mosaic"}, time.Unix(1_700_000_000, 0))

	creds, err := g.Generate("session123")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	if got, want := creds.ExpiresAt.Unix(), int64(1_700_003_600); got != want {
		t.Fatalf("ExpiresAt=%d, want %d", got, want)
	}
	wantUsername := "1700003600:mosaic:session123"
	if creds.Username != wantUsername {
		t.Fatalf("Username=%q, want %q", creds.Username, wantUsername)
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	_, _ = mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Fatalf("Credential=%q, want %q", creds.Credential, want)
	}
}

func TestGenerateRandom_UniqueColonFreeLabels(t *testing.T) {
	g := newTestGenerator(t, Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"}, time.Unix(0, 0))

	a, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatalf("usernames should differ: %q", a.Username)
	}
	if parts := strings.Split(a.Username, ":"); len(parts) != 3 || parts[0] != "60" || parts[1] != "p" {
		t.Fatalf("username=%q", a.Username)
	}
}

func TestGenerate_RejectsBadLabel(t *testing.T) {
	g := newTestGenerator(t, Config{SharedSecret: "s", TTL: time.Minute, UsernamePrefix: "p"}, time.Now())
	for _, label := range []string{"", "a:b"} {
		if _, err := g.Generate(label); err == nil {
			t.Fatalf("Generate(%q) should fail", label)
		}
	}
}

func TestConfigValidate(t *testing.T) {
	cases := map[string]struct {
		cfg     Config
		wantErr bool
	}{
		"disabled":     {cfg: Config{}, wantErr: false},
		"ok":           {cfg: Config{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "p"}, wantErr: false},
		"zero ttl":     {cfg: Config{SharedSecret: "s", UsernamePrefix: "p"}, wantErr: true},
		"empty prefix": {cfg: Config{SharedSecret: "s", TTL: time.Hour}, wantErr: true},
		"colon prefix": {cfg: Config{SharedSecret: "s", TTL: time.Hour, UsernamePrefix: "a:b"}, wantErr: true},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			if err := tc.cfg.Validate(); (err != nil) != tc.wantErr {
				t.Fatalf("Validate()=%v, wantErr %v", err, tc.wantErr)
			}
		})
	}
	if _, err := NewGenerator(Config{}); err == nil {
		t.Fatalf("NewGenerator without secret should fail")
	}
}

func TestApply_OnlyTURNEntries(t *testing.T) {
	servers := []webrtc.ICEServer{
		{URLs: []string{"stun:stun.example.com:3478"}},
		{URLs: []string{"stun:turn.example.com", "TURNS:turn.example.com:5349?transport=tcp"}},
	}
	creds := Credentials{Username: "u", Credential: "c"}

	out := Apply(servers, creds)
	if out[0].Username != "" || out[0].Credential != nil {
		t.Fatalf("stun entry=%+v, want no credentials", out[0])
	}
	if out[1].Username != "u" || out[1].Credential != "c" {
		t.Fatalf("turn entry=%+v", out[1])
	}
	if servers[1].Username != "" {
		t.Fatalf("Apply mutated its input")
	}
}
