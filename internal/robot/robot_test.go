package robot

import (
	"encoding/json"
	"testing"
)

func TestStatusUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		want Status
	}{
		{`2`, StatusConnected},
		{`6`, StatusDisconnected},
		{`"shutting_down"`, StatusShuttingDown},
		{`"READY_TO_CONNECT"`, StatusReadyToConnect},
	}
	for _, tc := range cases {
		var got Status
		if err := json.Unmarshal([]byte(tc.in), &got); err != nil {
			t.Fatalf("unmarshal %s: %v", tc.in, err)
		}
		if got != tc.want {
			t.Fatalf("unmarshal %s = %v, want %v", tc.in, got, tc.want)
		}
	}

	for _, bad := range []string{`8`, `-1`, `"ASLEEP"`, `{}`} {
		var got Status
		if err := json.Unmarshal([]byte(bad), &got); err == nil {
			t.Fatalf("unmarshal %s: expected error, got %v", bad, got)
		}
	}
}

func TestStatusMarshalsAsNumber(t *testing.T) {
	b, err := json.Marshal(StatusDisconnected)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(b) != "6" {
		t.Fatalf("json=%s, want 6", b)
	}
}

func TestParseAuthType(t *testing.T) {
	if got, err := ParseAuthType("simple_token"); err != nil || got != AuthSimpleToken {
		t.Fatalf("ParseAuthType(simple_token)=%v,%v", got, err)
	}
	if got, err := ParseAuthType("0"); err != nil || got != AuthNoAuthorization {
		t.Fatalf("ParseAuthType(0)=%v,%v", got, err)
	}
	if _, err := ParseAuthType("oauth"); err == nil {
		t.Fatalf("expected error for unknown auth type")
	}
	if AuthType(9).String() != "AuthType(9)" {
		t.Fatalf("String()=%q", AuthType(9).String())
	}
}
