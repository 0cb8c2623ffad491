// Package origin decides which browser origins may call the HTTP API and open
// the signaling WebSockets.
package origin

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Wildcard admits every origin.
	Wildcard = "*"
	null     = "null"
)

// Policy is an allow-list of normalized origins. The zero value admits only
// same-host requests.
type Policy struct {
	allowed []string
}

// ParseList parses a comma-separated ALLOWED_ORIGINS value.
func ParseList(raw string) (Policy, error) {
	var p Policy
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		switch entry {
		case "":
			continue
		case Wildcard:
			p.allowed = append(p.allowed, Wildcard)
			continue
		}
		normalized, _, ok := Normalize(entry)
		if !ok || normalized == null {
			return Policy{}, fmt.Errorf("invalid origin %q (expected full origin like https://example.com)", entry)
		}
		p.allowed = append(p.allowed, normalized)
	}
	return p, nil
}

// Allowed returns the normalized allow-list.
func (p Policy) Allowed() []string {
	return append([]string(nil), p.allowed...)
}

// Normalize validates an Origin header and returns scheme://host[:port] with
// default ports dropped, plus the host[:port] part.
func Normalize(header string) (normalized, host string, ok bool) {
	header = strings.TrimSpace(header)
	if header == null {
		return null, "", true
	}
	u, err := url.Parse(header)
	if err != nil || u.Host == "" || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return "", "", false
	}
	if u.Path != "" && u.Path != "/" {
		return "", "", false
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", false
	}
	host, ok = canonicalHost(u.Host, scheme)
	if !ok {
		return "", "", false
	}
	return scheme + "://" + host, host, true
}

// canonicalHost lowercases the hostname, brackets IPv6 literals and strips
// the scheme's default port.
func canonicalHost(authority, scheme string) (string, bool) {
	authority = strings.ToLower(strings.TrimSpace(authority))
	hostname, port := authority, ""
	if h, p, err := net.SplitHostPort(authority); err == nil {
		hostname, port = h, p
		if port == "" {
			return "", false
		}
	} else if strings.HasPrefix(authority, "[") && strings.HasSuffix(authority, "]") {
		hostname = authority[1 : len(authority)-1]
	} else if strings.Contains(authority, ":") {
		return "", false
	}
	if hostname == "" {
		return "", false
	}
	if port != "" {
		n, err := strconv.ParseUint(port, 10, 16)
		if err != nil || n == 0 {
			return "", false
		}
		if (scheme == "http" && n == 80) || (scheme == "https" && n == 443) {
			port = ""
		} else {
			port = strconv.FormatUint(n, 10)
		}
	}
	if strings.Contains(hostname, ":") {
		hostname = "[" + hostname + "]"
	}
	if port != "" {
		return hostname + ":" + port, true
	}
	return hostname, true
}

// Check reports whether r may proceed. Requests without an Origin header are
// not browser cross-origin requests and always pass; normalized is then empty.
func (p Policy) Check(r *http.Request) (normalized string, ok bool) {
	header := strings.TrimSpace(r.Header.Get("Origin"))
	if header == "" {
		return "", true
	}
	normalized, host, ok := Normalize(header)
	if !ok {
		return "", false
	}
	if len(p.allowed) > 0 {
		for _, a := range p.allowed {
			if a == Wildcard || a == normalized {
				return normalized, true
			}
		}
		return normalized, false
	}
	if normalized == null {
		return normalized, false
	}
	// Same host; the scheme is ignored since TLS usually terminates upstream.
	scheme, _, _ := strings.Cut(normalized, "://")
	reqHost, ok := canonicalHost(r.Host, scheme)
	return normalized, ok && reqHost == host
}

// CheckOrigin adapts the policy to websocket.Upgrader.CheckOrigin.
func (p Policy) CheckOrigin(r *http.Request) bool {
	_, ok := p.Check(r)
	return ok
}
