package oauth

import (
	"net/url"
	"slices"
)

// ValidateRedirectURI checks a presented redirect URI against the client's
// registered URIs. Exact string matching applies, except that http loopback
// literals match regardless of port (RFC 8252 section 7.3).
func ValidateRedirectURI(presented string, registered []string) bool {
	if len(registered) == 0 || presented == "" {
		return false
	}

	if u, ok := parseLoopback(presented); ok {
		for _, candidate := range registered {
			r, ok := parseLoopback(candidate)
			if !ok {
				continue
			}
			if u.Hostname() == r.Hostname() && u.Path == r.Path && u.RawQuery == r.RawQuery {
				return true
			}
		}
		return false
	}

	return slices.Contains(registered, presented)
}

func parseLoopback(raw string) (*url.URL, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "http" || u.Fragment != "" {
		return nil, false
	}
	switch u.Hostname() {
	case "127.0.0.1", "::1":
		return u, true
	}
	return nil, false
}
