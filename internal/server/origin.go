package server

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/samber/lo"
)

var errOpaqueOrigin = errors.New("origin needs a scheme and a host")

// originPolicy admits WebSocket upgrades whose Origin header matches one
// of the configured origins. "*" admits any well-formed origin; a missing
// or malformed header is always refused.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
	log     *slog.Logger
}

func newOriginPolicy(origins []string, log *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}

	for _, raw := range origins {
		raw = strings.TrimSpace(raw)
		switch raw {
		case "":
		case "*":
			p.any = true
		default:
			origin, err := canonicalOrigin(raw)
			if err != nil {
				log.Warn("Ignoring invalid allowed origin", "origin", raw, "error", err)
				continue
			}
			p.allowed[origin] = struct{}{}
		}
	}

	return p
}

// canonicalOrigin reduces raw to a lower-case scheme://host.
func canonicalOrigin(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme == "" || u.Host == "" {
		return "", errOpaqueOrigin
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), nil
}

func (p *originPolicy) origins() []string {
	out := lo.Keys(p.allowed)
	slices.Sort(out)
	return out
}

func (p *originPolicy) allows(r *http.Request) bool {
	origin, err := canonicalOrigin(r.Header.Get("Origin"))
	if err != nil {
		return false
	}
	if p.any {
		return true
	}
	_, ok := p.allowed[origin]
	return ok
}

func (p *originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}
	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", r.Header.Get("Origin"), "addr", r.RemoteAddr)
	return false
}
