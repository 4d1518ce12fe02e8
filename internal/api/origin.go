package api

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// originChecker builds a websocket CheckOrigin func. An empty list or "*"
// allows every origin. Requests without an Origin header come from
// non-browser clients and are accepted.
func originChecker(origins []string, log *zap.Logger) func(*http.Request) bool {
	allowed := make(map[string]struct{}, len(origins))
	allowAll := len(origins) == 0
	for _, o := range origins {
		if strings.TrimSpace(o) == "*" {
			allowAll = true
			continue
		}
		if n, ok := normalizeOrigin(o); ok {
			allowed[n] = struct{}{}
		} else {
			log.Warn("ignoring invalid origin in configuration", zap.String("origin", o))
		}
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowAll {
			return true
		}
		n, ok := normalizeOrigin(origin)
		if ok {
			if _, ok = allowed[n]; ok {
				return true
			}
		}
		log.Warn("blocked websocket from disallowed origin", zap.String("origin", origin))
		return false
	}
}

func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(origin))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "", false
	}
	return strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host), true
}
