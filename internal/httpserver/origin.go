package httpserver

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/playmesh/signal-relay/internal/config"
)

// WithOriginPolicy enforces the browser Origin policy on a route. Requests
// without an Origin header (non-browser clients) always pass.
//
// With ALLOWED_ORIGINS set, the origin must match an entry (or "*"). With it
// unset, dev mode allows any origin and production requires the origin host
// to match the request host.
func (s *Server) WithOriginPolicy(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originHeader := strings.TrimSpace(r.Header.Get("Origin"))
		if originHeader == "" {
			next.ServeHTTP(w, r)
			return
		}

		normalized, originHost, ok := normalizeOrigin(originHeader)
		if !ok || !s.originAllowed(normalized, originHost, r.Host) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}

		w.Header().Set("Access-Control-Allow-Origin", normalized)
		w.Header().Add("Vary", "Origin")

		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(normalized, originHost, requestHost string) bool {
	if allowed := s.cfg.AllowedOrigins; len(allowed) > 0 {
		for _, entry := range allowed {
			if entry == "*" || entry == normalized {
				return true
			}
		}
		return false
	}

	if s.cfg.Mode == config.ModeDev {
		return true
	}

	// Scheme is intentionally not compared: behind a TLS-terminating proxy
	// the relay sees http while the browser Origin says https. Default ports
	// on the request host are stripped the same way normalizeOrigin strips
	// them from the origin.
	req := strings.ToLower(strings.TrimSpace(requestHost))
	if strings.HasPrefix(normalized, "http://") && strings.HasSuffix(req, ":80") {
		req = strings.TrimSuffix(req, ":80")
	} else if strings.HasPrefix(normalized, "https://") && strings.HasSuffix(req, ":443") {
		req = strings.TrimSuffix(req, ":443")
	}
	return originHost != "" && originHost == req
}

// normalizeOrigin validates a browser Origin header and reduces it to
// scheme://host[:port] plus the bare host[:port] for same-host comparison.
// The literal value "null" (sandboxed documents, file://) is accepted but
// never matches a host.
func normalizeOrigin(header string) (normalized, host string, ok bool) {
	if header == "null" {
		return "null", "", true
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

	host = strings.ToLower(u.Host)
	// Default ports are equivalent to no port.
	if (scheme == "http" && strings.HasSuffix(host, ":80")) ||
		(scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}

	return scheme + "://" + host, host, true
}
