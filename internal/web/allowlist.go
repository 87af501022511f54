package web

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/hblaDCOM/sql-server-table-assistant/internal/observability"
)

// AllowListMiddleware rejects requests whose client IP is not in the
// configured list. Entries may be single addresses or CIDR ranges; an
// empty list admits everyone.
func AllowListMiddleware(logger *slog.Logger, allowed string) func(http.Handler) http.Handler {
	singles, networks := parseAllowList(allowed)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(singles) == 0 && len(networks) == 0 {
				next.ServeHTTP(w, r)
				return
			}
			ip := clientIP(r)
			if ip == nil || !ipAllowed(ip, singles, networks) {
				if logger != nil {
					logger.WarnContext(r.Context(), "client address rejected",
						slog.String("trace_id", observability.TraceIDFromContext(r.Context())),
						slog.String("remote_addr", r.RemoteAddr),
						slog.String("path", r.URL.Path),
					)
				}
				writeForbidden(w, r)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func parseAllowList(allowed string) ([]net.IP, []*net.IPNet) {
	var singles []net.IP
	var networks []*net.IPNet
	for _, entry := range strings.Split(allowed, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if _, network, err := net.ParseCIDR(entry); err == nil {
			networks = append(networks, network)
			continue
		}
		if ip := net.ParseIP(entry); ip != nil {
			singles = append(singles, ip)
		}
	}
	return singles, networks
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return net.ParseIP(host)
}

func ipAllowed(ip net.IP, singles []net.IP, networks []*net.IPNet) bool {
	for _, allowed := range singles {
		if allowed.Equal(ip) {
			return true
		}
	}
	for _, network := range networks {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func writeForbidden(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error_code": "FORBIDDEN",
		"message":    "client address is not allowed",
		"retryable":  false,
		"trace_id":   observability.TraceIDFromContext(r.Context()),
	})
}
