package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

const maxBodyBytes = 1 << 20

type APIResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// exposeErrors includes raw internal errors in 500 responses.
var exposeErrors bool

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.WithError(err).Warn("encode response")
	}
}

func writeData(w http.ResponseWriter, status int, message string, data interface{}) {
	writeJSON(w, status, APIResponse{Success: true, Message: message, Data: data})
}

func writeOK(w http.ResponseWriter, data interface{}) {
	writeData(w, http.StatusOK, "", data)
}

// writeError renders err as the failure envelope. Known API errors keep
// their status and message; anything else is logged and hidden behind 500.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		writeJSON(w, apiErr.Status, APIResponse{
			Success: false,
			Message: apiErr.Message,
			Error:   apiErr.Code,
		})
		return
	}

	requestLogger(r.Context()).WithError(err).Error("request failed")
	resp := APIResponse{Success: false, Message: "Server error"}
	if exposeErrors {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusInternalServerError, resp)
}

// decodeJSON reads a JSON body into dst. An empty body leaves dst untouched.
func decodeJSON(r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ErrInvalidRequest
	}
	return nil
}

func pathVar(r *http.Request, name string) string {
	return strings.TrimSpace(mux.Vars(r)[name])
}

// proxyTrust lists the reverse proxies whose forwarding headers are believed.
// It decodes from a comma separated TRUSTED_PROXIES list of CIDRs or bare IPs.
type proxyTrust []*net.IPNet

func (p *proxyTrust) Decode(value string) error {
	var nets proxyTrust
	for _, entry := range strings.Split(value, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return fmt.Errorf("invalid trusted proxy %q", entry)
			}
			bits := 128
			if ip.To4() != nil {
				ip = ip.To4()
				bits = 32
			}
			nets = append(nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return fmt.Errorf("invalid trusted proxy %q: %w", entry, err)
		}
		nets = append(nets, n)
	}
	*p = nets
	return nil
}

func (p proxyTrust) trusts(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range p {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// resolve returns the address of the client behind any trusted proxies.
// Forwarding headers are only read when the connecting peer is trusted, and
// X-Forwarded-For is walked from the right so a client cannot prepend hops.
func (p proxyTrust) resolve(r *http.Request) string {
	peer := remoteHost(r)
	if !p.trusts(peer) {
		return peer
	}
	if forwarded := r.Header.Values("X-Forwarded-For"); len(forwarded) > 0 {
		hops := strings.Split(strings.Join(forwarded, ","), ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if net.ParseIP(hop) == nil {
				break
			}
			if !p.trusts(hop) {
				return hop
			}
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(real) != nil {
		return real
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// clientIPMiddleware resolves the client address once per request so the
// rate limiters and the access log key on the same value.
func clientIPMiddleware(trust proxyTrust) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := context.WithValue(r.Context(), ctxKeyClientIP, trust.resolve(r))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// getClientIP returns the resolved client address, or the connecting peer
// when no resolution ran.
func getClientIP(r *http.Request) string {
	if ip, ok := r.Context().Value(ctxKeyClientIP).(string); ok && ip != "" {
		return ip
	}
	return remoteHost(r)
}

func healthHandler(app *App) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		database := "connected"
		if err := app.db.PingContext(ctx); err != nil {
			requestLogger(r.Context()).WithError(err).Warn("health check ping failed")
			database = "unavailable"
		}

		writeJSON(w, http.StatusOK, APIResponse{
			Success: true,
			Message: "PixelFuel Gaming Services API is running!",
			Data: map[string]interface{}{
				"timestamp":   time.Now().UTC().Format(time.RFC3339),
				"environment": string(app.cfg.Env),
				"database":    database,
			},
		})
	}
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Message: "Route not found"})
}

func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	logger.WithFields(logrus.Fields{"method": r.Method, "path": r.URL.Path}).Debug("method not allowed")
	writeJSON(w, http.StatusMethodNotAllowed, APIResponse{Success: false, Message: "Method not allowed"})
}
