package shield

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"time"
)

// IdentifierFunc extracts the identifiers (IP, API key, user ID) from the
// request. Returning nil rejects the request with 400.
type IdentifierFunc func(r *http.Request) Identifiers

type middlewareConfig struct {
	failClosed bool
	timeout    time.Duration
	logger     *slog.Logger
}

// MiddlewareOption configures Middleware.
type MiddlewareOption func(*middlewareConfig)

// WithFailClosed rejects requests with 503 when the counter store fails.
// By default such requests are let through.
func WithFailClosed() MiddlewareOption {
	return func(c *middlewareConfig) {
		c.failClosed = true
	}
}

// WithStoreTimeout bounds the store calls made for one request.
func WithStoreTimeout(d time.Duration) MiddlewareOption {
	return func(c *middlewareConfig) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithMiddlewareLogger sets the logger used for store failures.
func WithMiddlewareLogger(logger *slog.Logger) MiddlewareOption {
	return func(c *middlewareConfig) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// Middleware is a standard net/http middleware. It rejects requests whose
// window total already reached the limit and counts the ones it lets through.
func Middleware(limiter *RateLimiter, identify IdentifierFunc, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	cfg := middlewareConfig{
		timeout: 5 * time.Second,
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ids := identify(r)
			if ids == nil {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}

			ctx, cancel := context.WithTimeout(r.Context(), cfg.timeout)
			defer cancel()

			total, err := limiter.Total(ctx, ids)
			if errors.Is(err, ErrInvalidIdentifiers) {
				http.Error(w, "Bad Request", http.StatusBadRequest)
				return
			}
			if err != nil {
				cfg.logger.ErrorContext(r.Context(), "rate limit check failed",
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				if cfg.failClosed {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limiter.Limit()))

			if limiter.reached(total) {
				w.Header().Set("X-RateLimit-Remaining", "0")
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error": "Rate limit exceeded",
				})
				return
			}

			if err := limiter.Increment(ctx, ids); err != nil {
				cfg.logger.ErrorContext(r.Context(), "rate limit increment failed",
					slog.String("path", r.URL.Path),
					slog.Any("error", err))
				if cfg.failClosed {
					http.Error(w, "Service Unavailable", http.StatusServiceUnavailable)
					return
				}
			} else {
				total++
			}

			w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(limiter.Remaining(total), 10))
			next.ServeHTTP(w, r)
		})
	}
}

// ByClientIP identifies requests by the peer address in RemoteAddr.
// Forwarding headers are ignored; see ByClientIPTrusting.
func ByClientIP(r *http.Request) Identifiers {
	return ipFields(ClientIP(r))
}

// ByClientIPTrusting identifies requests by client IP, reading X-Forwarded-For
// and X-Real-IP only when the peer address is inside one of trusted.
// With no prefixes it behaves like ByClientIP.
func ByClientIPTrusting(trusted ...netip.Prefix) IdentifierFunc {
	return func(r *http.Request) Identifiers {
		return ipFields(ClientIPTrusting(r, trusted...))
	}
}

func ipFields(ip string) Identifiers {
	if ip == "" {
		return nil
	}
	return Fields{"ip": ip}
}

// ClientIP returns the host part of r.RemoteAddr.
func ClientIP(r *http.Request) string {
	remote := strings.TrimSpace(r.RemoteAddr)
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

// ClientIPTrusting returns the client address of r as seen by the nearest
// trusted proxy. Headers are honoured only when RemoteAddr is trusted.
// X-Forwarded-For is walked right to left and the first hop outside trusted
// wins; if every hop is trusted the left-most one is returned.
func ClientIPTrusting(r *http.Request, trusted ...netip.Prefix) string {
	remote := ClientIP(r)
	if !isTrusted(remote, trusted) {
		return remote
	}

	var hops []string
	for _, v := range r.Header.Values("X-Forwarded-For") {
		for hop := range strings.SplitSeq(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	for i := len(hops) - 1; i >= 0; i-- {
		if !isTrusted(hops[i], trusted) {
			return hops[i]
		}
	}
	if len(hops) > 0 {
		return hops[0]
	}

	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	return remote
}

func isTrusted(ip string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}
