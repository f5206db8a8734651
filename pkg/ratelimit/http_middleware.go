package ratelimit

import (
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/errors"
	"callaudit/pkg/metrics"
)

// HTTPMiddleware rejects clients that exceed their request budget
type HTTPMiddleware struct {
	limiter     *Limiter
	config      *Config
	logger      *logrus.Logger
	exemptIPs   map[string]bool
	exemptNets  []*net.IPNet
	exemptPaths []string
}

// NewHTTPMiddleware creates a new HTTP rate limiting middleware
func NewHTTPMiddleware(config *Config, logger *logrus.Logger) *HTTPMiddleware {
	if config == nil {
		config = DefaultConfig()
	}
	return newHTTPMiddleware(config, logger, NewLimiter(config.RequestsPerSecond, config.BurstSize, logger))
}

func newHTTPMiddleware(config *Config, logger *logrus.Logger, limiter *Limiter) *HTTPMiddleware {
	m := &HTTPMiddleware{
		limiter:   limiter,
		config:    config,
		logger:    logger,
		exemptIPs: make(map[string]bool),
	}

	for _, ip := range config.ExemptIPs {
		ip = strings.TrimSpace(ip)
		switch {
		case ip == "":
		case strings.Contains(ip, "/"):
			_, ipNet, err := net.ParseCIDR(ip)
			if err != nil {
				logger.WithError(err).WithField("cidr", ip).Warn("Ignoring invalid CIDR in rate limit exemptions")
				continue
			}
			m.exemptNets = append(m.exemptNets, ipNet)
		default:
			m.exemptIPs[ip] = true
		}
	}
	for _, path := range config.ExemptPaths {
		if path = strings.TrimSpace(path); path != "" {
			m.exemptPaths = append(m.exemptPaths, path)
		}
	}

	logger.WithFields(logrus.Fields{
		"rps":          config.RequestsPerSecond,
		"burst":        config.BurstSize,
		"exempt_ips":   len(m.exemptIPs) + len(m.exemptNets),
		"exempt_paths": len(m.exemptPaths),
	}).Info("HTTP rate limiting initialized")

	return m
}

// Middleware wraps next. When limiting is disabled next is returned as is.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	if !m.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientIP := clientIP(r)
		if m.isPathExempt(r.URL.Path) || m.isIPExempt(clientIP) {
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.config.BurstSize))

		if !m.limiter.Allow(clientIP) {
			m.logger.WithFields(logrus.Fields{
				"client_ip": clientIP,
				"path":      r.URL.Path,
				"method":    r.Method,
			}).Warn("Rate limit exceeded")
			metrics.RecordRateLimited(r.URL.Path)

			if m.config.BlockDuration > 0 && !m.limiter.IsBlocked(clientIP) {
				m.limiter.Block(clientIP, m.config.BlockDuration)
			}

			w.Header().Set("Retry-After", strconv.Itoa(m.retryAfterSeconds()))
			w.Header().Set("X-RateLimit-Remaining", "0")
			errors.WriteError(w, errors.NewRateLimited(map[string]interface{}{"client_ip": clientIP}))
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(m.limiter.Remaining(clientIP)))
		next.ServeHTTP(w, r)
	})
}

// Stop releases the limiter's background loop
func (m *HTTPMiddleware) Stop() {
	m.limiter.Stop()
}

func (m *HTTPMiddleware) retryAfterSeconds() int {
	if m.config.BlockDuration > 0 {
		return int(math.Ceil(m.config.BlockDuration.Seconds()))
	}
	if m.config.RequestsPerSecond > 0 {
		return int(math.Ceil(1 / m.config.RequestsPerSecond))
	}
	return 1
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip := strings.TrimSpace(strings.Split(xff, ",")[0])
		if net.ParseIP(ip) != nil {
			return ip
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (m *HTTPMiddleware) isIPExempt(ip string) bool {
	if m.exemptIPs[ip] {
		return true
	}
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, ipNet := range m.exemptNets {
		if ipNet.Contains(parsed) {
			return true
		}
	}
	return false
}

func (m *HTTPMiddleware) isPathExempt(path string) bool {
	for _, p := range m.exemptPaths {
		if prefix, ok := strings.CutSuffix(p, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if p == path {
			return true
		}
	}
	return false
}

func (m *HTTPMiddleware) String() string {
	return fmt.Sprintf("ratelimit(%.2f rps, burst %d)", m.config.RequestsPerSecond, m.config.BurstSize)
}
