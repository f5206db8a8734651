package http

import (
	"context"
	"net/http"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"callaudit/pkg/auth"
	"callaudit/pkg/errors"
)

type principalKey struct{}

// AuthMiddleware requires an API key or bearer token on API routes
type AuthMiddleware struct {
	authenticator *auth.Authenticator
	logger        *logrus.Logger
	config        *AuthConfig
	rules         []permissionRule
}

type permissionRule struct {
	method     string
	prefix     string
	permission string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	Enabled bool

	// ExemptPaths don't require authentication; a trailing * matches a prefix
	ExemptPaths []string

	// RequiredPermissions maps "[METHOD ]/path/prefix" to the permission it
	// needs. The longest matching prefix wins and a method-specific rule beats
	// a generic one of the same length.
	RequiredPermissions map[string]string
}

// DefaultAuthConfig protects the analysis API and leaves probes open
func DefaultAuthConfig() *AuthConfig {
	return &AuthConfig{
		Enabled:     true,
		ExemptPaths: []string{"/health*", "/metrics", "/status"},
		RequiredPermissions: map[string]string{
			"/api/analyze":        auth.PermAnalyze,
			"/api/reports":        auth.PermReportsRead,
			"DELETE /api/reports": auth.PermReportsDelete,
			"/api/rules/reload":   auth.PermRulesReload,
		},
	}
}

// NewAuthMiddleware creates a new authentication middleware
func NewAuthMiddleware(authenticator *auth.Authenticator, logger *logrus.Logger, config *AuthConfig) *AuthMiddleware {
	if config == nil {
		config = DefaultAuthConfig()
	}

	am := &AuthMiddleware{
		authenticator: authenticator,
		logger:        logger,
		config:        config,
	}
	for key, permission := range config.RequiredPermissions {
		rule := permissionRule{prefix: key, permission: permission}
		if method, prefix, ok := strings.Cut(key, " "); ok {
			rule.method = strings.ToUpper(method)
			rule.prefix = strings.TrimSpace(prefix)
		}
		am.rules = append(am.rules, rule)
	}
	sort.Slice(am.rules, func(i, j int) bool {
		if len(am.rules[i].prefix) != len(am.rules[j].prefix) {
			return len(am.rules[i].prefix) > len(am.rules[j].prefix)
		}
		return am.rules[i].method > am.rules[j].method
	})
	return am
}

// Middleware returns the authentication middleware handler
func (am *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	if !am.config.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if am.isPathExempt(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		principal, err := am.authenticate(r)
		if err != nil {
			am.logger.WithFields(logrus.Fields{
				"path":   r.URL.Path,
				"method": r.Method,
				"error":  err.Error(),
			}).Warn("Authentication failed")
			w.Header().Set("WWW-Authenticate", `Bearer realm="callaudit"`)
			errors.WriteError(w, err)
			return
		}

		if perm := am.requiredPermission(r.Method, r.URL.Path); perm != "" && !principal.Can(perm) {
			am.logger.WithFields(logrus.Fields{
				"path":       r.URL.Path,
				"principal":  principal.Name,
				"role":       principal.Role,
				"permission": perm,
			}).Warn("Insufficient permissions")
			errors.WriteError(w, errors.Wrap(errors.ErrForbidden, "insufficient permissions",
				map[string]interface{}{"permission": perm}))
			return
		}

		ctx := context.WithValue(r.Context(), principalKey{}, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// authenticate accepts "Authorization: Bearer <token>" or "X-API-Key".
func (am *AuthMiddleware) authenticate(r *http.Request) (*auth.Principal, error) {
	if token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer "); ok {
		return am.authenticator.ValidateToken(strings.TrimSpace(token))
	}
	if apiKey := r.Header.Get("X-API-Key"); apiKey != "" {
		return am.authenticator.ValidateAPIKey(apiKey)
	}
	return nil, errors.Wrap(errors.ErrUnauthorized, "credentials required")
}

func (am *AuthMiddleware) isPathExempt(path string) bool {
	for _, exempt := range am.config.ExemptPaths {
		if prefix, ok := strings.CutSuffix(exempt, "*"); ok {
			if strings.HasPrefix(path, prefix) {
				return true
			}
		} else if path == exempt {
			return true
		}
	}
	return false
}

func (am *AuthMiddleware) requiredPermission(method, path string) string {
	for _, rule := range am.rules {
		if rule.method != "" && rule.method != method {
			continue
		}
		if strings.HasPrefix(path, rule.prefix) {
			return rule.permission
		}
	}
	return ""
}

// PrincipalFromContext returns the caller attached by AuthMiddleware
func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(*auth.Principal)
	return principal, ok
}
