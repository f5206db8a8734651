// Package auth authenticates API callers by API key or signed bearer token.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"callaudit/pkg/errors"
)

// Permissions checked by the HTTP API
const (
	PermAnalyze       = "calls:analyze"
	PermReportsRead   = "reports:read"
	PermReportsDelete = "reports:delete"
	PermRulesReload   = "rules:reload"
)

// Roles
const (
	RoleAdmin   = "admin"
	RoleAnalyst = "analyst"
	RoleViewer  = "viewer"
)

// Principal is an authenticated caller
type Principal struct {
	Name        string   `json:"name"`
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	Method      string   `json:"method"`
}

// Can reports whether the principal holds perm. "calls:*" grants every
// calls permission and "*" grants all.
func (p *Principal) Can(perm string) bool {
	if p == nil {
		return false
	}
	for _, held := range p.Permissions {
		if held == perm || held == "*" {
			return true
		}
		if prefix, ok := strings.CutSuffix(held, "*"); ok && strings.HasPrefix(perm, prefix) {
			return true
		}
	}
	return false
}

// Claims represents JWT claims
type Claims struct {
	Role        string   `json:"role"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

type apiKey struct {
	name      string
	role      string
	createdAt time.Time
}

// Authenticator validates API keys and HS256 bearer tokens. Keys are kept
// only as SHA-256 digests.
type Authenticator struct {
	apiKeys     map[[sha256.Size]byte]*apiKey
	secretKey   []byte
	issuer      string
	tokenExpiry time.Duration
	logger      *logrus.Logger
	mutex       sync.RWMutex
	now         func() time.Time
}

// NewAuthenticator creates an authenticator. An empty secret disables bearer
// tokens.
func NewAuthenticator(secretKey, issuer string, tokenExpiry time.Duration, logger *logrus.Logger) *Authenticator {
	if tokenExpiry <= 0 {
		tokenExpiry = 24 * time.Hour
	}
	a := &Authenticator{
		apiKeys:     make(map[[sha256.Size]byte]*apiKey),
		issuer:      issuer,
		tokenExpiry: tokenExpiry,
		logger:      logger,
		now:         time.Now,
	}
	if secretKey != "" {
		a.secretKey = []byte(secretKey)
	}

	logger.WithFields(logrus.Fields{
		"issuer":       issuer,
		"tokens":       a.secretKey != nil,
		"token_expiry": tokenExpiry,
	}).Info("API authenticator initialized")
	return a
}

// RolePermissions returns the permissions granted to role
func RolePermissions(role string) []string {
	switch role {
	case RoleAdmin:
		return []string{"calls:*", "reports:*", "rules:*"}
	case RoleAnalyst:
		return []string{PermAnalyze, PermReportsRead}
	case RoleViewer:
		return []string{PermReportsRead}
	default:
		return nil
	}
}

func validRole(role string) bool {
	return RolePermissions(role) != nil
}

// AddAPIKey registers key for name with role
func (a *Authenticator) AddAPIKey(name, role, key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.NewInvalidInput("API key must not be empty", map[string]interface{}{"name": name})
	}
	if !validRole(role) {
		return errors.NewInvalidInput(fmt.Sprintf("unknown role %q", role), map[string]interface{}{"name": name})
	}

	digest := sha256.Sum256([]byte(key))
	a.mutex.Lock()
	a.apiKeys[digest] = &apiKey{name: name, role: role, createdAt: a.now()}
	a.mutex.Unlock()

	a.logger.WithFields(logrus.Fields{
		"name": name,
		"role": role,
	}).Debug("API key registered")
	return nil
}

// AddAPIKeys registers entries of the form name:role:key
func (a *Authenticator) AddAPIKeys(entries []string) error {
	for i, entry := range entries {
		parts := strings.SplitN(entry, ":", 3)
		if len(parts) != 3 {
			return errors.NewInvalidInput("API key entry must be name:role:key", map[string]interface{}{"entry": i + 1})
		}
		if err := a.AddAPIKey(strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), strings.TrimSpace(parts[2])); err != nil {
			return err
		}
	}
	return nil
}

// GenerateAPIKey creates and registers a random key for name
func (a *Authenticator) GenerateAPIKey(name, role string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", errors.Wrap(err, "failed to generate api key")
	}
	key := hex.EncodeToString(keyBytes)
	if err := a.AddAPIKey(name, role, key); err != nil {
		return "", err
	}
	return key, nil
}

// KeyCount returns the number of registered API keys
func (a *Authenticator) KeyCount() int {
	a.mutex.RLock()
	defer a.mutex.RUnlock()
	return len(a.apiKeys)
}

// ValidateAPIKey validates an API key
func (a *Authenticator) ValidateAPIKey(key string) (*Principal, error) {
	digest := sha256.Sum256([]byte(key))

	a.mutex.RLock()
	entry, exists := a.apiKeys[digest]
	a.mutex.RUnlock()

	if !exists {
		return nil, errors.Wrap(errors.ErrUnauthorized, "invalid API key")
	}
	return &Principal{
		Name:        entry.name,
		Role:        entry.role,
		Permissions: RolePermissions(entry.role),
		Method:      "api_key",
	}, nil
}

// IssueToken signs a bearer token for name with role
func (a *Authenticator) IssueToken(name, role string) (string, error) {
	if a.secretKey == nil {
		return "", errors.Wrap(errors.ErrFailedPrecondition, "no token signing secret configured")
	}
	if !validRole(role) {
		return "", errors.NewInvalidInput(fmt.Sprintf("unknown role %q", role))
	}

	now := a.now()
	claims := &Claims{
		Role:        role,
		Permissions: RolePermissions(role),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			Subject:   name,
			ExpiresAt: jwt.NewNumericDate(now.Add(a.tokenExpiry)),
			NotBefore: jwt.NewNumericDate(now),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        a.generateJTI(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secretKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to sign token")
	}
	return signed, nil
}

// ValidateToken validates a bearer token
func (a *Authenticator) ValidateToken(tokenString string) (*Principal, error) {
	if a.secretKey == nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "bearer tokens are not accepted")
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secretKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, errors.Wrap(errors.ErrUnauthorized, "invalid bearer token", map[string]interface{}{"reason": err.Error()})
	}

	return &Principal{
		Name:        claims.Subject,
		Role:        claims.Role,
		Permissions: claims.Permissions,
		Method:      "bearer",
	}, nil
}

func (a *Authenticator) generateJTI() string {
	bytes := make([]byte, 16)
	if _, err := rand.Read(bytes); err != nil {
		a.logger.WithError(err).Error("Failed to generate token ID")
	}
	return hex.EncodeToString(bytes)
}
