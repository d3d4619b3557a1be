package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/parley/parley/internal/audit"
	"github.com/parley/parley/internal/common/apperr"
	"github.com/parley/parley/internal/common/config"
	"github.com/parley/parley/internal/common/httpmw"
	"github.com/parley/parley/internal/common/logger"
)

// APIKeyHeader carries a static service credential. API-key callers are
// trusted services and may name the tenant through the user header.
const APIKeyHeader = "X-API-Key"

// Authenticator resolves the acting user for every request: bearer tokens
// from the login exchange, static API keys, or — when auth is disabled — the
// caller-supplied user header.
type Authenticator struct {
	config config.AuthConfig
	tokens *tokenStore
	audit  *audit.Recorder
	logger *logger.Logger
}

func NewAuthenticator(cfg config.AuthConfig, recorder *audit.Recorder, log *logger.Logger) *Authenticator {
	ttl := cfg.TokenTTLDuration()
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		config: cfg,
		tokens: newTokenStore(ttl),
		audit:  recorder,
		logger: log.WithFields(zap.String("component", "auth")),
	}
}

// RegisterRoutes registers the login exchange. It belongs on a group without
// the auth middleware.
func (a *Authenticator) RegisterRoutes(r gin.IRouter) {
	r.POST("/auth/login", a.login)
}

// Middleware authenticates the request and stores the acting user id in the
// gin context. Unauthenticated requests are rejected with the error envelope.
func (a *Authenticator) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.config.Enabled {
			userID := c.GetHeader(httpmw.UserIDHeader)
			if userID == "" {
				userID = httpmw.DefaultUserID
			}
			c.Set(httpmw.UserIDContextKey, userID)
			c.Next()
			return
		}

		if token, ok := bearerToken(c); ok {
			if userID, ok := a.tokens.Lookup(token); ok {
				c.Set(httpmw.UserIDContextKey, userID)
				c.Next()
				return
			}
		}

		if key := c.GetHeader(APIKeyHeader); key != "" && a.validAPIKey(key) {
			userID := c.GetHeader(httpmw.UserIDHeader)
			if userID == "" {
				userID = httpmw.DefaultUserID
			}
			c.Set(httpmw.UserIDContextKey, userID)
			c.Next()
			return
		}

		envelope := apperr.Unauthorized("missing or invalid credentials")
		c.AbortWithStatusJSON(envelope.HTTPStatus, envelope)
	}
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (a *Authenticator) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Username == "" || req.Password == "" {
		respondError(c, apperr.BadRequest("username and password are required"))
		return
	}

	user, ok := a.matchCredentials(req.Username, req.Password)
	if !ok {
		a.logger.Warn("login rejected", zap.String("username", req.Username))
		respondError(c, apperr.Unauthorized("invalid username or password"))
		return
	}

	token := a.tokens.Issue(user.UserID)
	a.audit.Record(c.Request.Context(), user.UserID, "", audit.ActionLogin,
		map[string]any{"username": user.Username})

	c.JSON(http.StatusOK, gin.H{
		"access_token": token,
		"token_type":   "bearer",
		"expires_in":   int64(a.tokens.ttl.Seconds()),
		"user": gin.H{
			"user_id":  user.UserID,
			"username": user.Username,
		},
	})
}

func (a *Authenticator) matchCredentials(username, password string) (config.AuthUser, bool) {
	for _, u := range a.config.Users {
		userMatch := subtle.ConstantTimeCompare([]byte(u.Username), []byte(username)) == 1
		passMatch := subtle.ConstantTimeCompare([]byte(u.Password), []byte(password)) == 1
		if userMatch && passMatch {
			if u.UserID == "" {
				u.UserID = u.Username
			}
			return u, true
		}
	}
	return config.AuthUser{}, false
}

func (a *Authenticator) validAPIKey(key string) bool {
	for _, candidate := range a.config.APIKeys {
		if subtle.ConstantTimeCompare([]byte(candidate), []byte(key)) == 1 {
			return true
		}
	}
	return false
}

func bearerToken(c *gin.Context) (string, bool) {
	const prefix = "Bearer "
	header := c.GetHeader("Authorization")
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return header[len(prefix):], true
	}
	return "", false
}

type tokenEntry struct {
	userID    string
	expiresAt time.Time
}

// tokenStore holds issued bearer tokens in memory. Tokens do not survive a
// restart; clients re-authenticate.
type tokenStore struct {
	mu     sync.Mutex
	tokens map[string]tokenEntry
	ttl    time.Duration
}

func newTokenStore(ttl time.Duration) *tokenStore {
	return &tokenStore{
		tokens: make(map[string]tokenEntry),
		ttl:    ttl,
	}
}

func (s *tokenStore) Issue(userID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked(time.Now())

	token := uuid.NewString()
	s.tokens[token] = tokenEntry{userID: userID, expiresAt: time.Now().Add(s.ttl)}
	return token
}

func (s *tokenStore) Lookup(token string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.tokens[token]
	if !ok {
		return "", false
	}
	if time.Now().After(entry.expiresAt) {
		delete(s.tokens, token)
		return "", false
	}
	return entry.userID, true
}

func (s *tokenStore) sweepLocked(now time.Time) {
	for token, entry := range s.tokens {
		if now.After(entry.expiresAt) {
			delete(s.tokens, token)
		}
	}
}
