package api

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/socialpulse/socialpulse/internal/config"
	"github.com/socialpulse/socialpulse/internal/logging"
)

// Constants for header names
const (
	// DefaultAPIKeyHeader is the default header name for API key authentication
	DefaultAPIKeyHeader = "X-API-Key"
)

// Context keys set by the auth middlewares.
const (
	ctxAuthenticated = "authenticated"
	ctxSubject       = "auth_subject"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: message,
		Code:    http.StatusUnauthorized,
	})
}

// Authenticator picks the middleware for cfg. Disabled auth lets every
// request through.
func Authenticator(cfg config.AuthConfig, logger *logging.Logger) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) {
			c.Set(ctxAuthenticated, false)
			c.Next()
		}
	}
	if cfg.Type == config.AuthJWT {
		return JWTAuth(cfg.Secret, cfg.Issuer, logger)
	}
	return APIKeyAuth(cfg.APIKeys, cfg.HeaderName, logger)
}

// APIKeyAuth creates a middleware that validates API keys from the request header.
// If no API keys are configured, authentication is bypassed.
func APIKeyAuth(apiKeys []string, headerName string, logger *logging.Logger) gin.HandlerFunc {
	if headerName == "" {
		headerName = DefaultAPIKeyHeader
	}

	if len(apiKeys) == 0 {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		apiKey := c.GetHeader(headerName)
		if apiKey == "" {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: missing API key",
				"header_name", headerName,
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"method", c.Request.Method,
			)
			unauthorized(c, "API key is required. Provide it in the '"+headerName+"' header")
			return
		}

		for _, key := range apiKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				c.Set(ctxSubject, MaskAPIKey(apiKey))
				c.Set(ctxAuthenticated, true)
				c.Next()
				return
			}
		}

		logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid API key",
			"header_name", headerName,
			"client_ip", c.ClientIP(),
			"path", c.Request.URL.Path,
			"method", c.Request.Method,
		)
		unauthorized(c, "Invalid API key")
	}
}

// JWTAuth validates HS256 bearer tokens signed with secret. A non-empty
// issuer must match the token's iss claim.
func JWTAuth(secret, issuer string, logger *logging.Logger) gin.HandlerFunc {
	key := []byte(secret)
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	parser := jwt.NewParser(opts...)

	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(raw) == "" {
			unauthorized(c, "Bearer token is required in the 'Authorization' header")
			return
		}

		claims := &jwt.RegisteredClaims{}
		_, err := parser.ParseWithClaims(strings.TrimSpace(raw), claims, func(*jwt.Token) (interface{}, error) {
			return key, nil
		})
		if err != nil {
			logger.WarnWithContext(c.Request.Context(), "API authentication failed: invalid bearer token",
				"client_ip", c.ClientIP(),
				"path", c.Request.URL.Path,
				"error", err.Error(),
			)
			unauthorized(c, "Invalid or expired token")
			return
		}

		c.Set(ctxSubject, claims.Subject)
		c.Set(ctxAuthenticated, true)
		c.Next()
	}
}

// IssueToken signs an HS256 token for subject that JWTAuth accepts.
func IssueToken(secret, issuer, subject string, ttl time.Duration) (string, error) {
	if len(secret) < 32 {
		return "", fmt.Errorf("jwt secret must be at least 32 bytes")
	}
	if ttl <= 0 {
		return "", fmt.Errorf("token ttl must be positive")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		Issuer:    issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// Subject returns who authenticated the request, if anyone.
func Subject(c *gin.Context) (string, bool) {
	if !c.GetBool(ctxAuthenticated) {
		return "", false
	}
	return c.GetString(ctxSubject), true
}

// MaskAPIKey masks an API key for logging (shows only first 4 characters)
func MaskAPIKey(key string) string {
	if len(key) <= 4 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-4)
}
