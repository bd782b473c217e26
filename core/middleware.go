package core

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	principalKey   = "principal"
	tokenClaimsKey = "token_claims"
)

// LoadPrincipal resolves the session cookie to a user for every request.
// Requests without a live session simply carry no principal.
func (s *Server) LoadPrincipal() gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID, err := c.Cookie(s.config.Session.CookieName)
		if err != nil || sessionID == "" {
			c.Next()
			return
		}

		user, err := s.principal.Deserialize(c.Request.Context(), sessionID)
		switch {
		case err == nil:
			c.Set(principalKey, user)
		case !isNotFound(err):
			s.logger.Error("failed to resolve session principal", zap.Error(err))
		}
		c.Next()
	}
}

func CurrentUser(c *gin.Context) (*User, bool) {
	val, ok := c.Get(principalKey)
	if !ok {
		return nil, false
	}
	user, ok := val.(*User)
	return user, ok
}

// BearerAuth verifies Authorization: Bearer tokens and stores the claims.
func BearerAuth(tokens *TokenService) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := extractBearerToken(c.GetHeader("Authorization"))
		if !ok {
			respondError(c, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
			c.Abort()
			return
		}

		claims, err := tokens.Verify(token)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "invalid_token", "Invalid or missing authorization token")
			c.Abort()
			return
		}

		c.Set(tokenClaimsKey, claims)
		c.Next()
	}
}

func TokenClaims(c *gin.Context) (*Claims, bool) {
	val, ok := c.Get(tokenClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := val.(*Claims)
	return claims, ok
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}

// RequestLogger logs one line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}
