// Package middleware's AuthMiddleware decodes a bearer JWT directly into a
// workflow.Principal, replacing a full session/refresh-token subsystem
// that has no place in this engine - collaborators own their own identity
// providers; the engine only needs the resulting principal for
// AuthorizeCallback checks and audit fields. Bearer extraction supports
// both an Authorization header and a query parameter.
package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/fluxgate/workflowcore/internal/domain/workflow"
	"github.com/fluxgate/workflowcore/internal/observability"
	"github.com/fluxgate/workflowcore/internal/platform/ctxutil"
	"github.com/fluxgate/workflowcore/internal/platform/logger"
)

type AuthMiddleware struct {
	log    *logger.Logger
	secret []byte
}

func NewAuthMiddleware(log *logger.Logger, secret string) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("Middleware", "AuthMiddleware"), secret: []byte(secret)}
}

// claims is the minimal JWT payload shape the engine cares about: a subject
// and an optional list of roles, mapped directly onto workflow.Principal.
type claims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// RequireAuth rejects requests without a valid bearer token and attaches the
// decoded principal to the request context for downstream handlers and
// AuthorizeCallback checks.
func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractTokenFromAll(c)
		if tokenString == "" {
			observability.Current().IncSecurityEvent("missing_token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "missing or invalid token", "code": "unauthorized"},
			})
			return
		}

		var cl claims
		_, err := jwt.ParseWithClaims(tokenString, &cl, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrTokenSignatureInvalid
			}
			return am.secret, nil
		})
		if err != nil || cl.Subject == "" {
			observability.Current().IncSecurityEvent("invalid_token")
			am.log.Debug("auth: token rejected", "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{"message": "invalid token", "code": "unauthorized"},
			})
			return
		}

		principal := workflow.Principal{Subject: cl.Subject, Roles: cl.Roles}
		ctx := ctxutil.WithRequestData(c.Request.Context(), &ctxutil.RequestData{Principal: principal})
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractTokenFromAll(c *gin.Context) string {
	if qToken := c.Query("token"); qToken != "" {
		return qToken
	}
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return authHeader[7:]
	}
	return ""
}
