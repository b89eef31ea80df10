package middleware

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt"

	cfgpkg "github.com/atelierhq/atelier/pkg/config"
	"github.com/atelierhq/atelier/pkg/response"
	"github.com/atelierhq/atelier/pkg/types"
)

const authClaimsKey = "authClaims"

// AuthClaims is the verified identity of the request, extracted from the
// bearer token issued by the portal's auth service.
type AuthClaims struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
	Role   string `json:"role"`
	jwt.StandardClaims
}

func (c *AuthClaims) IsAdmin() bool { return types.UserRole(c.Role) == types.UserRoleAdmin }

// AuthMiddleware verifies the Authorization bearer token (HS256) and attaches
// the claims to the gin context. Requests without a valid token get the
// UNAUTHORIZED envelope.
func AuthMiddleware(cfg *cfgpkg.Config) gin.HandlerFunc {
	secret := []byte(cfg.Auth.JWTSecret)
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		tokenString := strings.TrimPrefix(header, "Bearer ")
		if tokenString == "" || tokenString == header {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		claims := &AuthClaims{}
		token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid || claims.UserID == "" {
			abortUnauthorized(c, "invalid token")
			return
		}

		c.Set(authClaimsKey, claims)
		c.Next()
	}
}

// RequireAdmin rejects non-admin callers. Must run after AuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := GetAuthClaims(c)
		if !ok {
			abortUnauthorized(c, "missing bearer token")
			return
		}
		if !claims.IsAdmin() {
			c.AbortWithStatusJSON(
				response.HTTPStatus(response.CodeForbidden),
				response.NewErrorBody(response.CodeForbidden, "admin role required", RequestID(c)),
			)
			return
		}
		c.Next()
	}
}

// GetAuthClaims returns the verified claims attached by AuthMiddleware.
func GetAuthClaims(c *gin.Context) (*AuthClaims, bool) {
	v, ok := c.Get(authClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*AuthClaims)
	return claims, ok
}

// RequestID returns the trace id attached by TraceMiddleware.
func RequestID(c *gin.Context) string {
	return c.GetString("traceID")
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(
		response.HTTPStatus(response.CodeUnauthorized),
		response.NewErrorBody(response.CodeUnauthorized, message, RequestID(c)),
	)
}
