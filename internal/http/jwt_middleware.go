package http

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"habit-chat/internal/service"
)

const (
	authClaimsKey    = "auth_claims"
	streamTokenParam = "access_token"
)

// JWTAuthMiddleware exige un access token valido y deja los claims en el contexto.
// Acepta ?access_token= solo en peticiones SSE, donde EventSource no puede mandar headers.
func JWTAuthMiddleware(jwtSvc *service.JWTService) gin.HandlerFunc {
	return func(c *gin.Context) {
		if jwtSvc == nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "jwt not configured"})
			return
		}

		token, ok := bearerToken(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			return
		}

		claims, err := jwtSvc.ParseAccessToken(token)
		switch {
		case errors.Is(err, service.ErrJWTExpired):
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "token expired"})
			return
		case err != nil:
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(authClaimsKey, claims)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := strings.TrimSpace(c.GetHeader("Authorization"))
	if len(header) > len("bearer ") && strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return strings.TrimSpace(header[len("bearer "):]), true
	}
	if strings.Contains(c.GetHeader("Accept"), "text/event-stream") {
		if t := strings.TrimSpace(c.Query(streamTokenParam)); t != "" {
			return t, true
		}
	}
	return "", false
}

// GetAuthClaims obtiene los claims del usuario autenticado.
func GetAuthClaims(c *gin.Context) (service.Claims, bool) {
	val, ok := c.Get(authClaimsKey)
	if !ok {
		return service.Claims{}, false
	}
	claims, ok := val.(service.Claims)
	return claims, ok
}
