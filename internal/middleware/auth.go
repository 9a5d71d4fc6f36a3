package middleware

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"procurement/internal/apperror"
	"procurement/internal/model"
	"procurement/pkg/response"
)

const actorKey = "actor"

// ParseToken validates an HS256 token and extracts the actor it was issued for.
func ParseToken(secret []byte, tokenString string) (model.Actor, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return model.Actor{}, fmt.Errorf("invalid token: %w", apperror.ErrUnauthorized)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return model.Actor{}, fmt.Errorf("invalid token claims: %w", apperror.ErrUnauthorized)
	}
	sub, _ := claims["sub"].(string)
	userID, err := uuid.Parse(sub)
	if err != nil {
		return model.Actor{}, fmt.Errorf("invalid subject: %w", apperror.ErrUnauthorized)
	}
	roleName, _ := claims["role"].(string)
	role, err := model.ParseRole(roleName)
	if err != nil {
		return model.Actor{}, fmt.Errorf("role not found in token: %w", apperror.ErrUnauthorized)
	}
	return model.Actor{UserID: userID, Role: role}, nil
}

// bearerToken reads the access_token cookie first, then the Authorization header.
func bearerToken(c *gin.Context) (string, error) {
	if tokenString, err := c.Cookie("access_token"); err == nil && tokenString != "" {
		return tokenString, nil
	}
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return "", errors.New("Authorization is missing")
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return "", errors.New("Invalid authorization format. Expected 'Bearer <token>'")
	}
	return parts[1], nil
}

// JWTAuth validates the token and stores the request's actor in the context.
func JWTAuth(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString, err := bearerToken(c)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.Coded(http.StatusUnauthorized, apperror.CodeUnauthorized, "", err.Error()))
			return
		}
		actor, err := ParseToken(secret, tokenString)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.Coded(http.StatusUnauthorized, apperror.CodeUnauthorized, "", err.Error()))
			return
		}

		c.Set(actorKey, actor)
		c.Set("userID", actor.UserID.String())
		c.Set("userRole", actor.Role.String())
		c.Next()
	}
}

// ActorFrom returns the actor JWTAuth stored on the request.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(actorKey)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}

// RequireRole rejects actors below required. It must run after JWTAuth.
func RequireRole(required model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized,
				response.Coded(http.StatusUnauthorized, apperror.CodeUnauthorized, "", "Authorization is missing"))
			return
		}
		if !actor.HasPermission(required) {
			c.AbortWithStatusJSON(http.StatusForbidden,
				response.Coded(http.StatusForbidden, apperror.CodeForbidden, "", "Access denied: requires "+required.String()))
			return
		}
		c.Next()
	}
}

// SetTokenCookie stores the access token as an HttpOnly cookie.
// Release mode (cross-origin): SameSiteNoneMode + Secure. Otherwise Lax without Secure.
func SetTokenCookie(c *gin.Context, token string, maxAge int) {
	sameSite, secure := cookiePolicy()
	c.SetSameSite(sameSite)
	c.SetCookie("access_token", token, maxAge, "/", "", secure, true)
}

// ClearTokenCookie removes the access token cookie.
func ClearTokenCookie(c *gin.Context) {
	sameSite, secure := cookiePolicy()
	c.SetSameSite(sameSite)
	c.SetCookie("access_token", "", -1, "/", "", secure, true)
}

func cookiePolicy() (http.SameSite, bool) {
	if gin.Mode() == gin.ReleaseMode {
		return http.SameSiteNoneMode, true
	}
	return http.SameSiteLaxMode, false
}
