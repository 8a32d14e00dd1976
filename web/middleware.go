package web

import (
	"net/http"
	"strings"
	"time"

	"gocurate/models"

	"github.com/rohanthewiz/logger"
	"github.com/rohanthewiz/rweb"
)

// CorsMiddleware handles CORS headers for cross-origin requests
func CorsMiddleware(c rweb.Context) error {
	c.Response().SetHeader("Access-Control-Allow-Origin", "*")
	c.Response().SetHeader("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
	c.Response().SetHeader("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Requested-With")

	// Handle preflight OPTIONS requests
	if c.Request().Method() == "OPTIONS" {
		c.SetStatus(http.StatusOK)
		return nil
	}

	return c.Next()
}

// JWTAuthMiddleware validates JWT tokens and populates user context.
// It extracts the Bearer token from the Authorization header, validates
// it, and sets user_guid and authenticated in the context. If no token
// is present or the token is invalid, the request continues
// unauthenticated; protected handlers reject on the empty user_guid.
func JWTAuthMiddleware(c rweb.Context) error {
	authHeader := c.Request().Header("Authorization")

	if authHeader == "" || !strings.HasPrefix(authHeader, "Bearer ") {
		c.Set("user_guid", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	tokenString := strings.TrimPrefix(authHeader, "Bearer ")
	claims, err := models.ValidateToken(tokenString)

	if err != nil {
		// Don't log every invalid token attempt (could be attack)
		c.Set("user_guid", "")
		c.Set("authenticated", false)
		return c.Next()
	}

	c.Set("user_guid", claims.UserGUID)
	c.Set("username", claims.Username)
	c.Set("authenticated", true)

	return c.Next()
}

// RequireAuth blocks unauthenticated requests.
// Returns 401 Unauthorized if not authenticated.
func RequireAuth(c rweb.Context) error {
	authenticated, _ := c.Get("authenticated").(bool)
	if !authenticated {
		c.SetStatus(http.StatusUnauthorized)
		return c.WriteJSON(map[string]interface{}{
			"success": false,
			"error":   "authentication required",
		})
	}
	return c.Next()
}

// LoggingMiddleware provides detailed request logging
func LoggingMiddleware(c rweb.Context) error {
	start := time.Now()

	logger.Debug("Request started",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"ip", c.Request().Header("X-Forwarded-For"),
	)

	err := c.Next()

	duration := time.Since(start)
	logger.Debug("Request completed",
		"method", c.Request().Method(),
		"path", c.Request().Path(),
		"duration", duration,
		"error", err,
	)

	return err
}
