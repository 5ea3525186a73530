package middleware

import (
	"log"

	"courier/pkg/auth"

	"github.com/gofiber/fiber/v2"
)

// DevUserID is the identity used when auth is disabled in development
const DevUserID = "dev-user"

// LocalAuthMiddleware verifies JWT access tokens and stores the user in
// c.Locals("user_id"). Supports both Authorization header and query
// parameter (for WebSocket and EventSource clients that cannot set headers).
func LocalAuthMiddleware(verifier *auth.JWTVerifier, environment string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if verifier == nil {
			// CRITICAL: Never allow auth bypass in production
			if environment == "production" {
				log.Fatal("❌ CRITICAL SECURITY ERROR: JWT auth not configured in production environment. Authentication is required.")
			}

			// Only allow bypass in development/testing
			if environment != "development" && environment != "testing" && environment != "" {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"error": "Authentication service unavailable",
					"code":  "auth_unavailable",
				})
			}

			c.Locals("user_id", DevUserID)
			c.Locals("user_role", "user")
			return c.Next()
		}

		// Try to extract token from multiple sources
		var token string

		// 1. Try Authorization header first
		if authHeader := c.Get("Authorization"); authHeader != "" {
			if extracted, err := auth.ExtractToken(authHeader); err == nil {
				token = extracted
			}
		}

		// 2. Try query parameter
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Missing or invalid authorization token",
				"code":  "unauthorized",
			})
		}

		user, err := verifier.VerifyAccessToken(token)
		if err != nil {
			log.Printf("❌ Auth failed: %v", err)
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
				"error": "Invalid or expired token",
				"code":  "unauthorized",
			})
		}

		c.Locals("user_id", user.ID)
		c.Locals("user_email", user.Email)
		c.Locals("user_role", user.Role)
		return c.Next()
	}
}
