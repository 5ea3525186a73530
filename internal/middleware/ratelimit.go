package middleware

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Authenticated API limits (per user ID)
	APIMax        int
	APIExpiration time.Duration

	// Streaming connection attempts (per IP)
	ConnectMax        int
	ConnectExpiration time.Duration
}

// DefaultRateLimitConfig returns production defaults with apiMax requests
// per minute per user
func DefaultRateLimitConfig(apiMax int, development bool) *RateLimitConfig {
	if apiMax <= 0 {
		apiMax = 60
	}
	config := &RateLimitConfig{
		APIMax:            apiMax,
		APIExpiration:     1 * time.Minute,
		ConnectMax:        20,
		ConnectExpiration: 1 * time.Minute,
	}

	// Development mode: more lenient limits
	if development {
		config.APIMax = 1000
		config.ConnectMax = 100
		log.Println("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}
	return config
}

// APIRateLimiter limits authenticated endpoints per user, falling back to IP
func APIRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.APIMax,
		Expiration: config.APIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID, ok := c.Locals("user_id").(string); ok && userID != "" {
				return "api:" + userID
			}
			return "api-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			userID, _ := c.Locals("user_id").(string)
			log.Printf("⚠️  [RATE-LIMIT] API limit reached for user: %s on %s", userID, c.Path())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many requests. Please wait before trying again.",
				"code":        "rate_limited",
				"retry_after": int(config.APIExpiration.Seconds()),
			})
		},
	})
}

// ConnectRateLimiter limits WebSocket and SSE connection attempts per IP
func ConnectRateLimiter(config *RateLimitConfig) fiber.Handler {
	return limiter.New(limiter.Config{
		Max:        config.ConnectMax,
		Expiration: config.ConnectExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "connect:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			log.Printf("🚫 [RATE-LIMIT] Connection limit reached for IP: %s", c.IP())
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":       "Too many connection attempts. Please wait before reconnecting.",
				"code":        "rate_limited",
				"retry_after": int(config.ConnectExpiration.Seconds()),
			})
		},
	})
}
