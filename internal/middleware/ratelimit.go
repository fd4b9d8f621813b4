package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"

	"quipucords/internal/config"
	"quipucords/internal/logger"
)

// RateLimiters holds the per-route-group limiters
type RateLimiters struct {
	// General applies to authenticated endpoints, keyed by API key
	General gin.HandlerFunc
	// Login applies to the token endpoint, keyed by client IP
	Login gin.HandlerFunc
	// Upload applies to report uploads, keyed by API key
	Upload gin.HandlerFunc
}

// parseRate extracts the rate from a rate string (e.g., "100-M" -> 100 requests per minute)
func parseRate(rateStr string) limiter.Rate {
	rate, err := limiter.NewRateFromFormatted(rateStr)
	if err != nil {
		logger.Logger.Warn().
			Err(err).
			Str("rate_string", rateStr).
			Msg("Failed to parse rate limit, using default 100-M")
		rate, _ = limiter.NewRateFromFormatted("100-M")
	}
	return rate
}

func limitReached(c *gin.Context, rate limiter.Rate, message string) {
	c.Header("Retry-After", strconv.Itoa(int(rate.Period.Seconds())))
	c.JSON(http.StatusTooManyRequests, gin.H{
		"error":       "rate limit exceeded",
		"message":     message,
		"retry_after": int(rate.Period.Seconds()),
		"limit":       rate.Limit,
		"period":      rate.Period.String(),
		"reset_time":  time.Now().Add(rate.Period).Format(time.RFC3339),
	})
	c.Abort()
}

// IPRateLimitMiddleware creates middleware for IP-based rate limiting
func IPRateLimitMiddleware(rateStr string) gin.HandlerFunc {
	rate := parseRate(rateStr)
	instance := limiter.New(memory.NewStore(), rate)

	return mgin.NewMiddleware(instance, mgin.WithLimitReachedHandler(func(c *gin.Context) {
		limitReached(c, rate, "Too many requests from this IP address")
	}))
}

// APIKeyRateLimitMiddleware creates middleware for API key-based rate limiting
func APIKeyRateLimitMiddleware(rateStr string) gin.HandlerFunc {
	rate := parseRate(rateStr)
	instance := limiter.New(memory.NewStore(), rate)

	return func(c *gin.Context) {
		// If no API key found, use client IP as fallback
		key := apiKeyFromRequest(c)
		if key == "" {
			key = c.ClientIP()
		}

		state, err := instance.Get(c, key)
		if err != nil {
			logger.Logger.Error().Err(err).Msg("Rate limit check failed")
			c.Next() // Allow request on error
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(state.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(state.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(state.Reset, 10))

		if state.Reached {
			limitReached(c, rate, "Too many requests")
			return
		}

		c.Next()
	}
}

// NewRateLimiters builds the limiters configured in cfg
func NewRateLimiters(cfg *config.Config) RateLimiters {
	logger.Logger.Info().
		Str("general_limit", cfg.RateLimitGeneral).
		Str("login_limit", cfg.RateLimitLogin).
		Str("upload_limit", cfg.RateLimitUpload).
		Msg("Initializing rate limiting middleware")

	return RateLimiters{
		General: APIKeyRateLimitMiddleware(cfg.RateLimitGeneral),
		Login:   IPRateLimitMiddleware(cfg.RateLimitLogin),
		Upload:  APIKeyRateLimitMiddleware(cfg.RateLimitUpload),
	}
}
