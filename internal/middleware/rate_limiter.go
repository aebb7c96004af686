package middleware

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"
)

// RateLimit configures RateLimiter. Rate is in requests per second; Burst is
// how many requests a fresh client may make at once.
type RateLimit struct {
	Rate      float64
	Burst     int
	ExpiresIn time.Duration
}

// DefaultRateLimit admits a burst of 10 issuance requests per IP and then
// one request every six seconds.
var DefaultRateLimit = RateLimit{
	Rate:      0.1667,
	Burst:     10,
	ExpiresIn: 3 * time.Minute,
}

// RateLimiter limits requests per client IP for the routes it's applied to.
func RateLimiter(limit RateLimit) echo.MiddlewareFunc {
	config := middleware.RateLimiterConfig{
		Store: middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
			Rate:      rate.Limit(limit.Rate),
			Burst:     limit.Burst,
			ExpiresIn: limit.ExpiresIn,
		}),
		IdentifierExtractor: func(c echo.Context) (string, error) {
			return c.RealIP(), nil
		},
		ErrorHandler: func(c echo.Context, err error) error {
			return c.JSON(http.StatusForbidden, echo.Map{
				"code":    "validation",
				"message": "could not identify client",
			})
		},
		DenyHandler: func(c echo.Context, identifier string, err error) error {
			FromContext(c.Request().Context()).Warn("Rate limit exceeded", "remote_ip", identifier, "path", c.Path())
			return c.JSON(http.StatusTooManyRequests, echo.Map{
				"code":    "rate_limited",
				"message": "Too many requests. Please try again later.",
			})
		},
	}
	return middleware.RateLimiterWithConfig(config)
}
