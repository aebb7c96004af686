package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/labstack/echo/v4"
)

// SecretHeader carries the shared secret that guards user administration
// routes.
const SecretHeader = "X-Rufer-Secret-Key"

// RequireSecret rejects requests whose SecretHeader does not match secret.
// An empty secret rejects everything.
func RequireSecret(secret string) echo.MiddlewareFunc {
	want := []byte(secret)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			got := []byte(c.Request().Header.Get(SecretHeader))
			if len(want) == 0 || subtle.ConstantTimeCompare(got, want) != 1 {
				FromContext(c.Request().Context()).Warn("Rejected request with invalid secret key",
					"path", c.Path(), "remote_ip", c.RealIP())
				return c.JSON(http.StatusUnauthorized, echo.Map{
					"code":    "authentication",
					"message": "invalid or missing secret key",
				})
			}
			return next(c)
		}
	}
}
