package handlers

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/middleware"
)

// ErrorResponse is the standard format for API error responses.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// UserResponse is the DTO for a registered user.
type UserResponse struct {
	UserID      string     `json:"userId"`
	DisplayName string     `json:"displayName"`
	LastSeen    *time.Time `json:"lastSeen,omitempty"`
}

// NewUserResponse creates a UserResponse from a domain.User.
func NewUserResponse(u *domain.User) *UserResponse {
	return &UserResponse{UserID: u.ID, DisplayName: u.DisplayName, LastSeen: u.LastSeen}
}

// TokenResponse carries a freshly issued session token.
type TokenResponse struct {
	Token     string `json:"token"`
	ExpiresIn int    `json:"expiresIn"`
}

// OnlineResponse answers GET /api/users/:userId/online.
type OnlineResponse struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// writeError maps a domain error onto an HTTP status and writes it as an
// ErrorResponse. Transient failures are logged and reported generically.
func writeError(c echo.Context, err error) error {
	code := domain.ErrorCode(err)
	status := http.StatusInternalServerError
	msg := "internal error, please retry"

	switch {
	case errors.Is(err, domain.ErrValidation):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, domain.ErrNotAuthorized):
		status, msg = http.StatusForbidden, err.Error()
	case errors.Is(err, domain.ErrAuthentication):
		status, msg = http.StatusUnauthorized, err.Error()
	default:
		middleware.FromContext(c.Request().Context()).Error("Request failed", "path", c.Path(), "error", err)
	}
	return c.JSON(status, ErrorResponse{Code: code, Message: msg})
}
