package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/nfrund/rufer/internal/domain"
	"github.com/nfrund/rufer/internal/middleware"
)

// Registrar creates users. The delivery engine satisfies it.
type Registrar interface {
	Register(ctx context.Context, ref domain.UserRef) (*domain.User, error)
	CheckOnline(userID string) bool
}

// TokenIssuer hands out session tokens. The auth service satisfies it.
type TokenIssuer interface {
	Issue(ctx context.Context, userID string) (*domain.SessionToken, error)
	TTL() time.Duration
}

// UserHandler serves the user administration API.
type UserHandler struct {
	users  Registrar
	tokens TokenIssuer
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(users Registrar, tokens TokenIssuer) *UserHandler {
	return &UserHandler{users: users, tokens: tokens}
}

// Register creates a user or refreshes its display name.
func (h *UserHandler) Register(c echo.Context) error {
	var req RegisterRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, err)
	}

	ctx := c.Request().Context()
	u, err := h.users.Register(ctx, domain.UserRef{ID: req.UserID, DisplayName: req.DisplayName})
	if err != nil {
		return writeError(c, err)
	}
	middleware.FromContext(ctx).Info("User registered", "user_id", u.ID)
	return c.JSON(http.StatusCreated, NewUserResponse(u))
}

// SessionToken issues a single-use token that admits a websocket connection.
func (h *UserHandler) SessionToken(c echo.Context) error {
	var req SessionTokenRequest
	if err := bindAndValidate(c, &req); err != nil {
		return writeError(c, err)
	}

	tok, err := h.tokens.Issue(c.Request().Context(), req.UserID)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, TokenResponse{
		Token:     tok.Token,
		ExpiresIn: int(h.tokens.TTL().Seconds()),
	})
}

// Online reports whether a user currently holds a connection on this
// instance.
func (h *UserHandler) Online(c echo.Context) error {
	userID := c.Param("userId")
	if userID == "" {
		return writeError(c, fmt.Errorf("user id is required: %w", domain.ErrValidation))
	}
	return c.JSON(http.StatusOK, OnlineResponse{UserID: userID, IsOnline: h.users.CheckOnline(userID)})
}

func bindAndValidate(c echo.Context, req any) error {
	if err := c.Bind(req); err != nil {
		return fmt.Errorf("invalid request format: %w", domain.ErrValidation)
	}
	if err := c.Validate(req); err != nil {
		return fmt.Errorf("%s: %w", err.Error(), domain.ErrValidation)
	}
	return nil
}
