package handlers

import (
	"github.com/go-playground/validator/v10"
)

// CustomValidator wraps the go-playground/validator library to implement Echo's Validator interface.
type CustomValidator struct {
	validator *validator.Validate
}

// NewValidator creates a new CustomValidator.
func NewValidator() *CustomValidator {
	return &CustomValidator{validator: validator.New(validator.WithRequiredStructEnabled())}
}

// Validate implements the echo.Validator interface.
func (cv *CustomValidator) Validate(i interface{}) error {
	return cv.validator.Struct(i)
}

// RegisterRequest is the body of POST /api/users/register.
type RegisterRequest struct {
	UserID      string `json:"userId" validate:"required,max=128"`
	DisplayName string `json:"displayName" validate:"max=128"`
}

// SessionTokenRequest is the body of POST /api/users/session-token.
type SessionTokenRequest struct {
	UserID string `json:"userId" validate:"required,max=128"`
}
