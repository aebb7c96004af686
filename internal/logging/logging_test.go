package logging

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel(" WARN "))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
	assert.Equal(t, slog.LevelInfo, ParseLevel("verbose"))
}

func TestNewHandler_Format(t *testing.T) {
	_, isJSON := newHandler("json", slog.LevelInfo).(*slog.JSONHandler)
	assert.True(t, isJSON)

	_, isText := newHandler("", slog.LevelInfo).(*slog.TextHandler)
	assert.True(t, isText)
}
