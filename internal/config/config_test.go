package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_MemoryDefaults(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverMemory)
	t.Setenv("RUFER_SECRET_KEY", "s3cret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.GetServerAddr())
	assert.Equal(t, DriverMemory, cfg.GetStoreDriver())
	assert.Equal(t, DriverMemory, cfg.GetPubSubDriver())
	assert.Equal(t, 15*time.Minute, cfg.GetSessionTokenTTL())
	assert.Equal(t, 5*time.Second, cfg.GetDBQueryTimeout())
	assert.False(t, cfg.GetTracingEnabled())
}

func TestLoad_SurrealRequiresConnectionSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverSurreal)
	t.Setenv("RUFER_SECRET_KEY", "s3cret")
	t.Setenv("SURREAL_URL", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SURREAL_URL")
}

func TestLoad_SurrealSettings(t *testing.T) {
	t.Setenv("STORE_DRIVER", DriverSurreal)
	t.Setenv("RUFER_SECRET_KEY", "s3cret")
	t.Setenv("SURREAL_URL", "ws://localhost:8000/rpc")
	t.Setenv("SURREAL_NS", "rufer")
	t.Setenv("SURREAL_DB", "chat")
	t.Setenv("DB_QUERY_TIMEOUT", "2s")
	t.Setenv("ALLOWED_ORIGINS", "localhost:5173,example.com")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "ws://localhost:8000/rpc", cfg.GetDBURL())
	assert.Equal(t, "rufer", cfg.GetDBNs())
	assert.Equal(t, "chat", cfg.GetDBDb())
	assert.Equal(t, 2*time.Second, cfg.GetDBQueryTimeout())
	assert.Equal(t, []string{"localhost:5173", "example.com"}, cfg.GetAllowedOrigins())
}

func TestLoad_Rejects(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
		want string
	}{
		{
			name: "missing secret",
			env:  map[string]string{"STORE_DRIVER": DriverMemory, "RUFER_SECRET_KEY": ""},
			want: "RUFER_SECRET_KEY",
		},
		{
			name: "unknown store driver",
			env:  map[string]string{"STORE_DRIVER": "mongo", "RUFER_SECRET_KEY": "x"},
			want: "STORE_DRIVER",
		},
		{
			name: "unknown bus driver",
			env:  map[string]string{"STORE_DRIVER": DriverMemory, "PUBSUB_DRIVER": "kafka", "RUFER_SECRET_KEY": "x"},
			want: "PUBSUB_DRIVER",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
