package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Chdir(t.TempDir()) // no .env around

	cfg, err := LoadConfig()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.RoomCapacity)
	assert.Equal(t, "sqlite", cfg.DbDriver)
	assert.Equal(t, "1", cfg.DefaultRoomID)
	assert.Equal(t, uint16(3000), cfg.HttpServerPort)
	assert.Equal(t, int64(10<<20), cfg.MaxUploadBytes)
	assert.Equal(t, 30*time.Second, cfg.MemberLeaseTTL)
	assert.False(t, cfg.RedisEnabled)
	assert.True(t, cfg.AllowAllOrigins())
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ROOM_CAPACITY", "8")
	t.Setenv("DB_DRIVER", "postgres")
	t.Setenv("ALLOWED_ORIGINS", " http://localhost:5173 , https://viewer.example ")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.RoomCapacity)
	assert.Equal(t, "postgres", cfg.DbDriver)
	assert.Equal(t, []string{"http://localhost:5173", "https://viewer.example"}, cfg.AllowedOrigins)
	assert.False(t, cfg.AllowAllOrigins())
	assert.True(t, cfg.OriginAllowed("http://localhost:5173"))
	assert.True(t, cfg.OriginAllowed("https://viewer.example/"))
	assert.True(t, cfg.OriginAllowed(""))
	assert.False(t, cfg.OriginAllowed("https://evil.example"))
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	t.Chdir(t.TempDir())

	t.Run("zero capacity", func(t *testing.T) {
		t.Setenv("ROOM_CAPACITY", "0")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("unknown driver", func(t *testing.T) {
		t.Setenv("DB_DRIVER", "mysql")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
	t.Run("privileged port", func(t *testing.T) {
		t.Setenv("HTTP_SERVER_PORT", "80")
		_, err := LoadConfig()
		assert.Error(t, err)
	})
}
