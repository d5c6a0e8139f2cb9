package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv   string `env:"APP_ENV"   envDefault:"development" validate:"oneof=development production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"debug"       validate:"oneof=debug info warn error"`

	DbDriver   string `env:"DB_DRIVER"   envDefault:"sqlite" validate:"oneof=sqlite postgres"`
	SqlitePath string `env:"SQLITE_PATH" envDefault:"data/roomcollab.db"`

	PostgresHost     string `env:"POSTGRES_HOST"     envDefault:"localhost"`
	PostgresPort     string `env:"POSTGRES_PORT"     envDefault:"5432"`
	PostgresUser     string `env:"POSTGRES_USER"     envDefault:"collab_user"`
	PostgresPassword string `env:"POSTGRES_PASSWORD" envDefault:"collab_password"`
	PostgresDb       string `env:"POSTGRES_DB"       envDefault:"collab_db"`

	RedisEnabled bool   `env:"REDIS_ENABLED" envDefault:"false"`
	RedisHost    string `env:"REDIS_HOST"    envDefault:"localhost"`
	RedisPort    uint16 `env:"REDIS_PORT"    envDefault:"6379" validate:"min=1000,max=65535"`

	// RoomCapacity is the single authority for how many members a room holds.
	RoomCapacity   int           `env:"ROOM_CAPACITY"    envDefault:"3"  validate:"min=1,max=1000"`
	DefaultRoomID  string        `env:"DEFAULT_ROOM_ID"  envDefault:"1"  validate:"required"`
	MemberLeaseTTL time.Duration `env:"MEMBER_LEASE_TTL" envDefault:"30s" validate:"min=1s"`

	UploadDir      string `env:"UPLOAD_DIR"       envDefault:"uploads"  validate:"required"`
	MaxUploadBytes int64  `env:"MAX_UPLOAD_BYTES" envDefault:"10485760" validate:"min=1"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"*" envSeparator:","`

	HttpServerPort uint16 `env:"HTTP_SERVER_PORT" envDefault:"3000" validate:"min=1000,max=65535"`
}

func LoadConfig() (*Config, error) {
	// Load environment variables from .env file
	err := godotenv.Load(".env")
	if err != nil {
		zap.L().Debug(".env file not found", zap.Error(err))
	}

	cfg := &Config{}
	// Parse config from environment variables
	if err = env.Parse(cfg); err != nil {
		zap.L().Error("config_load_failed", zap.Error(err))
		return nil, err
	}
	cfg.AllowedOrigins = trimOrigins(cfg.AllowedOrigins)

	// Validate the config
	validate := validator.New()
	err = validate.Struct(cfg)
	if err != nil {
		zap.L().Error("config_validation_failed", zap.Error(err))
		return nil, err
	}
	return cfg, nil
}

// AllowAllOrigins reports whether "*" is among the allowed origins.
func (c *Config) AllowAllOrigins() bool {
	for _, o := range c.AllowedOrigins {
		if o == "*" {
			return true
		}
	}
	return false
}

// OriginAllowed reports whether a browser origin may talk to the server.
// Requests without an Origin header (non-browser clients) are allowed.
func (c *Config) OriginAllowed(origin string) bool {
	if origin == "" || c.AllowAllOrigins() {
		return true
	}
	for _, o := range c.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(o, "/"), strings.TrimSuffix(origin, "/")) {
			return true
		}
	}
	return false
}

func trimOrigins(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, o := range raw {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	if len(out) == 0 {
		out = []string{"*"}
	}
	return out
}
