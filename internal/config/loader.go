package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load merges the TOML file at path (skipped when path is empty) over the
// defaults and applies environment overrides, reading a .env file first if
// one exists. The result has not been validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, err
		}
	}

	_ = godotenv.Load()

	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose LEAGUE_* variable is set. PORT,
// DATABASE_URL and REDIS_ADDR are honoured as shorter aliases.
func applyEnvOverrides(cfg *Config) {
	setInt(&cfg.Server.Port, "PORT")
	setInt(&cfg.Server.Port, "LEAGUE_SERVER_PORT")
	setDuration(&cfg.Server.ReadTimeout, "LEAGUE_SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "LEAGUE_SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.IdleTimeout, "LEAGUE_SERVER_IDLE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "LEAGUE_SERVER_SHUTDOWN_TIMEOUT")
	setFloat64(&cfg.Server.RateLimit, "LEAGUE_SERVER_RATE_LIMIT")
	setInt(&cfg.Server.RateBurst, "LEAGUE_SERVER_RATE_BURST")

	setStr(&cfg.Database.Driver, "LEAGUE_DATABASE_DRIVER")
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.DSN = v
		if os.Getenv("LEAGUE_DATABASE_DRIVER") == "" {
			cfg.Database.Driver = "postgres"
		}
	}
	setStr(&cfg.Database.DSN, "LEAGUE_DATABASE_DSN")
	setInt(&cfg.Database.MaxConns, "LEAGUE_DATABASE_MAX_CONNS")
	setBool(&cfg.Database.RunMigrations, "LEAGUE_DATABASE_RUN_MIGRATIONS")

	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Addr, "LEAGUE_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "LEAGUE_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "LEAGUE_REDIS_DB")
	setDuration(&cfg.Redis.CacheTTL, "LEAGUE_REDIS_CACHE_TTL")
	setBool(&cfg.Redis.Lock, "LEAGUE_REDIS_LOCK")

	setDuration(&cfg.Engine.SweepInterval, "LEAGUE_ENGINE_SWEEP_INTERVAL")
	setDuration(&cfg.Engine.LockTTL, "LEAGUE_ENGINE_LOCK_TTL")
	setDuration(&cfg.Engine.LockWait, "LEAGUE_ENGINE_LOCK_WAIT")

	setStr(&cfg.Log.Level, "LEAGUE_LOG_LEVEL")
	setStr(&cfg.Log.Format, "LEAGUE_LOG_FORMAT")
}

// Typed env-var helpers. Each only mutates the target when the variable is
// present and parses.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}
