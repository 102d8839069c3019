package config

import (
	"fmt"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

type (
	Config struct {
		ListenAddr        string        `env:"LISTEN_ADDR,default=:3001"`
		LogLevel          string        `env:"LOG_LEVEL,default=info"`
		AllowedOrigins    string        `env:"ALLOWED_ORIGINS,default=http://localhost:3000"`
		LockTimeout       time.Duration `env:"LOCK_TIMEOUT,default=2s"`
		TypingTimeout     time.Duration `env:"TYPING_TIMEOUT,default=2s"`
		ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL,default=10m"`
		MaxContentLength  int           `env:"MAX_CONTENT_LENGTH,default=1048576"`
		Store             Store
	}

	Store struct {
		Type          string        `env:"STORAGE_TYPE,default=memory"`
		TTL           time.Duration `env:"STORE_TTL,default=24h"`
		Timeout       time.Duration `env:"STORE_TIMEOUT,default=500ms"`
		RedisAddr     string        `env:"REDIS_ADDR,default=localhost:6379"`
		RedisPassword string        `env:"REDIS_PASSWORD"`
		RedisDB       int           `env:"REDIS_DB,default=0"`
		BadgerPath    string        `env:"BADGER_PATH,default=./data/badger"`
		DataSource    string        `env:"DATA_SOURCE_NAME,default=collab.db"`
		LocalPath     string        `env:"LOCAL_STORAGE_PATH,default=./data/rooms"`
		S3Bucket      string        `env:"S3_BUCKET_NAME"`
	}
)

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logrus.Debug("No .env file found")
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive, got %s", c.LockTimeout)
	}
	if c.TypingTimeout <= 0 {
		return fmt.Errorf("TYPING_TIMEOUT must be positive, got %s", c.TypingTimeout)
	}
	if c.Store.TTL <= 0 {
		return fmt.Errorf("STORE_TTL must be positive, got %s", c.Store.TTL)
	}
	if c.Store.Timeout <= 0 {
		return fmt.Errorf("STORE_TIMEOUT must be positive, got %s", c.Store.Timeout)
	}
	if c.Store.Type == "s3" && c.Store.S3Bucket == "" {
		return fmt.Errorf("S3_BUCKET_NAME must be set for s3 storage type")
	}
	return nil
}

// Origins splits ALLOWED_ORIGINS into trimmed, non-empty entries.
func (c *Config) Origins() []string {
	var origins []string
	for _, origin := range strings.Split(c.AllowedOrigins, ",") {
		if origin = strings.TrimSpace(origin); origin != "" {
			origins = append(origins, origin)
		}
	}
	return origins
}
