package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "MEDIASTREAM"

// Config holds application level configuration aggregated from env/config files.
type Config struct {
	Server struct {
		Addr string
	}
	Database struct {
		Path string
	}
	Cache struct {
		Root string
	}
	Download struct {
		UploadLimitKBps   int
		DownloadLimitKBps int
		PollInterval      time.Duration
		MaxTickFailures   int
		ResumeEvery       int
		MaxConcurrent     int
		Trackers          []string
	}
	Buffering struct {
		MoviePercent float64
		ShowPercent  float64
	}
	Storage struct {
		Bucket    string
		KeyPrefix string
		Region    string
		Endpoint  string
		Archive   bool
	}
	AWS struct {
		Profile string
	}
	Auth struct {
		JWTSecret        string
		RegisterPassword string
		TokenTTLMinutes  int
	}
}

// Load reads configuration from environment variables and an optional config
// file in the working directory. Values from .env never override the
// environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	v.SetConfigName("config")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", "0.0.0.0:8080")
	v.SetDefault("database.path", "data/media-stream.db")
	v.SetDefault("cache.root", "data/cache")

	v.SetDefault("download.uploadlimitkbps", 0)
	v.SetDefault("download.downloadlimitkbps", 0)
	v.SetDefault("download.pollinterval", time.Second)
	v.SetDefault("download.maxtickfailures", 5)
	v.SetDefault("download.resumeevery", 5)
	v.SetDefault("download.maxconcurrent", 3)
	v.SetDefault("download.trackers", []string{})

	v.SetDefault("buffering.moviepercent", 3.0)
	v.SetDefault("buffering.showpercent", 5.0)

	v.SetDefault("storage.bucket", "")
	v.SetDefault("storage.keyprefix", "media-archive")
	v.SetDefault("storage.region", "us-east-1")
	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.archive", false)
	v.SetDefault("aws.profile", "")

	v.SetDefault("auth.jwtsecret", "")
	v.SetDefault("auth.registerpassword", "")
	v.SetDefault("auth.tokenttlminutes", 24*60)
}

// Validate rejects settings the service cannot start with. Buffering
// percentages are checked where they are used, falling back to defaults.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwtsecret is required"))
	}
	if strings.TrimSpace(c.Auth.RegisterPassword) == "" {
		errs = append(errs, errors.New("auth.registerpassword is required"))
	}
	if c.Download.UploadLimitKBps < 0 || c.Download.DownloadLimitKBps < 0 {
		errs = append(errs, errors.New("download rate limits must not be negative"))
	}
	if c.Download.PollInterval <= 0 {
		errs = append(errs, errors.New("download.pollinterval must be positive"))
	}
	if c.Storage.Archive && c.Storage.Bucket == "" {
		errs = append(errs, errors.New("storage.archive needs storage.bucket"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// TokenTTL is the lifetime of issued API tokens.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}
