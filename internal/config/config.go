// Package config содержит логику чтения конфигурации клиента Raw2Insight и стаб-бэкенда.
package config

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultAPIURL          = "http://localhost:8000/api/v1"
	defaultLogLevel        = "info"
	defaultPollInterval    = 5 * time.Second
	defaultPollMaxAttempts = 60
	defaultWatchInterval   = 3 * time.Second
	defaultMaxFileSize     = 10 * 1024 * 1024

	defaultBackendAddress = "localhost:8000"
	defaultJobTick        = time.Second
	defaultJobStep        = 20
)

// Config содержит параметры конфигурации клиента.
type Config struct {
	APIURL             string        `env:"API_URL"`
	SessionFile        string        `env:"SESSION_FILE"`
	SessionDatabaseURI string        `env:"SESSION_DATABASE_URI"`
	LogLevel           string        `env:"LOG_LEVEL"`
	PollInterval       time.Duration `env:"POLL_INTERVAL"`
	PollMaxAttempts    int           `env:"POLL_MAX_ATTEMPTS"`
	WatchInterval      time.Duration `env:"WATCH_INTERVAL"`
	MaxFileSize        int64         `env:"MAX_FILE_SIZE"`
}

// Parse считывает конфигурацию клиента из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.APIURL, "a", defaultAPIURL, "backend API root URL")
	flag.StringVar(&cfg.SessionFile, "s", defaultSessionFile(), "session file path")
	flag.StringVar(&cfg.SessionDatabaseURI, "d", "", "session database URI")
	flag.StringVar(&cfg.LogLevel, "l", defaultLogLevel, "log level")
	flag.DurationVar(&cfg.PollInterval, "i", defaultPollInterval, "job status poll interval")
	flag.IntVar(&cfg.PollMaxAttempts, "m", defaultPollMaxAttempts, "max job status poll attempts")
	flag.DurationVar(&cfg.WatchInterval, "w", defaultWatchInterval, "status watch interval")
	flag.Int64Var(&cfg.MaxFileSize, "f", defaultMaxFileSize, "max upload file size in bytes")

	flag.Parse()

	if envCfg.APIURL != "" {
		cfg.APIURL = envCfg.APIURL
	}
	if envCfg.SessionFile != "" {
		cfg.SessionFile = envCfg.SessionFile
	}
	if envCfg.SessionDatabaseURI != "" {
		cfg.SessionDatabaseURI = envCfg.SessionDatabaseURI
	}
	if envCfg.LogLevel != "" {
		cfg.LogLevel = envCfg.LogLevel
	}
	if envCfg.PollInterval > 0 {
		cfg.PollInterval = envCfg.PollInterval
	}
	if envCfg.PollMaxAttempts > 0 {
		cfg.PollMaxAttempts = envCfg.PollMaxAttempts
	}
	if envCfg.WatchInterval > 0 {
		cfg.WatchInterval = envCfg.WatchInterval
	}
	if envCfg.MaxFileSize > 0 {
		cfg.MaxFileSize = envCfg.MaxFileSize
	}

	if cfg.APIURL == "" {
		cfg.APIURL = defaultAPIURL
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.PollMaxAttempts <= 0 {
		cfg.PollMaxAttempts = defaultPollMaxAttempts
	}
	if cfg.WatchInterval <= 0 {
		cfg.WatchInterval = defaultWatchInterval
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}

	return cfg, nil
}

// BackendConfig содержит параметры стаб-бэкенда.
type BackendConfig struct {
	RunAddress  string        `env:"RUN_ADDRESS"`
	TokenSecret string        `env:"TOKEN_SECRET"`
	JobTick     time.Duration `env:"JOB_TICK"`
	JobStep     int           `env:"JOB_STEP"`
}

// ParseBackend считывает конфигурацию стаб-бэкенда из флагов и переменных окружения.
func ParseBackend() (*BackendConfig, error) {
	cfg := &BackendConfig{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envCfg := *cfg

	flag.StringVar(&cfg.RunAddress, "a", defaultBackendAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.TokenSecret, "k", "", "access token signing secret")
	flag.DurationVar(&cfg.JobTick, "t", defaultJobTick, "job progression tick")
	flag.IntVar(&cfg.JobStep, "p", defaultJobStep, "job progress step per tick")

	flag.Parse()

	if envCfg.RunAddress != "" {
		cfg.RunAddress = envCfg.RunAddress
	}
	if envCfg.TokenSecret != "" {
		cfg.TokenSecret = envCfg.TokenSecret
	}
	if envCfg.JobTick > 0 {
		cfg.JobTick = envCfg.JobTick
	}
	if envCfg.JobStep > 0 {
		cfg.JobStep = envCfg.JobStep
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultBackendAddress
	}
	if cfg.JobTick <= 0 {
		cfg.JobTick = defaultJobTick
	}
	if cfg.JobStep <= 0 || cfg.JobStep > 100 {
		cfg.JobStep = defaultJobStep
	}

	return cfg, nil
}

func defaultSessionFile() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".raw2insight", "session.json")
	}
	return filepath.Join(home, ".raw2insight", "session.json")
}
