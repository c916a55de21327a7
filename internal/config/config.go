// Package config содержит логику чтения конфигурации сервиса studymate.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultRunAddress  = "localhost:8080"
	defaultLocalDBPath = "data/studymate.db"
)

// Costs задаёт стоимость платных функций в кредитах.
type Costs struct {
	Scan       int64 `env:"COST_SCAN" envDefault:"1"`
	Quiz       int64 `env:"COST_QUIZ" envDefault:"2"`
	Flashcards int64 `env:"COST_FLASHCARDS" envDefault:"2"`
	Note       int64 `env:"COST_NOTE" envDefault:"1"`
	Chat       int64 `env:"COST_CHAT" envDefault:"1"`
}

// Config содержит параметры конфигурации сервиса studymate.
type Config struct {
	RunAddress       string `env:"RUN_ADDRESS"`
	DatabaseURI      string `env:"DATABASE_URI"`
	LocalDBPath      string `env:"LOCAL_DB_PATH"`
	GeneratorAddress string `env:"GENERATOR_ADDRESS"`
	GeneratorKey     string `env:"GENERATOR_KEY"`
	AuthSecret       string `env:"AUTH_SECRET" envDefault:"studymate-secret"`

	CreditTimeout time.Duration `env:"CREDIT_TIMEOUT" envDefault:"8s"`
	SweepSchedule string        `env:"SWEEP_SCHEDULE" envDefault:"@every 1h"`
	SweepOnRead   bool          `env:"SWEEP_ON_READ"`

	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`

	Costs Costs
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envLocalDBPath := cfg.LocalDBPath
	envGeneratorAddress := cfg.GeneratorAddress

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "remote database URI")
	flag.StringVar(&cfg.LocalDBPath, "l", defaultLocalDBPath, "local device profile database path")
	flag.StringVar(&cfg.GeneratorAddress, "g", "", "content generation service address")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envLocalDBPath != "" {
		cfg.LocalDBPath = envLocalDBPath
	}
	if envGeneratorAddress != "" {
		cfg.GeneratorAddress = envGeneratorAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.LocalDBPath == "" {
		cfg.LocalDBPath = defaultLocalDBPath
	}
	if cfg.CreditTimeout <= 0 {
		return nil, fmt.Errorf("credit timeout must be positive, got %s", cfg.CreditTimeout)
	}

	return cfg, nil
}
