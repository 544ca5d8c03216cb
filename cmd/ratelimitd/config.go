package main

import (
	"fmt"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/toolink/ratelimit/limiter"
)

type config struct {
	HTTPAddr      string  `env:"HTTP_ADDR" envDefault:":8080"`
	GRPCAddr      string  `env:"GRPC_ADDR"` // gRPC health service, disabled when empty
	LogLevel      string  `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON       bool    `env:"LOG_JSON" envDefault:"false"`
	RulesFile     string  `env:"RULES_FILE"`
	Capacity      float64 `env:"RATE_CAPACITY" envDefault:"10"`
	WindowSeconds float64 `env:"RATE_WINDOW_SECONDS" envDefault:"60"`
	KeyPrefix     string  `env:"KEY_PREFIX" envDefault:"rate:"`
	FailurePolicy string  `env:"FAILURE_POLICY" envDefault:"fail_open"`

	policy limiter.FailurePolicy
	level  zerolog.Level
}

func loadConfig() (config, error) {
	_ = godotenv.Load()

	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, fmt.Errorf("parse environment: %w", err)
	}

	var err error
	if cfg.policy, err = limiter.ParseFailurePolicy(cfg.FailurePolicy); err != nil {
		return config{}, err
	}
	if cfg.level, err = zerolog.ParseLevel(cfg.LogLevel); err != nil {
		return config{}, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if cfg.RulesFile == "" {
		if err := (limiter.Config{Capacity: cfg.Capacity, WindowSeconds: cfg.WindowSeconds}).Validate(); err != nil {
			return config{}, fmt.Errorf("RATE_CAPACITY/RATE_WINDOW_SECONDS: %w", err)
		}
	}
	return cfg, nil
}
