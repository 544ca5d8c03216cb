package rules

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/toolink/ratelimit/limiter"
)

// Identity kinds a rule can limit by.
const (
	LimitByIP       = "ip"
	LimitByDeviceID = "device_id"
	LimitByUserID   = "user_id"
)

// Storage backends selectable from a rules file.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// ErrInvalidRules is returned when a rules file fails validation.
var ErrInvalidRules = errors.New("rules: invalid configuration")

var validLimitBy = map[string]bool{
	LimitByIP:       true,
	LimitByDeviceID: true,
	LimitByUserID:   true,
}

// Rule limits requests to one path (or path pattern).
type Rule struct {
	Path    string   `yaml:"path"`     // request path, a regex if IsRegex is true
	IsRegex bool     `yaml:"is_regex"` // treat Path as a regular expression
	Rate    float64  `yaml:"rate"`     // bucket capacity (tokens)
	Period  float64  `yaml:"period"`   // seconds to regenerate Rate tokens
	LimitBy []string `yaml:"limit_by"` // identity kinds, each gets its own bucket

	compiledRegex *regexp.Regexp
}

// Limits returns the token bucket limits of the rule.
func (r *Rule) Limits() limiter.Config {
	return limiter.Config{Capacity: r.Rate, WindowSeconds: r.Period}
}

// Matches reports whether requestPath falls under the rule.
func (r *Rule) Matches(requestPath string) bool {
	if r.IsRegex {
		return r.compiledRegex != nil && r.compiledRegex.MatchString(requestPath)
	}
	return r.Path == requestPath
}

// Config is the content of a rules file.
type Config struct {
	StorageType string `yaml:"storage_type"` // "memory" or "redis", default "redis"
	KeyPrefix   string `yaml:"key_prefix"`   // default limiter.DefaultKeyPrefix
	Rules       []Rule `yaml:"rules"`
}

// Parse decodes YAML rules and validates them. Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRules, err)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Load reads and parses the rules file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rules: read %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	log.Info().Str("path", path).Int("rules", len(cfg.Rules)).Str("storage_type", cfg.StorageType).Msg("rate limit rules loaded")
	return cfg, nil
}

// ValidateAndPrepare fills defaults, validates every rule and compiles regex paths.
func (c *Config) ValidateAndPrepare() error {
	if c.StorageType == "" {
		c.StorageType = StorageRedis
	}
	if c.StorageType != StorageMemory && c.StorageType != StorageRedis {
		return fmt.Errorf("%w: storage_type %q, must be %q or %q", ErrInvalidRules, c.StorageType, StorageMemory, StorageRedis)
	}
	if c.KeyPrefix == "" {
		c.KeyPrefix = limiter.DefaultKeyPrefix
	}

	if len(c.Rules) == 0 {
		log.Warn().Msg("no rate limit rules defined in config")
	}

	seenPaths := make(map[string]bool)
	for i := range c.Rules {
		rule := &c.Rules[i]

		if rule.Path == "" {
			return fmt.Errorf("%w: rule %d has an empty path", ErrInvalidRules, i)
		}
		if seenPaths[rule.Path] {
			return fmt.Errorf("%w: duplicate path %s", ErrInvalidRules, rule.Path)
		}
		seenPaths[rule.Path] = true

		if err := rule.Limits().Validate(); err != nil {
			return fmt.Errorf("%w: rule for path %s: %w", ErrInvalidRules, rule.Path, err)
		}

		if rule.IsRegex {
			re, err := regexp.Compile(rule.Path)
			if err != nil {
				return fmt.Errorf("%w: regex for path %s: %w", ErrInvalidRules, rule.Path, err)
			}
			rule.compiledRegex = re
		}

		if len(rule.LimitBy) == 0 {
			return fmt.Errorf("%w: rule for path %s must have at least one limit_by type", ErrInvalidRules, rule.Path)
		}
		for _, lb := range rule.LimitBy {
			if !validLimitBy[lb] {
				return fmt.Errorf("%w: rule for path %s has invalid limit_by type %q", ErrInvalidRules, rule.Path, lb)
			}
		}
	}
	return nil
}
