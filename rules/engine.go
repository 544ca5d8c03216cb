package rules

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/toolink/ratelimit/limiter"
)

// Extractor returns the caller's identity of the given kind (see LimitBy*),
// or "" when the request does not carry one.
type Extractor func(limitBy string) string

// Engine applies a rule set, one limiter per (rule, identity kind) pair.
type Engine struct {
	config *Config
	rules  []compiledRule
}

type compiledRule struct {
	rule     *Rule
	limiters map[string]*limiter.Limiter // keyed by limit_by type
}

// NewEngine builds limiters for every rule in cfg over the shared store.
// opts are applied to every limiter (clock, observer, ttl...).
func NewEngine(cfg *Config, store limiter.Store, opts ...limiter.Option) (*Engine, error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: nil config", ErrInvalidRules)
	}
	if err := cfg.ValidateAndPrepare(); err != nil {
		return nil, err
	}

	e := &Engine{config: cfg, rules: make([]compiledRule, 0, len(cfg.Rules))}
	for i := range cfg.Rules {
		rule := &cfg.Rules[i]
		cr := compiledRule{rule: rule, limiters: make(map[string]*limiter.Limiter, len(rule.LimitBy))}
		for _, lb := range rule.LimitBy {
			ruleOpts := append(append([]limiter.Option(nil), opts...),
				limiter.WithKeyPrefix(keyPrefix(cfg.KeyPrefix, rule, lb)),
				limiter.WithName(rule.Path+"|"+lb),
			)
			l, err := limiter.New(store, rule.Limits(), ruleOpts...)
			if err != nil {
				return nil, fmt.Errorf("rules: limiter for path %s by %s: %w", rule.Path, lb, err)
			}
			cr.limiters[lb] = l
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Init initializes every limiter of the engine.
func (e *Engine) Init(ctx context.Context) error {
	var errs []error
	for _, cr := range e.rules {
		for _, lb := range cr.rule.LimitBy {
			if err := cr.limiters[lb].Init(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Allow checks the request against every rule matching path.
// It returns false as soon as one identity exceeds its limit and propagates
// store errors to the caller, which applies its own failure policy.
func (e *Engine) Allow(ctx context.Context, path string, extract Extractor) (bool, error) {
	for _, cr := range e.rules {
		if !cr.rule.Matches(path) {
			continue
		}
		log.Debug().Str("path", path).Str("rule_path", cr.rule.Path).Msg("matched rule")

		allowed, err := e.applyRule(ctx, cr, extract)
		if err != nil {
			log.Error().Err(err).Str("path", path).Str("rule_path", cr.rule.Path).Msg("rate limit check failed")
			return false, err
		}
		if !allowed {
			log.Warn().Str("path", path).Str("rule_path", cr.rule.Path).Msg("rate limit triggered for rule")
			return false, nil
		}
	}
	return true, nil
}

// Config returns the rule set the engine was built from.
func (e *Engine) Config() *Config {
	return e.config
}

// applyRule checks every identity kind of the rule.
func (e *Engine) applyRule(ctx context.Context, cr compiledRule, extract Extractor) (bool, error) {
	for _, lb := range cr.rule.LimitBy {
		value := extract(lb)
		if value == "" {
			// request carries no identifier of this kind (e.g. anonymous user)
			log.Debug().Str("rule_path", cr.rule.Path).Str("limit_by", lb).Msg("identifier value missing, skipping this limit type")
			continue
		}

		allowed, err := cr.limiters[lb].IsAllowed(ctx, value)
		if err != nil {
			return false, fmt.Errorf("rules: path %s by %s: %w", cr.rule.Path, lb, err)
		}
		if !allowed {
			log.Warn().Str("limit_by", lb).Str("value", value).Str("rule_path", cr.rule.Path).
				Float64("rate", cr.rule.Rate).Float64("period", cr.rule.Period).Msg("rate limit exceeded for identifier")
			return false, nil
		}
	}
	return true, nil
}

// keyPrefix makes bucket keys unique per rule and identity kind.
// Format: <prefix>rule:<path>|by:<limitBy>|val:<identity>
func keyPrefix(prefix string, rule *Rule, limitBy string) string {
	return fmt.Sprintf("%srule:%s|by:%s|val:", prefix, rule.Path, limitBy)
}
