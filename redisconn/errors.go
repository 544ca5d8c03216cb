package redisconn

import "errors"

var (
	ErrInvalidConfig      = errors.New("redisconn: invalid configuration")
	ErrEmptyConnectionURL = errors.New("redisconn: empty connection URL")
	ErrFailedToParseURL   = errors.New("redisconn: failed to parse connection URL")
	ErrNotReady           = errors.New("redisconn: redis did not become ready in time")
	ErrHealthcheckFailed  = errors.New("redisconn: healthcheck failed")
)
