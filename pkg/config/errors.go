package config

import "errors"

var (
	ErrReadFile    = errors.New("config: failed to read config file")
	ErrParseFile   = errors.New("config: failed to parse config file")
	ErrMissingEnv  = errors.New("config: referenced environment variable is not set")
	ErrInvalidRole = errors.New("config: unknown node role")
)
