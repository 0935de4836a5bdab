package config

import "errors"

var (
	ErrConfigNotFound       = errors.New("configuration file not found")
	ErrInvalidListen        = errors.New("invalid listen address")
	ErrInvalidRegistry      = errors.New("invalid registry address: want host:port")
	ErrInvalidAdvertise     = errors.New("invalid advertise address")
	ErrInvalidDNSServer     = errors.New("invalid dns server: want ip:port")
	ErrInvalidCircuitLength = errors.New("invalid circuit length: must be at least 2")
	ErrInvalidMaxBuffer     = errors.New("invalid max buffer: must be at least 4096 bytes")
	ErrInvalidInterval      = errors.New("invalid interval: timeouts and intervals must be positive")
	ErrNoIdentityFile       = errors.New("no identity file configured")
	ErrInvalidHost          = errors.New("invalid static host entry")
)
