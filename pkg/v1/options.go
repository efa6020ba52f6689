package v1

import "github.com/rs/zerolog"

// Option configures a Client.
type Option func(*clientConfig)

type clientConfig struct {
	root      string
	logger    zerolog.Logger
	overrides *Config
}

// Config overrides project settings from twin-mind.yaml for this client
// only. Zero fields keep the file's value.
type Config struct {
	TopK            int
	MinRelevancy    float64
	DisableDedupe   bool
	DisableAdaptive bool
}

// WithRoot pins the client to a project root instead of resolving it from
// the working directory.
func WithRoot(path string) Option {
	return func(c *clientConfig) {
		c.root = path
	}
}

// WithLogger routes store diagnostics to logger. The default discards them.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *clientConfig) {
		c.logger = logger
	}
}

// WithConfig applies cfg on top of the project configuration.
func WithConfig(cfg Config) Option {
	return func(c *clientConfig) {
		c.overrides = &cfg
	}
}
