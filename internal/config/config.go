// Package config loads bridge settings from the environment. Command-line
// flags in cmd/mcp-bridge are layered on top of the values loaded here.
package config

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/joeshaw/envdecode"
)

// Replay backends.
const (
	ReplayMemory = "memory"
	ReplayRedis  = "redis"
)

// Config for the bridge. Defaults are provided via envdecode struct tags.
type Config struct {
	// Host to bind. ENV: BRIDGE_HOST
	Host string `env:"BRIDGE_HOST,default=127.0.0.1"`
	// Port to listen on. ENV: PORT
	Port int `env:"PORT,default=3000"`
	// Path of the single bridge endpoint. ENV: BRIDGE_PATH
	Path string `env:"BRIDGE_PATH,default=/mcp"`

	// Command line of the tool server, split on whitespace. ENV: BRIDGE_COMMAND
	Command string `env:"BRIDGE_COMMAND"`
	// Args is an explicit argument vector that takes precedence over Command.
	Args []string
	// Working directory of the tool server. ENV: BRIDGE_WORKDIR
	Dir string `env:"BRIDGE_WORKDIR"`
	// AutoRestart restarts the tool server after an abnormal exit. ENV: BRIDGE_AUTO_RESTART
	AutoRestart bool `env:"BRIDGE_AUTO_RESTART,default=true"`
	// Watch restarts the tool server when its executable changes. ENV: BRIDGE_WATCH
	Watch bool `env:"BRIDGE_WATCH,default=false"`

	RequestTimeout time.Duration `env:"BRIDGE_REQUEST_TIMEOUT,default=30s"`
	SweepInterval  time.Duration `env:"BRIDGE_SWEEP_INTERVAL,default=10s"`
	RestartDelay   time.Duration `env:"BRIDGE_RESTART_DELAY,default=1s"`
	StopGrace      time.Duration `env:"BRIDGE_STOP_GRACE,default=5s"`

	// ReplayBackend is memory or redis. ENV: BRIDGE_REPLAY_BACKEND
	ReplayBackend string `env:"BRIDGE_REPLAY_BACKEND,default=memory"`
	// ReplayHistory bounds the per-session push backlog. ENV: BRIDGE_REPLAY_HISTORY
	ReplayHistory int `env:"BRIDGE_REPLAY_HISTORY,default=256"`
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// RedisKeyPrefix for replay streams. ENV: BRIDGE_REDIS_PREFIX
	RedisKeyPrefix string `env:"BRIDGE_REDIS_PREFIX,default=mcp:bridge:"`

	// MetricsAddr enables the Prometheus listener when set. ENV: BRIDGE_METRICS_ADDR
	MetricsAddr string `env:"BRIDGE_METRICS_ADDR"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_HANDLER,default=dev"`
}

// FromEnv decodes a Config from the process environment.
func FromEnv() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("decode environment: %w", err)
	}
	return cfg, nil
}

// Addr is the listen address for the bridge endpoint.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// Argv returns the tool server program and arguments.
func (c Config) Argv() []string {
	if len(c.Args) > 0 {
		return c.Args
	}
	return strings.Fields(c.Command)
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var result *multierror.Error
	if len(c.Argv()) == 0 {
		result = multierror.Append(result, errors.New("no tool server command configured"))
	}
	if c.Port < 0 || c.Port > 65535 {
		result = multierror.Append(result, fmt.Errorf("port %d out of range", c.Port))
	}
	if !strings.HasPrefix(c.Path, "/") {
		result = multierror.Append(result, fmt.Errorf("path %q must start with /", c.Path))
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"request timeout", c.RequestTimeout},
		{"sweep interval", c.SweepInterval},
		{"restart delay", c.RestartDelay},
		{"stop grace", c.StopGrace},
	} {
		if d.val <= 0 {
			result = multierror.Append(result, fmt.Errorf("%s must be positive, got %s", d.name, d.val))
		}
	}
	switch c.ReplayBackend {
	case ReplayMemory, ReplayRedis:
	default:
		result = multierror.Append(result, fmt.Errorf("unknown replay backend %q", c.ReplayBackend))
	}
	if c.ReplayHistory < 0 {
		result = multierror.Append(result, fmt.Errorf("replay history must not be negative, got %d", c.ReplayHistory))
	}
	return result.ErrorOrNil()
}
