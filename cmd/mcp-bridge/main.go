// Command mcp-bridge serves a stdio MCP tool server to many clients over the
// streamable HTTP transport.
//
//	mcp-bridge --port 3000 -- node server.js
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/jmandel/JiraFhirUtils-sub001/internal/config"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := newCommand(run).Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "mcp-bridge: %v\n", err)
		os.Exit(1)
	}
}

// newCommand builds the CLI. Flags override the environment; action receives
// the merged, validated configuration.
func newCommand(action func(context.Context, config.Config) error) *cli.Command {
	return &cli.Command{
		Name:      "mcp-bridge",
		Usage:     "Expose a stdio MCP server over streamable HTTP",
		UsageText: "mcp-bridge [options] -- <command> [args...]",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "host", Usage: "Address to bind (BRIDGE_HOST)"},
			&cli.IntFlag{Name: "port", Aliases: []string{"p"}, Usage: "Port to listen on (PORT)"},
			&cli.StringFlag{Name: "path", Usage: "Endpoint path (BRIDGE_PATH)"},
			&cli.StringFlag{Name: "workdir", Usage: "Working directory of the tool server (BRIDGE_WORKDIR)"},
			&cli.BoolFlag{Name: "auto-restart", Usage: "Restart the tool server after a crash (BRIDGE_AUTO_RESTART)"},
			&cli.BoolFlag{Name: "watch", Usage: "Restart the tool server when its files change (BRIDGE_WATCH)"},
			&cli.DurationFlag{Name: "request-timeout", Usage: "Time a request may wait for its reply (BRIDGE_REQUEST_TIMEOUT)"},
			&cli.DurationFlag{Name: "sweep-interval", Usage: "How often expired requests are swept (BRIDGE_SWEEP_INTERVAL)"},
			&cli.DurationFlag{Name: "restart-delay", Usage: "Delay before restarting a crashed tool server (BRIDGE_RESTART_DELAY)"},
			&cli.DurationFlag{Name: "stop-grace", Usage: "Time between SIGTERM and SIGKILL on shutdown (BRIDGE_STOP_GRACE)"},
			&cli.StringFlag{Name: "replay-backend", Usage: "Push backlog backend: memory or redis (BRIDGE_REPLAY_BACKEND)"},
			&cli.IntFlag{Name: "replay-history", Usage: "Push messages retained per session (BRIDGE_REPLAY_HISTORY)"},
			&cli.StringFlag{Name: "redis-addr", Usage: "Redis address for the redis backend (REDIS_ADDR)"},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address (BRIDGE_METRICS_ADDR)"},
			&cli.StringFlag{Name: "log-level", Usage: "debug, info, warn or error (LOG_LEVEL)"},
			&cli.StringFlag{Name: "log-format", Usage: "dev, json or text (LOG_HANDLER)"},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := config.FromEnv()
			if err != nil {
				return err
			}
			applyFlags(cmd, &cfg)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return action(ctx, cfg)
		},
	}
}

func applyFlags(cmd *cli.Command, cfg *config.Config) {
	setString := func(name string, dst *string) {
		if cmd.IsSet(name) {
			*dst = cmd.String(name)
		}
	}
	setString("host", &cfg.Host)
	setString("path", &cfg.Path)
	setString("workdir", &cfg.Dir)
	setString("replay-backend", &cfg.ReplayBackend)
	setString("redis-addr", &cfg.RedisAddr)
	setString("metrics-addr", &cfg.MetricsAddr)
	setString("log-level", &cfg.LogLevel)
	setString("log-format", &cfg.LogFormat)

	if cmd.IsSet("port") {
		cfg.Port = int(cmd.Int("port"))
	}
	if cmd.IsSet("replay-history") {
		cfg.ReplayHistory = int(cmd.Int("replay-history"))
	}
	if cmd.IsSet("auto-restart") {
		cfg.AutoRestart = cmd.Bool("auto-restart")
	}
	if cmd.IsSet("watch") {
		cfg.Watch = cmd.Bool("watch")
	}

	for name, dst := range map[string]*time.Duration{
		"request-timeout": &cfg.RequestTimeout,
		"sweep-interval":  &cfg.SweepInterval,
		"restart-delay":   &cfg.RestartDelay,
		"stop-grace":      &cfg.StopGrace,
	} {
		if cmd.IsSet(name) {
			*dst = cmd.Duration(name)
		}
	}

	if args := cmd.Args().Slice(); len(args) > 0 {
		cfg.Args = args
	}
}
