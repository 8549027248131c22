// Command chatdev runs the in-memory development chat server.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/bridge"
	"github.com/orchestra-mcp/chatsync/src/devserver"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "chatdev:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		addr       string
		relay      bool
		debug      bool
	)
	cmd := &cobra.Command{
		Use:           "chatdev",
		Short:         "Run the development chat server",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadDevServer(configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Addr = addr
			}

			level := zerolog.InfoLevel
			if debug {
				level = zerolog.DebugLevel
			}
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
				Level(level).
				With().Timestamp().Str("app", "chatdev").Logger()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, relay, logger)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "TOML config file")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address")
	cmd.Flags().BoolVar(&relay, "redis", false, "relay events to other instances through Redis (CHATSYNC_REDIS_*)")
	cmd.Flags().BoolVar(&debug, "debug", false, "debug logging")
	return cmd
}

func run(ctx context.Context, cfg *config.DevServerConfig, relay bool, logger zerolog.Logger) error {
	srv := devserver.New(cfg, logger)

	if relay {
		rcfg := bridge.RedisConfigFromEnv()
		rb := bridge.NewRedisBridge(rcfg, srv, logger)
		if err := rb.Start(); err != nil {
			logger.Warn().Err(err).Msg("redis bridge unavailable, running standalone")
		} else {
			srv.SetRelay(rb)
			defer func() {
				if err := rb.Stop(); err != nil {
					logger.Error().Err(err).Msg("bridge stop error")
				}
			}()
			logger.Info().Str("redis_addr", rcfg.Addr).Msg("redis bridge connected")
		}
	}

	if err := srv.Start(); err != nil {
		return err
	}
	for token, u := range cfg.Users {
		logger.Info().Int64("user_id", u.ID).Str("name", u.Name).Str("token", token).Msg("account")
	}

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	return srv.Stop()
}
