package main

import (
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/orchestra-mcp/chatsync/config"
	"github.com/orchestra-mcp/chatsync/src/service"
	"github.com/orchestra-mcp/chatsync/src/ui"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	wsURL      string
	apiURL     string
	token      string
	userID     int64
	logLevel   string
	logFile    string
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "chatsync",
		Short:         "Terminal chat client with live sync",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := f.load(cmd)
			if err != nil {
				return err
			}
			logger, closeLog, err := fileLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer closeLog()
			return runTUI(cfg, logger)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "chatsync.toml", "config file")
	pf.StringVar(&f.wsURL, "ws-url", "", "WebSocket endpoint")
	pf.StringVar(&f.apiURL, "api-url", "", "REST API base URL")
	pf.StringVar(&f.token, "token", "", "session token")
	pf.Int64Var(&f.userID, "user", 0, "signed-in user id")
	pf.StringVar(&f.logLevel, "log-level", "", "log level")
	pf.StringVar(&f.logFile, "log-file", "", "log file for the terminal UI")

	cmd.AddCommand(newFollowCmd(f), newChatsCmd(f))
	return cmd
}

// load resolves configuration: file, then environment, then flags.
func (f *rootFlags) load(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()

	flags := cmd.Flags()
	if flags.Changed("ws-url") {
		cfg.Server.WSURL = f.wsURL
	}
	if flags.Changed("api-url") {
		cfg.Server.APIURL = f.apiURL
	}
	if flags.Changed("token") {
		cfg.Session.Token = f.token
	}
	if flags.Changed("user") {
		cfg.Session.UserID = f.userID
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if flags.Changed("log-file") {
		cfg.Log.File = f.logFile
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func runTUI(cfg *config.Config, logger zerolog.Logger) error {
	sess, err := service.NewSession(cfg, nil, nil, logger)
	if err != nil {
		return err
	}
	defer sess.Close()

	p := tea.NewProgram(ui.New(sess, os.Stdout), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

// fileLogger logs to cfg.File so the alternate screen stays clean. An
// empty file name discards logs.
func fileLogger(cfg config.LogConfig) (zerolog.Logger, func(), error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	if cfg.File == "" {
		return zerolog.Nop(), func() {}, nil
	}
	file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return zerolog.Nop(), nil, fmt.Errorf("open log file: %w", err)
	}
	return newLogger(file, level), func() { file.Close() }, nil
}

func stderrLogger(cfg config.LogConfig) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("log level %q: %w", cfg.Level, err)
	}
	return newLogger(zerolog.ConsoleWriter{Out: os.Stderr}, level), nil
}

func newLogger(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).Level(level).With().Timestamp().Str("app", "chatsync").Logger()
}
