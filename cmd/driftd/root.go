package main

import (
	"fmt"
	"io"
	stdslog "log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/driftlabs/driftdb/pkg/logger"
	logslog "github.com/driftlabs/driftdb/pkg/logger/slog"
)

// newRootCmd builds the driftd command tree. Every flag can also be set
// through the environment (DRIFTD_DB, DRIFTD_ADDR, ...) or a config
// file; flags win over both.
func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "driftd",
		Short:         "Offline-first document sync daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			v.SetEnvPrefix("DRIFTD")
			v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
			v.AutomaticEnv()
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return fmt.Errorf("failed to bind flags: %w", err)
			}
			if cfg := v.GetString("config"); cfg != "" {
				v.SetConfigFile(cfg)
				if err := v.ReadInConfig(); err != nil {
					return fmt.Errorf("failed to read config file: %w", err)
				}
			}
			return nil
		},
	}

	cmd.PersistentFlags().String("config", "", "config file path")
	cmd.PersistentFlags().String("db", "drift.db", "database file path")
	cmd.PersistentFlags().String("log-file", "", "log to a rotated file instead of stderr")
	cmd.PersistentFlags().String("log-format", "json", "log format: json or text")

	cmd.AddCommand(newServeCmd(v))
	cmd.AddCommand(newSyncCmd(v))
	return cmd
}

// buildLogger returns the process logger: stderr by default, a
// size-rotated file when --log-file is set. --log-format picks zerolog
// JSON or slog text output.
func buildLogger(v *viper.Viper) (logger.Logger, error) {
	var w io.Writer = os.Stderr
	if path := v.GetString("log-file"); path != "" {
		w = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
	}

	switch format := v.GetString("log-format"); format {
	case "text":
		return logslog.New(stdslog.NewTextHandler(w, nil)), nil
	case "json", "":
		log, err := logger.New().FromBuffer(w).Make()
		if err != nil {
			return nil, fmt.Errorf("failed to build logger: %w", err)
		}
		return log, nil
	default:
		return nil, fmt.Errorf("unknown log format %q, expected json or text", format)
	}
}
