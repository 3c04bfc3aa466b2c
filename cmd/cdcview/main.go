package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/cobra"
)

// rootOptions holds global flags for all commands.
type rootOptions struct {
	ConfigPath string
	ExpandEnv  bool
	LogLevel   string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:          "cdcview",
		Short:        "Incrementally maintained two-table join views over CDC feeds",
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "config.yaml", "path to configuration file")
	cmd.PersistentFlags().BoolVar(&opts.ExpandEnv, "config.expand-env", false, "expand ${VAR} references in the config file")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error), overrides the config file")

	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newPlanCommand(opts))
	return cmd
}

func (o *rootOptions) load() (*Config, log.Logger, error) {
	cfg, err := LoadConfig(o.ConfigPath, o.ExpandEnv)
	if err != nil {
		return nil, nil, err
	}
	lvl := cfg.LogLevel
	if o.LogLevel != "" {
		lvl = o.LogLevel
	}
	logger, err := newLogger(lvl)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

func newLogger(lvl string) (log.Logger, error) {
	var allow level.Option
	switch strings.ToLower(lvl) {
	case "debug":
		allow = level.AllowDebug()
	case "", "info":
		allow = level.AllowInfo()
	case "warn", "warning":
		allow = level.AllowWarn()
	case "error":
		allow = level.AllowError()
	default:
		return nil, fmt.Errorf("invalid log level %q", lvl)
	}
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	logger = level.NewFilter(logger, allow)
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller), nil
}

func newRunCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Maintain the configured view until the feed ends or a signal arrives",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, logger, os.Stdout)
		},
	}
}

func newPlanCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Resolve the configured query against the key catalog and print the join plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load()
			if err != nil {
				return err
			}
			plan, err := resolvePlan(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "root:    %s key=%s\n", plan.Root.Table, strings.Join(plan.Root.KeyColumns, ","))
			fmt.Fprintf(out, "foreign: %s key=%s join=%s\n", plan.Foreign.Table, strings.Join(plan.Foreign.KeyColumns, ","), plan.Foreign.JoinColumn)
			if plan.Columns == nil {
				fmt.Fprintln(out, "columns: *")
			} else {
				fmt.Fprintf(out, "columns: %s\n", strings.Join(plan.Columns, ", "))
			}
			if plan.Filter != nil {
				fmt.Fprintf(out, "filter:  %s %s %v\n", plan.Filter.Column.Qualified(), plan.Filter.Op, plan.Filter.Value)
			}
			fmt.Fprintf(out, "keys:    %s\n", strings.Join(plan.KeyColumns(), ", "))
			warnings := append([]string(nil), plan.Warnings...)
			sort.Strings(warnings)
			for _, w := range warnings {
				fmt.Fprintf(out, "warning: %s\n", w)
			}
			return nil
		},
	}
}
