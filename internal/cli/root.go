// Package cli implements the tracknet command line.
package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tracklab/tracknet/internal/conf"
	"github.com/tracklab/tracknet/internal/logger"
	"github.com/tracklab/tracknet/internal/observability"
)

// skipSettings marks commands that run without loading the configuration.
const skipSettings = "tracknet/skip-settings"

// app is the state shared by every subcommand of one invocation.
type app struct {
	v        *viper.Viper
	bindings map[*cobra.Command]map[string]string
	cfgFile  string
	settings *conf.Settings
	metrics  *observability.Metrics
	endpoint *observability.Endpoint
}

// NewRootCommand builds the tracknet command tree.
func NewRootCommand() *cobra.Command {
	a := &app{v: conf.New(), bindings: map[*cobra.Command]map[string]string{}}

	rootCmd := &cobra.Command{
		Use:   "tracknet",
		Short: "Train and run animal track classifiers",
		Long: `tracknet trains attention-augmented CNN classifiers on photographs of
animal footprints, scores them on a held-out test set, and labels new
photos with a species and a confidence.`,
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.teardown()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default is ./"+conf.DefaultFile+")")
	flags.String("log-level", conf.DefaultLogLvl, "log level: debug, info, warn or error")
	flags.String("log-format", conf.DefaultLogFmt, "log format: text or json")
	flags.String("metrics-addr", "", "serve prometheus metrics on this address, e.g. :9108")
	a.bind(rootCmd, map[string]string{
		"log.level":    "log-level",
		"log.format":   "log-format",
		"metrics.addr": "metrics-addr",
	})

	rootCmd.AddCommand(
		a.trainCommand(),
		a.evaluateCommand(),
		a.predictCommand(),
		a.inspectCommand(),
		a.convertCommand(),
		a.configCommand(),
	)
	return rootCmd
}

// Execute runs the command line with ctx.
func Execute(ctx context.Context) error {
	return NewRootCommand().ExecuteContext(ctx)
}

// bind records config keys backed by flags of cmd. Several commands share
// keys, so only the running command's flags are bound, in setup.
func (a *app) bind(cmd *cobra.Command, keys map[string]string) {
	a.bindings[cmd] = keys
}

// applyBindings makes flags given on the command line take precedence over
// the file and the environment.
func (a *app) applyBindings(cmd *cobra.Command) error {
	for c := cmd; c != nil; c = c.Parent() {
		for key, name := range a.bindings[c] {
			f := c.Flags().Lookup(name)
			if f == nil {
				f = c.PersistentFlags().Lookup(name)
			}
			if f == nil {
				return fmt.Errorf("no flag %q for config key %q", name, key)
			}
			if err := a.v.BindPFlag(key, f); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *app) setup(cmd *cobra.Command, args []string) error {
	if cmd.Annotations[skipSettings] != "" {
		return nil
	}
	if err := a.applyBindings(cmd); err != nil {
		return err
	}
	if err := conf.ReadFile(a.v, a.cfgFile); err != nil {
		return err
	}
	s, err := conf.Decode(a.v)
	if err != nil {
		return err
	}
	a.settings = s
	if err := logger.Init(s.Log.Level, s.Log.Format); err != nil {
		return err
	}

	if a.metrics, err = observability.NewMetrics(); err != nil {
		return err
	}
	if s.Metrics.Addr != "" {
		if a.endpoint, err = observability.StartEndpoint(s.Metrics.Addr, a.metrics); err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
	}
	return nil
}

func (a *app) teardown() error {
	if a.endpoint == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := a.endpoint.Shutdown(ctx)
	a.endpoint = nil
	return err
}
