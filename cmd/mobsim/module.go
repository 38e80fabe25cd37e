package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mobsim.dev/mobsim"
	"mobsim.dev/mobsim/config"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/internal/observability"
	"mobsim.dev/mobsim/ondemand"
	"mobsim.dev/mobsim/planner"
	"mobsim.dev/mobsim/scenario"
	"mobsim.dev/mobsim/scheduled"
	"mobsim.dev/mobsim/server"
	"mobsim.dev/mobsim/useragent"
	"mobsim.dev/mobsim/walking"
)

var (
	moduleName   string
	settingsPath string
)

func init() {
	for _, cmd := range []*cobra.Command{
		moduleCommand("scenario", "Serve the scenario replay module", func(name string, log logging.Logger) mobsim.Module {
			return scenario.New(name, log)
		}),
		moduleCommand("useragent", "Serve the user agent module", func(name string, log logging.Logger) mobsim.Module {
			return useragent.New(name, log)
		}),
		moduleCommand("ondemand", "Serve the on-demand ride pooling module", func(name string, log logging.Logger) mobsim.Module {
			return ondemand.New(name, log)
		}),
		moduleCommand("scheduled", "Serve the scheduled transit module", func(name string, log logging.Logger) mobsim.Module {
			return scheduled.New(name, log)
		}),
		moduleCommand("walking", "Serve the walking module", func(name string, log logging.Logger) mobsim.Module {
			return walking.New(name, log)
		}),
		moduleCommand("planner", "Serve the route planner module", func(name string, log logging.Logger) mobsim.Module {
			return planner.NewModule(name, log)
		}),
	} {
		rootCmd.AddCommand(cmd)
	}
}

// moduleCommand builds a serve command for one simulator module.
func moduleCommand(use, short string, build func(name string, log logging.Logger) mobsim.Module) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadEnvironment()
			if err != nil {
				return err
			}
			name := moduleName
			if name == "" {
				name = use
			}
			return serveModule(cfg, log, build(name, log))
		},
	}
	cmd.Flags().StringVarP(&moduleName, "name", "n", "", "module name in the topology (defaults to the command name)")
	cmd.Flags().StringVarP(&settingsPath, "settings", "s", "", "JSON settings applied at startup instead of a broker /setup call")
	return cmd
}

// serveModule exposes mod over HTTP until the process is interrupted.
func serveModule(cfg *config.Config, log logging.Logger, mod mobsim.Module) error {
	if settingsPath != "" {
		raw, err := os.ReadFile(settingsPath)
		if err != nil {
			return fmt.Errorf("reading settings: %w", err)
		}
		if err := mod.Setup(raw); err != nil {
			return fmt.Errorf("applying settings: %w", err)
		}
	}

	collector, err := observability.NewModuleCollector(mod.Name(), nil)
	if err != nil {
		return err
	}

	ms := server.NewModuleServer(mod, log)
	ms.Metrics = collector
	ms.MetricsHandler = collector.Handler()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(cfg.Server, ms.Router(), log).Run(ctx)
}
