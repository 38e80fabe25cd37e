package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mobsim.dev/mobsim"
	"mobsim.dev/mobsim/internal/logging"
	"mobsim.dev/mobsim/internal/observability"
	"mobsim.dev/mobsim/server"
)

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Serve the coordinating broker",
	Long:  "Serves the broker HTTP API. When the configuration carries a module topology the broker sets itself up at startup; otherwise it waits for POST /setup.",
	Args:  cobra.NoArgs,
	RunE:  broker,
}

func init() {
	rootCmd.AddCommand(brokerCmd)
}

func broker(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}

	collector, err := observability.NewBrokerCollector(nil)
	if err != nil {
		return err
	}
	requests, err := observability.NewModuleCollector("broker", nil)
	if err != nil {
		return err
	}

	manager := mobsim.NewManager(log)
	manager.Metrics = collector

	if len(cfg.Broker.Modules) > 0 {
		if err := manager.Setup(context.Background(), cfg.Broker); err != nil {
			return err
		}
		log.Info(context.Background(), "topology configured",
			logging.Int("modules", len(cfg.Broker.Modules)))
	}

	bs := server.NewBrokerServer(manager, log)
	bs.Requests = requests
	bs.MetricsHandler = collector.Handler()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return server.New(cfg.Server, bs.Router(), log).Run(ctx)
}
