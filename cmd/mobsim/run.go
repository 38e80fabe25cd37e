package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"mobsim.dev/mobsim"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Drive a federated run to a virtual horizon",
	Long:  "Sets up a broker in-process from the configured topology, runs it to --until and reports the outcome. Module endpoints come from the configuration file.",
	Args:  cobra.NoArgs,
	RunE:  run,
}

var runUntil float64

func init() {
	runCmd.Flags().Float64VarP(&runUntil, "until", "u", 1440, "virtual horizon in minutes")
	rootCmd.AddCommand(runCmd)
}

func run(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadEnvironment()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := mobsim.NewManager(log)
	if err := manager.Setup(ctx, cfg.Broker); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	if err := manager.Run(runUntil); err != nil {
		return err
	}

	waited := make(chan error, 1)
	go func() { waited <- manager.Wait() }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("interrupted")
	case err := <-waited:
		if err != nil {
			return err
		}
	}

	st := manager.Peek(ctx)
	if events, err := manager.Events(); err == nil {
		fmt.Printf("%d events recorded\n", len(events))
	}
	if err := manager.Finish(ctx); err != nil {
		return err
	}

	fmt.Printf("simulated to %g\n", runUntil)
	if !math.IsInf(st.Next, 1) {
		fmt.Printf("next pending instant %g\n", st.Next)
	}
	return nil
}
