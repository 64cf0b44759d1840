package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"payflow/internal/app"
	"payflow/internal/config"
)

var Version = "dev"

func main() {
	var configPath string
	rootCmd := &cobra.Command{
		Use:           "consumers",
		Short:         "Queue consumers for the payment saga",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	rootCmd.AddCommand(runCmd(&configPath))
	rootCmd.AddCommand(dlqCmd(&configPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func open(ctx context.Context, configPath string) (*app.App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return app.New(ctx, cfg)
}

func runCmd(configPath *string) *cobra.Command {
	var stage string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll the stage queues until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := open(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			a.Logger.Info("consumers started", "stage", stage, "workers", a.Config.Consumers.Workers)
			err = a.RunConsumers(ctx, stage)
			a.Logger.Info("consumers stopped")
			return err
		},
	}
	cmd.Flags().StringVar(&stage, "stage", app.StageAll, "stage to run: executor, settlement or all")
	return cmd
}

func dlqCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and redrive dead-lettered messages",
	}

	var queue string
	list := &cobra.Command{
		Use:   "list",
		Short: "Print pending dead letters as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			enc := json.NewEncoder(cmd.OutOrStdout())
			for _, dl := range a.Recovery.List(cmd.Context(), queue) {
				if err := enc.Encode(dl); err != nil {
					return err
				}
			}
			return nil
		},
	}
	redrive := &cobra.Command{
		Use:   "redrive",
		Short: "Send pending dead letters back to their queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := open(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			n, err := a.Recovery.Redrive(cmd.Context(), a.Queue, queue)
			fmt.Fprintf(cmd.OutOrStdout(), "redriven: %d\n", n)
			return err
		},
	}
	for _, c := range []*cobra.Command{list, redrive} {
		c.Flags().StringVar(&queue, "queue", "", "only this queue (default all)")
		cmd.AddCommand(c)
	}
	return cmd
}
