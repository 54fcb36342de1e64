package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aduggleby/octoporty-sub001/internal/bootstrap"
	"github.com/aduggleby/octoporty-sub001/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:           "octoporty",
		Short:         "Self-hosted reverse-proxy tunnel",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		&cobra.Command{
			Use:   "gateway",
			Short: "Run the public-facing gateway",
			RunE: func(cmd *cobra.Command, args []string) error {
				return bootstrap.RunGateway(signalContext())
			},
		},
		&cobra.Command{
			Use:   "agent",
			Short: "Run the private-network agent",
			RunE: func(cmd *cobra.Command, args []string) error {
				return bootstrap.RunAgent(signalContext())
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Printf("octoporty %s, built %s, %s\n",
					config.FullVersion(), config.BuildTime, config.GoVersion())
			},
		},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func signalContext() context.Context {
	ctx, _ := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	return ctx
}
