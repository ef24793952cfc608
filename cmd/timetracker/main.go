package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/billing"
	"github.com/Proximate-Company/DRYTRIX-TimeTracker-sub000/internal/logging"
)

// Version information (set at build time with -ldflags)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var rootCmd = &cobra.Command{
	Use:     "timetracker-billing",
	Short:   "TimeTracker billing synchronization service",
	Long:    `Synchronizes tenant subscriptions, seats, and promo codes with the payment provider and serves the billing API.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("timetracker-billing %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	logging.Init(logging.Config{
		Format:    os.Getenv("BILLING_LOG_FORMAT"),
		Level:     os.Getenv("BILLING_LOG_LEVEL"),
		Component: "billing",
	})

	cfg, err := billing.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	srv, err := billing.NewServer(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize billing service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", Version).Msg("Starting billing service")
	if err := srv.Run(ctx); err != nil {
		log.Fatal().Err(err).Msg("Billing service failed")
	}
	log.Info().Msg("Billing service stopped")
}
