package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/strct-org/strct-provision/internal/agent"
	"github.com/strct-org/strct-provision/internal/config"
)

// Overridden at build time with -ldflags "-X main.version=...".
var version = "0.1.0"

func main() {
	rootCmd := &cobra.Command{
		Use:   "provision-agent",
		Short: "WiFi provisioning agent with captive portal fallback",
		Long: "Joins the stored wireless network, and when that fails brings up a setup " +
			"access point with a captive portal where new credentials can be entered.",
		SilenceUsage: true,
		RunE:         runAgent,
	}
	rootCmd.PersistentFlags().Bool("dev", false, "Run in development mode (Mock hardware)")

	rootCmd.AddCommand(
		newCredentialsCmd(),
		newVersionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dev, err := cmd.Flags().GetBool("dev")
	if err != nil {
		return nil, fmt.Errorf("invalid dev flag: %w", err)
	}
	return config.Load(dev), nil
}

func runAgent(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if _, ok := os.LookupEnv("AGENT_VERSION"); !ok {
		cfg.AgentVersion = version
	}

	a, err := agent.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err = a.Run(ctx)
	if errors.Is(err, agent.ErrRestartRequired) {
		log.Println("Exiting for restart...")
		return nil
	}
	log.Println("Shutting down gracefully...")
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the agent version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("provision-agent %s\n", version)
		},
	}
}
