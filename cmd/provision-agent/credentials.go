package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/strct-org/strct-provision/internal/credentials"
	"github.com/strct-org/strct-provision/internal/terminal"
)

func newCredentialsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Inspect or change the stored WiFi credentials",
	}
	cmd.AddCommand(
		newCredentialsShowCmd(),
		newCredentialsSetCmd(),
		newCredentialsResetCmd(),
	)
	return cmd
}

func openStore(cmd *cobra.Command) (*credentials.Store, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	return credentials.Open(cfg.DataDir)
}

func newCredentialsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored network (password masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			c, err := store.Get()
			if err != nil {
				return err
			}
			if !c.Provisioned() {
				fmt.Println("Not provisioned")
				return nil
			}
			fmt.Printf("SSID:     %s\n", c.SSID)
			fmt.Printf("Password: %s\n", mask(string(c.Password)))
			return nil
		},
	}
}

func newCredentialsSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Store a network to join on next start",
		RunE:  runCredentialsSet,
	}
	cmd.Flags().String("ssid", "", "Network name (required)")
	cmd.Flags().String("password", "", "Network password (prompted when omitted)")
	cmd.MarkFlagRequired("ssid")
	return cmd
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	ssid, err := cmd.Flags().GetString("ssid")
	if err != nil {
		return fmt.Errorf("invalid ssid flag: %w", err)
	}
	if ssid == "" {
		return fmt.Errorf("ssid must not be empty")
	}

	var password string
	if cmd.Flags().Changed("password") {
		if password, err = cmd.Flags().GetString("password"); err != nil {
			return fmt.Errorf("invalid password flag: %w", err)
		}
	} else {
		password, err = terminal.ReadSecret("WiFi password (empty for an open network): ")
		if err != nil {
			return fmt.Errorf("password error: %w", err)
		}
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	if err := store.Set(ssid, password); err != nil {
		return err
	}

	c, err := store.Get()
	if err != nil {
		return err
	}
	if string(c.SSID) != ssid {
		fmt.Printf("Note: SSID truncated to %d bytes: %s\n", credentials.MaxSSIDLen, c.SSID)
	}
	if string(c.Password) != password {
		fmt.Printf("Note: password truncated to %d bytes\n", credentials.MaxPasswordLen)
	}
	fmt.Printf("Saved credentials for %s\n", c.SSID)
	return nil
}

func newCredentialsResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Erase all provisioning data",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd)
			if err != nil {
				return err
			}
			if err := store.Reset(); err != nil {
				return err
			}
			fmt.Println("Provisioning data erased; the setup network comes up on next start")
			return nil
		},
	}
}

func mask(password string) string {
	if password == "" {
		return "(none, open network)"
	}
	return strings.Repeat("*", len(password))
}
