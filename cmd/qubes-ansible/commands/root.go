// Package commands wires the qubes-ansible CLI together.
package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/QubesOS/qubes-ansible/pkg/config"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

var (
	configPath    string
	inventoryPath string
	verbosity     int
)

// Execute runs the root command.
func Execute(version string) error {
	return newRootCommand(version).Execute()
}

func newRootCommand(version string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "qubes-ansible",
		Short: "Ansible-style automation for QubesOS",
		Long: `qubes-ansible manages qubes from dom0: declarative VM lifecycle through
the Admin API, ad-hoc module runs, and playbooks whose qubes-connection
plays are delegated to per-target management disposables.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultPath, "config file path")
	rootCmd.PersistentFlags().StringVarP(&inventoryPath, "inventory", "i", "", "inventory file path")
	rootCmd.PersistentFlags().CountVarP(&verbosity, "verbose", "v", "increase verbosity (-vvv for connection debugging)")

	rootCmd.AddCommand(newVMCommand())
	rootCmd.AddCommand(newAdhocCommand())
	rootCmd.AddCommand(newPlaybookCommand())
	rootCmd.AddCommand(newInventoryCommand())

	return rootCmd
}

// loadConfig reads the config file and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if inventoryPath != "" {
		cfg.Inventory = inventoryPath
	}
	if verbosity > cfg.Verbosity {
		cfg.Verbosity = verbosity
	}
	return cfg, nil
}

func newAdminClient(cfg *config.Config) *qubesadmin.Client {
	var opts []qubesadmin.Option
	if cfg.SocketPath != "" {
		opts = append(opts, qubesadmin.WithSocketPath(cfg.SocketPath))
	}
	if cfg.Timeout.Std() > 0 {
		opts = append(opts, qubesadmin.WithTimeout(cfg.Timeout.Std()))
	}
	return qubesadmin.NewClient(opts...)
}

func newDisplay(cfg *config.Config) *logger.Display {
	return logger.NewDisplay(cfg.Verbosity)
}
