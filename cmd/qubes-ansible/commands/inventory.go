package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

func newInventoryCommand() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "inventory",
		Short: "Generate an inventory file from the current qubes",
		Long: `Query qubesd for all qubes and write an INI inventory: dom0 and localhost
in a local group, every AppVM, TemplateVM and StandaloneVM in a class group
wired to the qubes connection.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			app := newAdminClient(cfg)
			domains, err := app.Domains()
			if err != nil {
				return fmt.Errorf("failed to list qubes: %w", err)
			}

			byClass := make(map[string][]string)
			for _, d := range domains {
				if d.Name == "dom0" {
					continue
				}
				byClass[d.Class] = append(byClass[d.Class], d.Name)
			}

			if err := inventory.Generate(output, byClass); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "inventory written to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "inventory", "output file path")

	return cmd
}
