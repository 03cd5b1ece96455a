package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/module"
	"github.com/QubesOS/qubes-ansible/pkg/runner"
)

func newAdhocCommand() *cobra.Command {
	var (
		moduleName string
		moduleArgs string
	)

	cmd := &cobra.Command{
		Use:   "adhoc <pattern>",
		Short: "Run a single module against matching hosts",
		Example: `  qubes-ansible adhoc -i inventory -m ping all
  qubes-ansible adhoc -i inventory -m command -a "uptime" appvms
  qubes-ansible adhoc -m qubesos -a "guest=work state=running" localhost`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			inv := inventory.NewManager()
			if err := inv.Load(cfg.Inventory); err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}

			exec := module.NewAdminExecutor(newAdminClient(cfg))
			adhoc := runner.NewAdhocRunner(inv, exec)

			results, err := adhoc.Run(args[0], moduleName, parseModuleArgs(moduleArgs))
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), runner.FormatResults(results))

			if runner.HasFailure(results) {
				return fmt.Errorf("some hosts failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&moduleName, "module", "m", "ping", "module to execute")
	cmd.Flags().StringVarP(&moduleArgs, "args", "a", "", "module arguments as key=value pairs or a raw command")

	return cmd
}

// parseModuleArgs parses the -a string: key=value pairs with quote support,
// or a bare string that becomes _raw_params.
func parseModuleArgs(argsStr string) map[string]interface{} {
	args := make(map[string]interface{})
	if argsStr == "" {
		return args
	}
	if !strings.Contains(argsStr, "=") {
		args["_raw_params"] = argsStr
		return args
	}

	var (
		key     strings.Builder
		value   strings.Builder
		current = &key
		quote   byte
	)
	flush := func() {
		if key.Len() > 0 {
			args[key.String()] = value.String()
		}
		key.Reset()
		value.Reset()
		current = &key
	}
	for i := 0; i < len(argsStr); i++ {
		c := argsStr[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			} else {
				current.WriteByte(c)
			}
		case c == '\'' || c == '"':
			quote = c
		case c == '=' && current == &key:
			current = &value
		case c == ' ' && quote == 0:
			flush()
		default:
			current.WriteByte(c)
		}
	}
	flush()
	return args
}
