package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/QubesOS/qubes-ansible/pkg/vm"
)

func newVMCommand() *cobra.Command {
	var (
		paramsFile string
		state      string
		command    string
		label      string
		vmType     string
		template   string
		notes      string
		wait       bool
		properties []string
		features   []string
		tags       []string
	)

	cmd := &cobra.Command{
		Use:   "vm [name]",
		Short: "Declarative VM lifecycle through the Admin API",
		Long: `Apply a desired VM state or run a one-shot lifecycle command, the way the
qubesos playbook module does. Parameters come from flags or from a YAML
file with the module's argument layout.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			var params vm.Params
			if paramsFile != "" {
				data, err := os.ReadFile(paramsFile)
				if err != nil {
					return fmt.Errorf("failed to read params file: %w", err)
				}
				if err := yaml.Unmarshal(data, &params); err != nil {
					return fmt.Errorf("invalid params file: %w", err)
				}
			}

			if len(args) > 0 {
				params.Name = args[0]
			}
			if state != "" {
				params.State = state
			}
			if command != "" {
				params.Command = command
			}
			if label != "" {
				params.Label = label
			}
			if vmType != "" {
				params.VMType = vmType
			}
			if template != "" {
				params.Template = template
			}
			if notes != "" {
				params.Notes = notes
			}
			if wait {
				params.Wait = true
			}
			if len(tags) > 0 {
				params.Tags = append(params.Tags, tags...)
			}
			if len(properties) > 0 {
				if params.Properties == nil {
					params.Properties = make(map[string]interface{})
				}
				for _, kv := range properties {
					key, value, err := splitKeyValue(kv)
					if err != nil {
						return fmt.Errorf("invalid --property: %w", err)
					}
					params.Properties[key] = value
				}
			}
			if len(features) > 0 {
				if params.Features == nil {
					params.Features = make(map[string]*string)
				}
				// "name=value" sets, a bare "name" removes
				for _, kv := range features {
					if key, value, err := splitKeyValue(kv); err == nil {
						v := value
						params.Features[key] = &v
					} else {
						params.Features[kv] = nil
					}
				}
			}

			if err := params.Validate(); err != nil {
				return err
			}

			mod := vm.NewModule(newAdminClient(cfg))
			res, err := mod.Run(context.Background(), params)
			if res != nil {
				if out, jsonErr := json.Marshal(res); jsonErr == nil {
					fmt.Fprintln(cmd.OutOrStdout(), string(out))
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&paramsFile, "params-file", "f", "", "YAML file with module parameters")
	cmd.Flags().StringVar(&state, "state", "", "desired state (present, running, shutdown, destroyed, restarted, pause, absent)")
	cmd.Flags().StringVar(&command, "command", "", "one-shot lifecycle command (create, start, shutdown, info, ...)")
	cmd.Flags().StringVar(&label, "label", "", "qube label")
	cmd.Flags().StringVar(&vmType, "vmtype", "", "qube class (AppVM, TemplateVM, StandaloneVM, DispVM)")
	cmd.Flags().StringVar(&template, "template", "", "template qube")
	cmd.Flags().StringVar(&notes, "notes", "", "qube notes")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for state transitions to finish")
	cmd.Flags().StringArrayVar(&properties, "property", nil, "qube property as name=value (repeatable)")
	cmd.Flags().StringArrayVar(&features, "feature", nil, "qube feature as name=value, bare name removes (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", nil, "qube tag (repeatable)")

	return cmd
}

func splitKeyValue(kv string) (string, string, error) {
	idx := strings.Index(kv, "=")
	if idx <= 0 {
		return "", "", fmt.Errorf("expected name=value, got %q", kv)
	}
	return kv[:idx], kv[idx+1:], nil
}
