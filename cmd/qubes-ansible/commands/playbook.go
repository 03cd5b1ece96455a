package commands

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/module"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
	"github.com/QubesOS/qubes-ansible/pkg/policy"
	"github.com/QubesOS/qubes-ansible/pkg/proxy"
)

func newPlaybookCommand() *cobra.Command {
	var (
		tags     []string
		skipTags []string
		forks    int
	)

	cmd := &cobra.Command{
		Use:   "playbook <playbook.yaml>...",
		Short: "Run playbooks, delegating qubes plays to management disposables",
		Long: `Run one or more playbooks. Plays with strategy qubes_proxy are routed per
host: localhost and dom0 run in place, every other host gets the play
delegated to its disp-mgmt disposable. Qubes-connection plays outside that
strategy are refused unless the config allows insecure runs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if forks > 0 {
				cfg.Forks = forks
			}

			display := newDisplay(cfg)

			inv := inventory.NewManager()
			if err := inv.Load(cfg.Inventory); err != nil {
				return fmt.Errorf("failed to load inventory: %w", err)
			}

			app := newAdminClient(cfg)
			exec := module.NewAdminExecutor(app)
			guard := proxy.NewGuard(cfg.AllowInsecure, cfg.InsecureQuiet, display)

			pol := policy.NewManager()
			if err := pol.EnsureIncludes(); err != nil {
				display.Warning(fmt.Sprintf("qrexec policy setup failed: %v", err))
			}

			for _, path := range args {
				pb, err := playbook.LoadPlaybook(path)
				if err != nil {
					return err
				}

				runner := playbook.NewRunner(inv, exec, display)
				runner.SetPlaybookPath(path)
				runner.SetTags(tags, skipTags)
				runner.SetGuard(guard.AsGuardFunc())

				playExec := proxy.NewPlayExecutor(app, pol, display)
				playExec.SetRolesDir(filepath.Join(filepath.Dir(path), "roles"))
				playExec.SetTags(tags, skipTags)
				router := proxy.NewRouter(inv, runner, playExec, display, cfg.Forks)

				if err := runPlaybook(cmd.Context(), pb, runner, router); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVarP(&tags, "tags", "t", nil, "only run tasks tagged with these values")
	cmd.Flags().StringSliceVar(&skipTags, "skip-tags", nil, "skip tasks tagged with these values")
	cmd.Flags().IntVar(&forks, "forks", 0, "parallel delegated runs (default from config)")

	return cmd
}

// runPlaybook dispatches each play to the proxy router or the linear
// runner, depending on its strategy.
func runPlaybook(ctx context.Context, pb playbook.Playbook, runner *playbook.Runner, router *proxy.Router) error {
	if ctx == nil {
		ctx = context.Background()
	}
	for i := range pb {
		play := &pb[i]
		runner.ClearRegisteredVars()
		if play.Strategy == proxy.StrategyName {
			if err := router.RunPlay(ctx, play); err != nil {
				return fmt.Errorf("play '%s' failed: %w", play.Name, err)
			}
			continue
		}
		if err := runner.ExecutePlay(play); err != nil {
			return fmt.Errorf("play '%s' failed: %w", play.Name, err)
		}
	}
	return nil
}
