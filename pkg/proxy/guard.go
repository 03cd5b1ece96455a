package proxy

import (
	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
)

const insecureHint = `Using "qubes" connection plugin without "qubes_proxy" strategy ` +
	"is considered insecure and may lead to dom0 compromise.\n" +
	"To fix this issue, add 'strategy: qubes_proxy' to your play or set " +
	"qubes_allow_insecure in the configuration to continue at your own risk."

// Guard refuses to run qubes-connection plays outside the proxy strategy.
// Running such a play task by task would pipe untrusted module output
// straight into the dom0 process.
type Guard struct {
	allowInsecure bool
	insecureQuiet bool
	display       *logger.Display
}

func NewGuard(allowInsecure, insecureQuiet bool, display *logger.Display) *Guard {
	return &Guard{
		allowInsecure: allowInsecure,
		insecureQuiet: insecureQuiet,
		display:       display,
	}
}

// CheckPlay vets one play against its matched hosts. Plays running under
// the qubes_proxy strategy always pass; so do hosts that resolve to a
// local or ssh transport.
func (g *Guard) CheckPlay(play *playbook.Play, hosts []*inventory.Host) error {
	if play.Strategy == StrategyName {
		return nil
	}

	for _, host := range hosts {
		if !usesQubesConnection(play, host) {
			continue
		}
		if g.allowInsecure {
			if !g.insecureQuiet && g.display != nil {
				g.display.Warning(insecureHint)
			}
			return nil
		}
		if g.display != nil {
			g.display.Error(insecureHint)
		}
		return errors.NewUnsafeStrategyError(host.Name)
	}
	return nil
}

// AsGuardFunc adapts the guard for the playbook runner.
func (g *Guard) AsGuardFunc() playbook.GuardFunc {
	return func(play *playbook.Play, hosts []*inventory.Host) error {
		return g.CheckPlay(play, hosts)
	}
}

// usesQubesConnection resolves the effective transport the way the
// connection manager would: the host var wins over the play keyword, and
// non-local hosts default to qubes.
func usesQubesConnection(play *playbook.Play, host *inventory.Host) bool {
	conn := host.ConnectionType()
	if conn == "" {
		conn = play.Connection
	}
	switch conn {
	case "qubes":
		return true
	case "":
		return !host.IsLocal()
	default:
		return false
	}
}
