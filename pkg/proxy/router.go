package proxy

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
)

// Router implements the qubes_proxy strategy: local hosts run in place
// through the linear runner, every other host gets the play delegated to
// its management disposable, one delegated run per host.
type Router struct {
	inventory *inventory.Manager
	runner    *playbook.Runner
	executor  *PlayExecutor
	display   *logger.Display
	forks     int
}

func NewRouter(inv *inventory.Manager, runner *playbook.Runner, exec *PlayExecutor, display *logger.Display, forks int) *Router {
	if forks < 1 {
		forks = 1
	}
	return &Router{
		inventory: inv,
		runner:    runner,
		executor:  exec,
		display:   display,
		forks:     forks,
	}
}

// Run executes a playbook, routing each play.
func (r *Router) Run(ctx context.Context, pb playbook.Playbook) error {
	var firstErr error
	for i := range pb {
		if err := r.RunPlay(ctx, &pb[i]); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("play '%s' failed: %w", pb[i].Name, err)
		}
	}
	return firstErr
}

// RunPlay splits the play's hosts into local and delegated sets and runs
// both. dom0 and localhost never leave the local process; their play runs
// through the ordinary linear strategy.
func (r *Router) RunPlay(ctx context.Context, play *playbook.Play) error {
	hosts, err := r.inventory.GetHosts(play.Hosts.String())
	if err != nil {
		return fmt.Errorf("failed to get hosts: %w", err)
	}

	var localNames []string
	var remote []*inventory.Host
	for _, host := range hosts {
		if host.IsLocal() || host.Name == "dom0" {
			localNames = append(localNames, host.Name)
		} else {
			remote = append(remote, host)
		}
	}

	var localErr error
	if len(localNames) > 0 {
		localPlay := *play
		localPlay.Hosts = playbook.HostPattern(strings.Join(localNames, ","))
		localPlay.Strategy = "linear"
		localErr = r.runner.ExecutePlay(&localPlay)
	}

	var remoteErr error
	if len(remote) > 0 {
		remoteErr = r.proxyRun(ctx, play, remote)
	}

	if localErr != nil {
		return localErr
	}
	return remoteErr
}

// proxyRun fans the delegated runs out over a bounded worker pool and
// relays each run's output once it finishes.
func (r *Router) proxyRun(ctx context.Context, play *playbook.Play, hosts []*inventory.Host) error {
	r.display.V(3, "", fmt.Sprintf("running play %q on %d hosts with %d forks",
		play.Name, len(hosts), r.forks))

	varMgr := playbook.NewVariableManager(r.inventory)
	varMgr.SetPlayVars(play.Vars)

	exitCodes := make(map[string]int, len(hosts))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.forks)

	for _, host := range hosts {
		host := host
		exitCodes[host.Name] = 255

		g.Go(func() error {
			hostVars := varMgr.GetContext(host.Name)
			result, err := r.executor.Run(gctx, play, host, hostVars)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.display.Error(fmt.Sprintf("[%s] %v", host.Name, err))
				return nil
			}
			exitCodes[host.Name] = result.ExitCode
			r.display.ProxyBanner(result.DispVM, result.PlayName)
			r.display.Remote(result.Stdout, result.Stderr)
			return nil
		})
	}
	g.Wait()

	stats := make(map[string]*logger.HostStats, len(hosts))
	maxCode := 0
	for host, code := range exitCodes {
		stat := &logger.HostStats{}
		if code == 0 {
			stat.Ok++
		} else {
			stat.Failed++
		}
		stats[host] = stat
		if code > maxCode {
			maxCode = code
		}
	}
	r.display.Recap(stats)

	if maxCode != 0 {
		return fmt.Errorf("delegated run failed with exit code %d", maxCode)
	}
	return nil
}
