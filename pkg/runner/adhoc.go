// Package runner executes one module against a host pattern, the ad-hoc
// equivalent of a single-task play.
package runner

import (
	"sync"

	"github.com/QubesOS/qubes-ansible/pkg/connection"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/module"
)

// TaskResult is the outcome of one host's module run.
type TaskResult struct {
	Host         string
	ModuleResult *module.Result
	Error        error
}

// AdhocRunner fans a single module invocation out over the hosts matching
// a pattern.
type AdhocRunner struct {
	inventory *inventory.Manager
	connMgr   *connection.Manager
	modExec   *module.Executor
}

func NewAdhocRunner(inv *inventory.Manager, exec *module.Executor) *AdhocRunner {
	return &AdhocRunner{
		inventory: inv,
		connMgr:   connection.NewManager(),
		modExec:   exec,
	}
}

// Run executes the module on every host the pattern matches, concurrently.
func (r *AdhocRunner) Run(pattern, moduleName string, moduleArgs map[string]interface{}) ([]TaskResult, error) {
	hosts, err := r.inventory.GetHosts(pattern)
	if err != nil {
		return nil, err
	}

	results := make(chan TaskResult, len(hosts))
	var wg sync.WaitGroup
	for _, host := range hosts {
		wg.Add(1)
		go func(h *inventory.Host) {
			defer wg.Done()
			results <- r.executeOnHost(h, moduleName, moduleArgs)
		}(host)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	taskResults := make([]TaskResult, 0, len(hosts))
	for result := range results {
		taskResults = append(taskResults, result)
	}
	return taskResults, nil
}

func (r *AdhocRunner) executeOnHost(host *inventory.Host, moduleName string, moduleArgs map[string]interface{}) TaskResult {
	conn, err := r.connMgr.Connect(host)
	if err != nil {
		return TaskResult{
			Host: host.Name,
			ModuleResult: &module.Result{
				Unreachable: true,
				Msg:         err.Error(),
			},
			Error: err,
		}
	}
	defer conn.Close()

	modResult, err := r.modExec.Execute(conn, moduleName, moduleArgs)
	if err != nil {
		return TaskResult{
			Host: host.Name,
			ModuleResult: &module.Result{
				Failed: true,
				Msg:    err.Error(),
			},
			Error: err,
		}
	}

	return TaskResult{Host: host.Name, ModuleResult: modResult}
}

// HasFailure reports whether any host failed or was unreachable.
func HasFailure(results []TaskResult) bool {
	for _, result := range results {
		if result.ModuleResult.Failed || result.ModuleResult.Unreachable {
			return true
		}
	}
	return false
}
