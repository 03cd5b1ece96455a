package playbook

import (
	stderrors "errors"
	"fmt"
	"sync"

	"github.com/QubesOS/qubes-ansible/pkg/connection"
	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/module"
)

// GuardFunc vets a play before any of its tasks run. The proxy package
// installs one that rejects qubes-connection plays outside the proxy
// strategy.
type GuardFunc func(play *Play, hosts []*inventory.Host) error

// Runner executes plays task by task with the linear strategy: every task
// runs on all active hosts before the next task starts.
type Runner struct {
	inventory *inventory.Manager
	connMgr   *connection.Manager
	executor  *module.Executor
	varMgr    *VariableManager
	engine    Engine
	display   *logger.Display
	includer  *TaskIncluder
	lookups   *LookupHandler
	guard     GuardFunc
	onlyTags  []string
	skipTags  []string
}

func NewRunner(inv *inventory.Manager, exec *module.Executor, display *logger.Display) *Runner {
	engine := NewTemplateEngine()
	return &Runner{
		inventory: inv,
		connMgr:   connection.NewManager(),
		executor:  exec,
		varMgr:    NewVariableManager(inv),
		engine:    engine,
		display:   display,
	}
}

// SetGuard installs the pre-play check.
func (r *Runner) SetGuard(guard GuardFunc) {
	r.guard = guard
}

// SetTags restricts the run to tasks carrying one of tags, minus those
// carrying one of skipTags. Tasks tagged "always" run regardless of the
// tags selection.
func (r *Runner) SetTags(tags, skipTags []string) {
	r.onlyTags = tags
	r.skipTags = skipTags
}

// SetPlaybookPath enables task includes, roles and template lookups
// relative to the playbook file.
func (r *Runner) SetPlaybookPath(path string) {
	r.includer = NewTaskIncluder(path)
	r.lookups = NewLookupHandler(path, r.engine)
}

// ClearRegisteredVars drops every var registered so far. Callers driving
// plays one by one reset between plays.
func (r *Runner) ClearRegisteredVars() {
	r.varMgr.ClearRegisteredVars()
}

// Run executes every play in order. Registered vars do not leak between
// plays.
func (r *Runner) Run(pb Playbook) error {
	for i := range pb {
		r.varMgr.ClearRegisteredVars()
		if err := r.ExecutePlay(&pb[i]); err != nil {
			return fmt.Errorf("play '%s' failed: %w", pb[i].Name, err)
		}
	}
	return nil
}

// ExecutePlay runs one play against its matched hosts.
func (r *Runner) ExecutePlay(play *Play) error {
	r.display.PlayHeader(play.Name)

	r.varMgr.SetPlayVars(play.Vars)

	hosts, err := r.inventory.GetHosts(play.Hosts.String())
	if err != nil {
		return fmt.Errorf("failed to get hosts: %w", err)
	}

	hostNames := make([]string, len(hosts))
	for i, h := range hosts {
		hostNames[i] = h.Name
	}
	r.varMgr.SetPlayHosts(hostNames)

	if r.guard != nil {
		if err := r.guard(play, hosts); err != nil {
			return err
		}
	}

	tasks, handlers, err := r.resolveTasks(play)
	if err != nil {
		return err
	}

	stats := make(map[string]*logger.HostStats)
	for _, host := range hosts {
		stats[host.Name] = &logger.HostStats{}
	}

	activeHosts := make([]*inventory.Host, len(hosts))
	copy(activeHosts, hosts)

	notified := make(map[string]bool)

	runBatch := func(batch []Task) {
		for i := range batch {
			task := &batch[i]
			if len(activeHosts) == 0 {
				r.display.Warning("No more hosts available, stopping play")
				return
			}

			taskName := task.Name
			if taskName == "" {
				taskName = task.Module
			}
			r.display.TaskHeader(taskName)

			results := make(chan *TaskResult, len(activeHosts))
			var wg sync.WaitGroup
			for _, host := range activeHosts {
				wg.Add(1)
				go func(h *inventory.Host) {
					defer wg.Done()
					results <- r.executeTask(task, h)
				}(host)
			}
			go func() {
				wg.Wait()
				close(results)
			}()

			anyFailed := false
			survivors := []*inventory.Host{}
			for result := range results {
				r.display.TaskResult(result.Host, result.Msg, result.Changed, result.Failed, result.Skipped)

				hostStat := stats[result.Host]
				switch {
				case result.Unreachable:
					hostStat.Unreachable++
				case result.Failed:
					hostStat.Failed++
				case result.Skipped:
					hostStat.Skipped++
				default:
					hostStat.Ok++
					if result.Changed {
						hostStat.Changed++
					}
				}

				if task.Register != "" && !result.Unreachable {
					r.varMgr.SetHostVar(result.Host, task.Register, result.Data)
				}

				if result.Changed && !result.Failed {
					for _, name := range task.Notify {
						notified[name] = true
					}
				}

				failed := (result.Failed || result.Unreachable) && !task.IgnoreErrors
				if failed {
					anyFailed = true
					continue
				}
				for _, h := range activeHosts {
					if h.Name == result.Host {
						survivors = append(survivors, h)
						break
					}
				}
			}

			if anyFailed {
				activeHosts = survivors
			}
		}
	}

	runBatch(tasks)

	if len(notified) > 0 {
		var toRun []Task
		for _, h := range handlers {
			if notified[h.Name] {
				toRun = append(toRun, h)
			}
		}
		runBatch(toRun)
	}

	r.display.Recap(stats)

	for _, stat := range stats {
		if !stat.IsSuccess() {
			return fmt.Errorf("play had failures")
		}
	}
	return nil
}

// resolveTasks flattens roles and task includes into the final task list.
func (r *Runner) resolveTasks(play *Play) (tasks, handlers []Task, err error) {
	handlers = append(handlers, play.Handlers...)

	for _, spec := range play.Roles {
		if r.includer == nil {
			return nil, nil, fmt.Errorf("play uses roles but no playbook path is set")
		}
		role, err := r.includer.roleLoader.LoadRole(spec)
		if err != nil {
			return nil, nil, err
		}

		// role defaults sit below play vars, role vars above
		for k, v := range role.Defaults {
			if _, exists := play.Vars[k]; !exists {
				play.Vars[k] = v
			}
		}
		for k, v := range role.Vars {
			play.Vars[k] = v
		}

		tasks = append(tasks, role.Tasks...)
		handlers = append(handlers, role.Handlers...)
	}

	for i := range play.Tasks {
		task := &play.Tasks[i]
		if r.includer == nil {
			tasks = append(tasks, *task)
			continue
		}
		expanded, err := r.includer.ExpandTask(task)
		if err != nil {
			return nil, nil, err
		}
		tasks = append(tasks, expanded...)
	}

	if len(r.onlyTags) > 0 || len(r.skipTags) > 0 {
		var selected []Task
		for _, task := range tasks {
			if r.taskSelected(&task) {
				selected = append(selected, task)
			}
		}
		tasks = selected
	}

	return tasks, handlers, nil
}

func (r *Runner) taskSelected(task *Task) bool {
	hasTag := func(names []string) bool {
		for _, want := range names {
			for _, tag := range task.Tags {
				if tag == want {
					return true
				}
			}
		}
		return false
	}

	if hasTag(r.skipTags) {
		return false
	}
	if len(r.onlyTags) == 0 {
		return true
	}
	return hasTag(r.onlyTags) || hasTag([]string{"always"})
}

// executeTask runs one task on one host.
func (r *Runner) executeTask(task *Task, host *inventory.Host) *TaskResult {
	result := &TaskResult{
		Host: host.Name,
		Task: task.Name,
		Data: make(map[string]interface{}),
	}

	context := r.varMgr.GetContext(host.Name)

	if task.When != "" {
		shouldRun, err := r.engine.EvaluateCondition(task.When, context)
		if err != nil {
			result.Failed = true
			result.Msg = fmt.Sprintf("failed to evaluate when condition: %v", err)
			return result
		}
		if !shouldRun {
			result.Skipped = true
			result.Msg = "skipped due to when condition"
			result.Data["skipped"] = true
			return result
		}
	}

	args := task.ModuleArgs
	if r.lookups != nil {
		processed, err := r.lookups.ProcessLookupsInVars(args, context)
		if err != nil {
			result.Failed = true
			result.Msg = err.Error()
			return result
		}
		args = processed
	}

	renderedArgs, err := r.engine.RenderArgs(args, context)
	if err != nil {
		result.Failed = true
		result.Msg = fmt.Sprintf("failed to render args: %v", err)
		return result
	}

	if task.Module == "set_fact" {
		r.varMgr.SetHostVars(host.Name, renderedArgs)
		result.Data["ansible_facts"] = renderedArgs
		return result
	}

	target := host
	if task.Delegate != "" {
		delegated, err := r.resolveDelegate(task.Delegate, context)
		if err != nil {
			result.Failed = true
			result.Msg = err.Error()
			return result
		}
		target = delegated
	}

	normalizedArgs := NormalizeModuleArgs(task.Module, renderedArgs)

	conn, err := r.connMgr.Connect(target)
	if err != nil {
		result.Unreachable = true
		result.Failed = true
		result.Msg = fmt.Sprintf("connection failed: %v", err)
		result.Data["unreachable"] = true
		return result
	}
	defer conn.Close()

	modResult, err := r.executor.Execute(conn, task.Module, normalizedArgs)
	if err != nil {
		var execErr *errors.ExecutionError
		if stderrors.As(err, &execErr) && execErr.Type == errors.ErrUnreachable {
			result.Unreachable = true
		}
		result.Failed = true
		result.Msg = err.Error()
		return result
	}

	result.Changed = modResult.Changed
	result.Failed = modResult.Failed
	result.Unreachable = modResult.Unreachable
	result.Msg = modResult.Msg

	if len(modResult.AnsibleFacts) > 0 {
		r.varMgr.SetHostVars(host.Name, modResult.AnsibleFacts)
	}

	result.Data = map[string]interface{}{
		"changed":     modResult.Changed,
		"failed":      modResult.Failed,
		"unreachable": modResult.Unreachable,
		"msg":         modResult.Msg,
		"rc":          modResult.RC,
		"stdout":      modResult.Stdout,
		"stderr":      modResult.Stderr,
	}
	for k, v := range modResult.Data {
		result.Data[k] = v
	}

	return result
}

func (r *Runner) resolveDelegate(delegate string, context map[string]interface{}) (*inventory.Host, error) {
	name, err := r.engine.RenderString(delegate, context)
	if err != nil {
		return nil, fmt.Errorf("failed to render delegate_to: %w", err)
	}
	host, err := r.inventory.GetHost(name)
	if err != nil {
		if name == "localhost" {
			return &inventory.Host{
				Name: "localhost",
				Vars: map[string]interface{}{"ansible_connection": "local"},
			}, nil
		}
		return nil, fmt.Errorf("delegate_to host not found: %s", name)
	}
	return host, nil
}
