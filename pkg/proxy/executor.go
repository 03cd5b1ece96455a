package proxy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
	"github.com/QubesOS/qubes-ansible/pkg/policy"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// dispVMNameMaxLen is the qube name length limit.
const dispVMNameMaxLen = 31

const fileCopyAgent = "/usr/lib/qubes/qfile-dom0-agent"

// PlayExecutor delegates one play for one host to that host's management
// disposable: it stages the payload, opens the qrexec policy for the pair,
// copies the archive over and invokes the qubes.AnsibleVM service.
type PlayExecutor struct {
	app      qubesadmin.App
	policy   *policy.Manager
	display  *logger.Display
	rolesDir string
	tags     []string
	skipTags []string
}

func NewPlayExecutor(app qubesadmin.App, pol *policy.Manager, display *logger.Display) *PlayExecutor {
	return &PlayExecutor{app: app, policy: pol, display: display}
}

// SetRolesDir points role staging at the playbook's roles directory.
func (e *PlayExecutor) SetRolesDir(dir string) {
	e.rolesDir = dir
}

// SetTags forwards the tag selection to the delegated runs.
func (e *PlayExecutor) SetTags(tags, skipTags []string) {
	e.tags = tags
	e.skipTags = skipTags
}

// PlayResult is the outcome of one delegated run. Stdout and Stderr are
// already control-char filtered.
type PlayResult struct {
	Host     string
	DispVM   string
	PlayName string
	ExitCode int
	Stdout   string
	Stderr   string
}

// DispVMName returns the management disposable's name for a host, clipped
// to the qube name limit.
func DispVMName(hostName string) string {
	name := "disp-mgmt-" + hostName
	if len(name) > dispVMNameMaxLen {
		name = name[:dispVMNameMaxLen]
	}
	return name
}

// Run executes the play on the host's management disposable and returns
// the delegated run's outcome. A non-zero exit code is reported in the
// result, not as an error.
func (e *PlayExecutor) Run(ctx context.Context, play *playbook.Play, host *inventory.Host, hostVars map[string]interface{}) (*PlayResult, error) {
	vm, err := e.app.Domain(host.Name)
	if err != nil {
		return nil, fmt.Errorf("host %s not found: %w", host.Name, err)
	}

	dispvmName := DispVMName(host.Name)
	dispvm, initiallyRunning, err := e.ensureDispVM(ctx, vm, dispvmName)
	if err != nil {
		return nil, err
	}
	defer func() {
		if initiallyRunning {
			return
		}
		shutdownCtx := context.WithoutCancel(ctx)
		if err := dispvm.Shutdown(shutdownCtx); err != nil {
			e.display.V(3, host.Name, fmt.Sprintf("dispvm shutdown failed: %v", err))
			return
		}
		if err := dispvm.WaitShutdown(shutdownCtx); err != nil {
			e.display.V(3, host.Name, fmt.Sprintf("dispvm shutdown wait failed: %v", err))
		}
	}()

	if err := e.policy.Add(dispvmName, vm.Name()); err != nil {
		return nil, err
	}
	defer func() {
		if err := e.policy.Remove(dispvmName, vm.Name()); err != nil {
			e.display.V(1, host.Name, fmt.Sprintf("policy cleanup failed: %v", err))
		}
	}()

	tarPath, tempDir, err := BuildArchive(Payload{
		HostName: host.Name,
		Groups:   host.Groups,
		Play:     play,
		HostVars: hostVars,
		RolesDir: e.rolesDir,
	})
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(tempDir)
	defer os.Remove(tarPath)

	e.display.V(3, host.Name, fmt.Sprintf("copying %s to %s", tarPath, dispvmName))
	if _, err := dispvm.RunService(ctx, "qubes.Filecopy", nil,
		fmt.Sprintf("%s %s", fileCopyAgent, tarPath)); err != nil {
		return nil, fmt.Errorf("failed to copy payload to %s: %w", dispvmName, err)
	}

	stdin := strings.Join(append([]string{
		filepath.Base(tarPath),
		host.Name,
	}, e.ansibleArgs()...), "\n") + "\n"

	e.display.V(3, host.Name, "running qubes.AnsibleVM on "+dispvmName)
	res, err := dispvm.RunService(ctx, "qubes.AnsibleVM", []byte(stdin), "")
	if err != nil {
		return nil, fmt.Errorf("qubes.AnsibleVM failed on %s: %w", dispvmName, err)
	}

	return &PlayResult{
		Host:     host.Name,
		DispVM:   dispvmName,
		PlayName: play.Name,
		ExitCode: res.ExitCode,
		Stdout:   string(FilterControlChars(res.Stdout)),
		Stderr:   string(FilterControlChars(res.Stderr)),
	}, nil
}

// ensureDispVM finds or creates the management disposable and makes sure
// it is running. New disposables are based on the target's
// management_dispvm, marked internal, without GUI or network.
func (e *PlayExecutor) ensureDispVM(ctx context.Context, vm qubesadmin.Domain, name string) (qubesadmin.Domain, bool, error) {
	dispvm, err := e.app.Domain(name)
	if err != nil {
		if !qubesadmin.IsNotFound(err) {
			return nil, false, err
		}

		mgmtProp, err := vm.Property("management_dispvm")
		if err != nil {
			return nil, false, fmt.Errorf("failed to read management_dispvm of %s: %w", vm.Name(), err)
		}
		if mgmtProp.Value == "" {
			return nil, false, fmt.Errorf("%s has no management_dispvm", vm.Name())
		}
		mgmt, err := e.app.Domain(mgmtProp.Value)
		if err != nil {
			return nil, false, err
		}
		label, err := mgmt.Property("label")
		if err != nil {
			return nil, false, err
		}

		e.display.V(3, vm.Name(), "creating dispvm "+name)
		dispvm, err = e.app.CreateDispVM(mgmtProp.Value, name, label.Value)
		if err != nil {
			return nil, false, fmt.Errorf("failed to create %s: %w", name, err)
		}
		if err := dispvm.SetFeature("internal", "1"); err != nil {
			return nil, false, err
		}
		if err := dispvm.SetFeature("gui", ""); err != nil {
			return nil, false, err
		}
		if err := dispvm.SetProperty("netvm", ""); err != nil {
			return nil, false, err
		}
		if err := dispvm.SetProperty("auto_cleanup", "True"); err != nil {
			return nil, false, err
		}
	}

	state, err := dispvm.State()
	if err != nil {
		return nil, false, err
	}
	running := state == qubesadmin.StateRunning
	if !running {
		if err := dispvm.Start(ctx); err != nil {
			return nil, false, fmt.Errorf("failed to start %s: %w", name, err)
		}
	}
	return dispvm, running, nil
}

// ansibleArgs builds the flag lines forwarded to the delegated run.
func (e *PlayExecutor) ansibleArgs() []string {
	var args []string
	if v := e.display.Verbosity(); v > 0 {
		args = append(args, "-"+strings.Repeat("v", v))
	}
	for _, tag := range e.tags {
		args = append(args, "-t", tag)
	}
	for _, tag := range e.skipTags {
		args = append(args, "--skip-tags", tag)
	}
	return args
}
