package proxy

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/policy"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// fakeApp hands out fake domains and records lookups.
type fakeApp struct {
	qubesadmin.App
	mu      sync.Mutex
	domains map[string]*fakeDomain
	lookups []string
}

func newFakeApp() *fakeApp {
	return &fakeApp{domains: make(map[string]*fakeDomain)}
}

func (a *fakeApp) addDomain(name string, props map[string]string) *fakeDomain {
	d := &fakeDomain{name: name, props: props, features: map[string]string{}}
	a.domains[name] = d
	return d
}

func (a *fakeApp) Domain(name string) (qubesadmin.Domain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lookups = append(a.lookups, name)
	d, ok := a.domains[name]
	if !ok {
		return nil, &qubesadmin.NotFoundError{Name: name}
	}
	return d, nil
}

func (a *fakeApp) CreateDispVM(template, name, label string) (qubesadmin.Domain, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	d := &fakeDomain{
		name:     name,
		props:    map[string]string{"template": template, "label": label},
		features: map[string]string{},
	}
	a.domains[name] = d
	return d, nil
}

type serviceCall struct {
	Service  string
	Stdin    string
	LocalCmd string
}

type fakeDomain struct {
	qubesadmin.Domain
	name     string
	running  bool
	props    map[string]string
	features map[string]string

	started      bool
	shutdownSeen bool
	services     []serviceCall
	serviceOut   map[string]*qubesadmin.ServiceResult
}

func (d *fakeDomain) Name() string { return d.name }

func (d *fakeDomain) State() (qubesadmin.PowerState, error) {
	if d.running {
		return qubesadmin.StateRunning, nil
	}
	return qubesadmin.StateHalted, nil
}

func (d *fakeDomain) Start(ctx context.Context) error {
	d.started = true
	d.running = true
	return nil
}

func (d *fakeDomain) Shutdown(ctx context.Context) error {
	d.shutdownSeen = true
	d.running = false
	return nil
}

func (d *fakeDomain) WaitShutdown(ctx context.Context) error { return nil }

func (d *fakeDomain) Property(name string) (qubesadmin.Property, error) {
	return qubesadmin.Property{Value: d.props[name]}, nil
}

func (d *fakeDomain) SetProperty(name, value string) error {
	d.props[name] = value
	return nil
}

func (d *fakeDomain) SetFeature(name, value string) error {
	d.features[name] = value
	return nil
}

func (d *fakeDomain) RunService(ctx context.Context, service string, stdin []byte, localCmd string) (*qubesadmin.ServiceResult, error) {
	d.services = append(d.services, serviceCall{Service: service, Stdin: string(stdin), LocalCmd: localCmd})
	if res, ok := d.serviceOut[service]; ok {
		return res, nil
	}
	return &qubesadmin.ServiceResult{}, nil
}

func newTestPolicy(t *testing.T) (*policy.Manager, string) {
	t.Helper()
	dir := t.TempDir()
	policyPath := filepath.Join(dir, "30-qubes-ansible.policy")
	return policy.NewManagerWithPaths(
		filepath.Join(dir, "qubes-ansible"), policyPath, nil), policyPath
}

func TestPlayExecutorRun(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", map[string]string{"management_dispvm": "default-mgmt-dvm"})
	app.addDomain("default-mgmt-dvm", map[string]string{"label": "black"})

	pol, policyPath := newTestPolicy(t)
	exec := NewPlayExecutor(app, pol, discardDisplay())

	host := &inventory.Host{Name: "work", Groups: []string{"appvms"}, Vars: map[string]interface{}{}}
	play := samplePlay(t)

	result, err := exec.Run(context.Background(), play, host, map[string]interface{}{"pkg": "vim"})
	require.NoError(t, err)
	assert.Equal(t, "work", result.Host)
	assert.Equal(t, "disp-mgmt-work", result.DispVM)
	assert.Equal(t, 0, result.ExitCode)

	dispvm := app.domains["disp-mgmt-work"]
	require.NotNil(t, dispvm)
	assert.Equal(t, "default-mgmt-dvm", dispvm.props["template"])
	assert.Equal(t, "black", dispvm.props["label"])
	assert.Equal(t, "1", dispvm.features["internal"])
	assert.Equal(t, "", dispvm.props["netvm"])
	assert.Equal(t, "True", dispvm.props["auto_cleanup"])
	assert.True(t, dispvm.started)
	assert.True(t, dispvm.shutdownSeen, "dispvm started by the run must be shut down again")

	require.Len(t, dispvm.services, 2)
	copyCall := dispvm.services[0]
	assert.Equal(t, "qubes.Filecopy", copyCall.Service)
	assert.Contains(t, copyCall.LocalCmd, fileCopyAgent)
	assert.Contains(t, copyCall.LocalCmd, ".tar")

	runCall := dispvm.services[1]
	assert.Equal(t, "qubes.AnsibleVM", runCall.Service)
	lines := strings.Split(strings.TrimRight(runCall.Stdin, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 2)
	assert.True(t, strings.HasSuffix(lines[0], ".tar"))
	assert.Equal(t, "work", lines[1])

	// policies cleaned up after the run
	data, err := os.ReadFile(policyPath)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "disp-mgmt-work")
}

func TestPlayExecutorReusesRunningDispVM(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", map[string]string{"management_dispvm": "default-mgmt-dvm"})
	dispvm := app.addDomain("disp-mgmt-work", map[string]string{})
	dispvm.running = true

	pol, _ := newTestPolicy(t)
	exec := NewPlayExecutor(app, pol, discardDisplay())

	host := &inventory.Host{Name: "work", Vars: map[string]interface{}{}}
	_, err := exec.Run(context.Background(), samplePlay(t), host, map[string]interface{}{})
	require.NoError(t, err)

	assert.False(t, dispvm.started)
	assert.False(t, dispvm.shutdownSeen, "dispvm that was already running must stay up")
}

func TestPlayExecutorFailedRunReportsExitCode(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", map[string]string{"management_dispvm": "default-mgmt-dvm"})
	app.addDomain("default-mgmt-dvm", map[string]string{"label": "black"})

	pol, _ := newTestPolicy(t)
	exec := NewPlayExecutor(app, pol, discardDisplay())

	host := &inventory.Host{Name: "work", Vars: map[string]interface{}{}}
	play := samplePlay(t)

	result, err := exec.Run(context.Background(), play, host, map[string]interface{}{})
	require.NoError(t, err)
	require.Equal(t, 0, result.ExitCode)

	dispvm := app.domains["disp-mgmt-work"]
	dispvm.serviceOut = map[string]*qubesadmin.ServiceResult{
		"qubes.AnsibleVM": {ExitCode: 2, Stderr: []byte("fatal: [work]\x1b[2J")},
	}

	result, err = exec.Run(context.Background(), play, host, map[string]interface{}{})
	require.NoError(t, err)
	assert.Equal(t, 2, result.ExitCode)
	assert.Equal(t, "fatal: [work]_[2J", result.Stderr)
}

func TestPlayExecutorForwardsTagSelection(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", map[string]string{"management_dispvm": "default-mgmt-dvm"})
	dispvm := app.addDomain("disp-mgmt-work", map[string]string{})
	dispvm.running = true

	pol, _ := newTestPolicy(t)
	exec := NewPlayExecutor(app, pol, discardDisplay())
	exec.SetTags([]string{"deploy"}, []string{"slow"})

	host := &inventory.Host{Name: "work", Vars: map[string]interface{}{}}
	_, err := exec.Run(context.Background(), samplePlay(t), host, map[string]interface{}{})
	require.NoError(t, err)

	require.Len(t, dispvm.services, 2)
	runCall := dispvm.services[1]
	lines := strings.Split(strings.TrimRight(runCall.Stdin, "\n"), "\n")
	require.GreaterOrEqual(t, len(lines), 6)
	assert.Equal(t, []string{"-t", "deploy", "--skip-tags", "slow"}, lines[2:])
}

func TestPlayExecutorUnknownHost(t *testing.T) {
	pol, _ := newTestPolicy(t)
	exec := NewPlayExecutor(newFakeApp(), pol, discardDisplay())

	host := &inventory.Host{Name: "ghost", Vars: map[string]interface{}{}}
	_, err := exec.Run(context.Background(), samplePlay(t), host, map[string]interface{}{})
	require.Error(t, err)
}
