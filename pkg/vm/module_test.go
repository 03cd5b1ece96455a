package vm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

func strPtr(s string) *string { return &s }

func netProvider(app *fakeApp, name string) *fakeDomain {
	d := app.addDomain(name, "AppVM")
	d.properties["provides_network"] = qubesadmin.Property{Value: "True", Type: "bool"}
	return d
}

func TestRunPresentCreates(t *testing.T) {
	app := newFakeApp()
	app.addDomain("dom0", "AdminVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:     "work",
		State:    StatePresent,
		Template: "fedora-41",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "work", res.Data["created"])

	d, err := app.Domain("work")
	require.NoError(t, err)
	assert.Equal(t, "AppVM", d.Class())
}

func TestRunPresentIdempotent(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{Name: "work", State: StatePresent})
	require.NoError(t, err)
	assert.False(t, res.Changed)
	assert.NotContains(t, res.Data, "created")
}

func TestRunPresentWithTags(t *testing.T) {
	app := newFakeApp()
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Tags:  []string{"managed", "dev"},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"managed", "dev"}, res.Data["tags"])
}

func TestRunProperties(t *testing.T) {
	app := newFakeApp()
	netProvider(app, "sys-net")
	work := app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Properties: map[string]interface{}{
			"netvm":  "sys-net",
			"memory": 600,
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.ElementsMatch(t, []string{"netvm", "memory"},
		res.Data["Properties updated"])
	assert.Equal(t, "sys-net", work.properties["netvm"].Value)
	assert.Equal(t, "600", work.properties["memory"].Value)
}

func TestRunPropertiesIdempotent(t *testing.T) {
	app := newFakeApp()
	netProvider(app, "sys-net")
	work := app.addDomain("work", "AppVM")
	work.properties["netvm"] = qubesadmin.Property{Value: "sys-net"}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"netvm": "sys-net"},
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestRunPropertiesRejectsUnknown(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"nonsense": "x"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid property")
}

func TestRunPropertiesRejectsWrongType(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"memory": "lots"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid property value type")
}

func TestRunPropertiesRejectsMissingNetVM(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"netvm": "ghost"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing netvm")
}

func TestRunPropertiesRejectsNonNetworkNetVM(t *testing.T) {
	app := newFakeApp()
	app.addDomain("vault", "AppVM")
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"netvm": "vault"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not provide network")
}

func TestRunPropertyDefaultSentinel(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	work.properties["netvm"] = qubesadmin.Property{Value: "sys-net"}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"netvm": "*default*"},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.True(t, work.properties["netvm"].IsDefault)

	// already default: nothing to do
	res, err = m.Run(context.Background(), Params{
		Name:       "work",
		State:      StatePresent,
		Properties: map[string]interface{}{"netvm": "*default*"},
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestRunVolumes(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Properties: map[string]interface{}{
			"volumes": []interface{}{
				map[string]interface{}{"name": "private", "size": 10737418240},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, int64(10737418240), work.resized["private"])
}

func TestRunVolumesRootOnlyForTemplates(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Properties: map[string]interface{}{
			"volumes": []interface{}{
				map[string]interface{}{"name": "root", "size": 1024},
			},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "root volume")
}

func TestRunServicesBecomeFeatures(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Properties: map[string]interface{}{
			"services": []interface{}{"qubes-firewall", "clocksync"},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "1", work.features["service.qubes-firewall"])
	assert.Equal(t, "1", work.features["service.clocksync"])
}

func TestRunFeatures(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	work.features["obsolete"] = "1"
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Features: map[string]*string{
			"gui":      strPtr("1"),
			"obsolete": nil,
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "1", work.features["gui"])
	assert.NotContains(t, work.features, "obsolete")
	assert.ElementsMatch(t, []string{"gui", "obsolete"}, res.Data["Features updated"])
}

func TestRunNotes(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Notes: "managed by automation",
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, "managed by automation", work.notes)

	res, err = m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Notes: "managed by automation",
	})
	require.NoError(t, err)
	assert.False(t, res.Changed)
}

func TestRunDevicesStrict(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	work.assigned["pci"] = []qubesadmin.DeviceAssignment{
		{Class: "pci", Backend: "dom0", Port: "00_1f.6", DeviceID: "old", Mode: "required", Options: map[string]string{}},
	}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Devices: DevicesParam{
			Strategy: "strict",
			Items: []DeviceEntry{
				{Device: "pci:dom0:00_14.0:0x8086"},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	require.Len(t, work.assigned["pci"], 1)
	got := work.assigned["pci"][0]
	assert.Equal(t, "00_14.0", got.Port)
	// pci defaults to required
	assert.Equal(t, "required", got.Mode)
}

func TestRunDevicesAppend(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	existing := qubesadmin.DeviceAssignment{
		Class: "usb", Backend: "sys-usb", Port: "2-1", Mode: "auto-attach", Options: map[string]string{},
	}
	work.assigned["usb"] = []qubesadmin.DeviceAssignment{existing}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Devices: DevicesParam{
			Strategy: "append",
			Items: []DeviceEntry{
				{Device: "usb:sys-usb:2-1"},
				{Device: "usb:sys-usb:2-3"},
			},
		},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Len(t, work.assigned["usb"], 2)
}

func TestRunDevicesRejectsUnknownClass(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	_, err := m.Run(context.Background(), Params{
		Name:  "work",
		State: StatePresent,
		Devices: DevicesParam{
			Items: []DeviceEntry{{Device: "gpu:dom0:0"}},
		},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid devclass")
}

func TestRunStates(t *testing.T) {
	tests := []struct {
		name        string
		state       string
		initial     qubesadmin.PowerState
		wantChanged bool
		wantState   qubesadmin.PowerState
	}{
		{"start halted", StateRunning, qubesadmin.StateHalted, true, qubesadmin.StateRunning},
		{"running stays", StateRunning, qubesadmin.StateRunning, false, qubesadmin.StateRunning},
		{"unpause paused", StateRunning, qubesadmin.StatePaused, true, qubesadmin.StateRunning},
		{"shutdown running", StateShutdown, qubesadmin.StateRunning, true, qubesadmin.StateHalted},
		{"shutdown halted", StateShutdown, qubesadmin.StateHalted, false, qubesadmin.StateHalted},
		{"destroy running", StateDestroyed, qubesadmin.StateRunning, true, qubesadmin.StateHalted},
		{"pause running", StatePause, qubesadmin.StateRunning, true, qubesadmin.StatePaused},
		{"pause halted noop", StatePause, qubesadmin.StateHalted, false, qubesadmin.StateHalted},
		{"restart", StateRestarted, qubesadmin.StateRunning, true, qubesadmin.StateRunning},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newFakeApp()
			work := app.addDomain("work", "AppVM")
			work.state = tt.initial
			m := NewModule(app)

			res, err := m.Run(context.Background(), Params{Name: "work", State: tt.state})
			require.NoError(t, err)
			assert.Equal(t, tt.wantChanged, res.Changed)
			assert.Equal(t, tt.wantState, work.state)
		})
	}
}

func TestRunAbsentRemovesHalted(t *testing.T) {
	app := newFakeApp()
	app.addDomain("work", "AppVM")
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{Name: "work", State: StateAbsent})
	require.NoError(t, err)
	assert.True(t, res.Changed)

	_, err = app.Domain("work")
	assert.True(t, qubesadmin.IsNotFound(err))
}

func TestRunStateRequiresGuest(t *testing.T) {
	m := NewModule(newFakeApp())
	_, err := m.Run(context.Background(), Params{State: StateRunning})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires a guest")
}

func TestRunCommands(t *testing.T) {
	app := newFakeApp()
	app.addDomain("dom0", "AdminVM")
	work := app.addDomain("work", "AppVM")
	work.state = qubesadmin.StateRunning
	app.addDomain("vault", "AppVM")
	m := NewModule(app)
	ctx := context.Background()

	res, err := m.Run(ctx, Params{Command: "get_states"})
	require.NoError(t, err)
	states := res.Data["states"].([]string)
	assert.Len(t, states, 3)

	res, err = m.Run(ctx, Params{Command: "list_vms", State: StateRunning})
	require.NoError(t, err)
	assert.Equal(t, []string{"work"}, res.Data["list_vms"])

	res, err = m.Run(ctx, Params{Command: "status", Name: "work"})
	require.NoError(t, err)
	assert.Equal(t, "running", res.Data["status"])

	res, err = m.Run(ctx, Params{Command: "shutdown", Name: "work"})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, qubesadmin.StateHalted, work.state)

	_, err = m.Run(ctx, Params{Command: "start"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "requires 1 argument")
}

func TestRunRemoveTags(t *testing.T) {
	app := newFakeApp()
	work := app.addDomain("work", "AppVM")
	work.tags = []string{"managed", "keep"}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{
		Command: "removetags",
		Name:    "work",
		Tags:    []string{"managed", "ghost"},
	})
	require.NoError(t, err)
	assert.True(t, res.Changed)
	assert.Equal(t, []string{"keep"}, work.tags)

	_, err = m.Run(context.Background(), Params{Command: "removetags", Name: "work"})
	require.Error(t, err)
}

func TestRunCreateInventory(t *testing.T) {
	app := newFakeApp()
	app.addDomain("dom0", "AdminVM")
	app.addDomain("work", "AppVM")
	app.addDomain("fedora-41", "TemplateVM")
	m := NewModule(app)

	path := filepath.Join(t.TempDir(), "inventory")
	res, err := m.Run(context.Background(), Params{
		Command:       "createinventory",
		InventoryPath: path,
	})
	require.NoError(t, err)
	assert.Equal(t, "successful", res.Data["status"])

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "[appvms]")
	assert.Contains(t, string(data), "work")
	assert.Contains(t, string(data), "[templatevms]")
}

func TestRunGatherDeviceFacts(t *testing.T) {
	app := newFakeApp()
	app.addDomain("dom0", "AdminVM")
	app.pciAvailable = []qubesadmin.DeviceInfo{
		{Port: "00_1f.6", DeviceID: "0x8086_0x15bb", Interfaces: []string{"p020000"}},
		{Port: "00_14.0", DeviceID: "0x8086_0x9ded", Interfaces: []string{"p0c0330"}},
		{Port: "00_1f.3", DeviceID: "0x8086_0x9dc8", Interfaces: []string{"p040100"}},
	}
	m := NewModule(app)

	res, err := m.Run(context.Background(), Params{GatherDeviceFacts: true})
	require.NoError(t, err)
	assert.False(t, res.Changed)

	facts := res.Facts
	assert.Equal(t, []string{"pci:dom0:00_1f.6:0x8086_0x15bb"}, facts["pci_net"])
	assert.Equal(t, []string{"pci:dom0:00_14.0:0x8086_0x9ded"}, facts["pci_usb"])
	assert.Equal(t, []string{"pci:dom0:00_1f.3:0x8086_0x9dc8"}, facts["pci_audio"])
}

func TestRunRequiresStateOrCommand(t *testing.T) {
	m := NewModule(newFakeApp())
	_, err := m.Run(context.Background(), Params{Name: "work"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "state or command")
}

func TestRunInvalidState(t *testing.T) {
	m := NewModule(newFakeApp())
	_, err := m.Run(context.Background(), Params{Name: "work", State: "sideways"})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "invalid parameters"))
}
