package vm

import (
	"context"
	"fmt"
	"sort"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// Result is the outcome of one module invocation.
type Result struct {
	Changed bool                   `json:"changed"`
	Msg     string                 `json:"msg,omitempty"`
	Facts   map[string]interface{} `json:"ansible_facts,omitempty"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func newResult() *Result {
	return &Result{Data: make(map[string]interface{})}
}

// Module executes qubesos module invocations against an Admin API client.
type Module struct {
	virt *Virt
}

func NewModule(app qubesadmin.App) *Module {
	return &Module{virt: NewVirt(app)}
}

// Run dispatches one invocation. Parameter problems and refused operations
// come back as errors; the caller turns them into failed task results.
func (m *Module) Run(ctx context.Context, params Params) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	if params.GatherDeviceFacts {
		return m.gatherDeviceFacts()
	}

	// make sure the qube exists before configuring it
	created := false
	vmType := params.VMType
	if params.State == StatePresent && params.Name != "" {
		existingType, err := m.ensurePresent(&params)
		if err != nil {
			return nil, err
		}
		if existingType == "" {
			created = true
			if vmType == "" {
				vmType = "AppVM"
			}
		} else {
			vmType = existingType
		}
	}

	if len(params.Properties) > 0 {
		if err := m.checkProperties(params, vmType); err != nil {
			return nil, err
		}
		if params.State == StatePresent && params.Name != "" {
			return m.applyConfig(params, vmType, created)
		}
	}

	if params.Notes != "" && params.State == StatePresent && params.Name != "" {
		changed, err := m.virt.Notes(params.Name, params.Notes)
		if err != nil {
			return nil, err
		}
		res := newResult()
		res.Changed = changed
		res.Data["Notes updated"] = changed
		return res, nil
	}

	if len(params.Features) > 0 && params.State == StatePresent && params.Name != "" {
		featsChanged, err := m.virt.Features(params.Name, params.Features)
		if err != nil {
			return nil, err
		}
		res := newResult()
		res.Changed = len(featsChanged) > 0
		res.Data["Features updated"] = featsChanged
		return res, nil
	}

	if params.State == StatePresent && params.Name != "" {
		res := newResult()
		devChanged, err := m.virt.ApplyDevices(params.Name, params.Devices)
		if err != nil {
			return nil, err
		}
		res.Changed = created || devChanged
		if created {
			res.Data["created"] = params.Name
			tagsChanged, err := m.virt.Tags(params.Name, params.Tags)
			if err != nil {
				return nil, err
			}
			if len(tagsChanged) > 0 {
				res.Data["tags"] = tagsChanged
			}
		}
		return res, nil
	}

	if params.Command != "" {
		return m.runCommand(ctx, params)
	}

	if params.State != "" {
		return m.applyState(ctx, params)
	}

	return nil, fmt.Errorf("expected state or command parameter to be specified")
}

// gatherDeviceFacts reports dom0 PCI devices grouped by role.
func (m *Module) gatherDeviceFacts() (*Result, error) {
	pciNet, err := m.virt.FindDevicesOfClass("02")
	if err != nil {
		return nil, err
	}
	pciUSB, err := m.virt.FindDevicesOfClass("0c03")
	if err != nil {
		return nil, err
	}
	pciAudio, err := m.virt.FindDevicesOfClass("0401")
	if err != nil {
		return nil, err
	}
	pciAudio2, err := m.virt.FindDevicesOfClass("0403")
	if err != nil {
		return nil, err
	}

	res := newResult()
	res.Facts = map[string]interface{}{
		"pci_net":   pciNet,
		"pci_usb":   pciUSB,
		"pci_audio": sortedUnion(pciAudio, pciAudio2),
	}
	return res, nil
}

// ensurePresent creates the qube if needed. Returns the existing qube's
// class, or "" when it had to be created.
func (m *Module) ensurePresent(params *Params) (string, error) {
	d, err := m.virt.app.Domain(params.Name)
	if err == nil {
		return d.Class(), nil
	}
	if !qubesadmin.IsNotFound(err) {
		return "", err
	}

	vmType := params.VMType
	if vmType == "" {
		vmType = "AppVM"
	}
	netvm := DefaultSentinel
	if raw, ok := params.Properties["netvm"]; ok {
		if s, ok := raw.(string); ok {
			netvm = s
		}
	}
	logger.Infof("creating qube %s (%s)", params.Name, vmType)
	if err := m.virt.Create(params.Name, vmType, params.Label, params.Template, netvm); err != nil {
		return "", err
	}
	return "", nil
}

// checkProperties validates property names, types and cross-references.
func (m *Module) checkProperties(params Params, vmType string) error {
	for key, val := range params.Properties {
		if err := checkPropType(key, val); err != nil {
			return err
		}

		switch key {
		case "netvm":
			s, _ := val.(string)
			if s == DefaultSentinel || s == "" || s == "none" || s == "None" {
				continue
			}
			d, err := m.virt.app.Domain(s)
			if err != nil {
				if qubesadmin.IsNotFound(err) {
					return fmt.Errorf("missing netvm %q", s)
				}
				return err
			}
			provides, err := d.Property("provides_network")
			if err != nil {
				return err
			}
			if provides.Value != "True" {
				return fmt.Errorf("netvm %q does not provide network", s)
			}

		case "default_dispvm":
			s, _ := val.(string)
			d, err := m.virt.app.Domain(s)
			if err != nil {
				if qubesadmin.IsNotFound(err) {
					return fmt.Errorf("missing default_dispvm %q", s)
				}
				return err
			}
			disp, err := d.Property("template_for_dispvms")
			if err != nil {
				return err
			}
			if disp.Value != "True" {
				return fmt.Errorf("%q is not a template for disposables", s)
			}

		case "volumes":
			if _, err := parseVolumes(val, vmType); err != nil {
				return err
			}
		}
	}
	return nil
}

// applyConfig applies properties, tags, features, devices and notes in one
// pass.
func (m *Module) applyConfig(params Params, vmType string, created bool) (*Result, error) {
	propChanged, propVals, err := m.virt.Properties(params.Name, params.Properties, vmType)
	if err != nil {
		return nil, err
	}

	var tagsChanged []string
	if len(params.Tags) > 0 {
		tagsChanged, err = m.virt.Tags(params.Name, params.Tags)
		if err != nil {
			return nil, err
		}
	}

	var featsChanged []string
	if len(params.Features) > 0 {
		featsChanged, err = m.virt.Features(params.Name, params.Features)
		if err != nil {
			return nil, err
		}
	}

	devChanged, err := m.virt.ApplyDevices(params.Name, params.Devices)
	if err != nil {
		return nil, err
	}

	res := newResult()
	res.Changed = created || propChanged || devChanged ||
		len(tagsChanged) > 0 || len(featsChanged) > 0
	if created {
		res.Data["created"] = params.Name
	}
	if len(tagsChanged) > 0 {
		res.Data["Tags updated"] = tagsChanged
	}
	if len(featsChanged) > 0 {
		res.Data["Features updated"] = featsChanged
	}
	if propChanged {
		res.Data["Properties updated"] = propVals
	}
	if devChanged {
		res.Data["Devices updated"] = true
	}
	if params.Notes != "" {
		notesChanged, err := m.virt.Notes(params.Name, params.Notes)
		if err != nil {
			return nil, err
		}
		res.Data["Notes updated"] = notesChanged
		res.Changed = res.Changed || notesChanged
	}
	return res, nil
}

func (m *Module) runCommand(ctx context.Context, params Params) (*Result, error) {
	res := newResult()

	switch params.Command {
	case "list_vms":
		if params.State == "" {
			return nil, fmt.Errorf("list_vms requires a state to filter by")
		}
		vms, err := m.virt.ListVMs(params.State)
		if err != nil {
			return nil, err
		}
		res.Data["list_vms"] = vms
		return res, nil

	case "get_states":
		states, err := m.virt.GetStates()
		if err != nil {
			return nil, err
		}
		res.Data["states"] = states
		return res, nil

	case "createinventory":
		byClass, err := m.virt.AllVMs()
		if err != nil {
			return nil, err
		}
		path := params.InventoryPath
		if path == "" {
			path = "inventory"
		}
		if err := inventory.Generate(path, byClass); err != nil {
			return nil, err
		}
		res.Data["status"] = "successful"
		return res, nil

	case "info":
		info, err := m.virt.Info()
		if err != nil {
			return nil, err
		}
		res.Data["info"] = info
		return res, nil
	}

	// everything else operates on one qube
	if params.Name == "" {
		return nil, fmt.Errorf("%s requires 1 argument: guest", params.Command)
	}

	switch params.Command {
	case "create":
		_, err := m.virt.app.Domain(params.Name)
		if err == nil {
			return res, nil
		}
		if !qubesadmin.IsNotFound(err) {
			return nil, err
		}
		vmType := params.VMType
		if vmType == "" {
			vmType = "AppVM"
		}
		if err := m.virt.Create(params.Name, vmType, params.Label, params.Template, DefaultSentinel); err != nil {
			return nil, err
		}
		res.Changed = true
		res.Data["created"] = params.Name
		return res, nil

	case "destroy":
		return res, m.withChange(res, m.virt.Destroy(ctx, params.Name))
	case "pause":
		return res, m.withChange(res, m.virt.Pause(ctx, params.Name))
	case "unpause":
		return res, m.withChange(res, m.virt.Unpause(ctx, params.Name))
	case "start":
		return res, m.withChange(res, m.virt.Start(ctx, params.Name))
	case "shutdown", "stop":
		return res, m.withChange(res, m.virt.Shutdown(ctx, params.Name, params.Wait))
	case "remove":
		return res, m.withChange(res, m.virt.Remove(ctx, params.Name))
	case "status":
		state, err := m.virt.State(params.Name)
		if err != nil {
			return nil, err
		}
		res.Data["status"] = state
		return res, nil
	case "removetags":
		if len(params.Tags) == 0 {
			return nil, fmt.Errorf("missing tag(s) to remove")
		}
		changed, err := m.virt.RemoveTags(params.Name, params.Tags)
		if err != nil {
			return nil, err
		}
		res.Changed = changed
		res.Msg = "Removed the tag(s)."
		return res, nil
	default:
		return nil, fmt.Errorf("command %s not recognized", params.Command)
	}
}

func (m *Module) withChange(res *Result, err error) error {
	if err != nil {
		return err
	}
	res.Changed = true
	return nil
}

// applyState drives the qube toward the requested power state.
func (m *Module) applyState(ctx context.Context, params Params) (*Result, error) {
	if params.Name == "" {
		return nil, fmt.Errorf("state change requires a guest specified")
	}

	res := newResult()
	current, err := m.virt.State(params.Name)
	if err != nil {
		return nil, err
	}

	switch params.State {
	case StateRunning:
		if current == "paused" {
			res.Changed = true
			err = m.virt.Unpause(ctx, params.Name)
		} else if current != "running" {
			res.Changed = true
			err = m.virt.Start(ctx, params.Name)
		}
	case StateShutdown:
		if current != "shutdown" {
			res.Changed = true
			err = m.virt.Shutdown(ctx, params.Name, params.Wait)
		}
	case StateRestarted:
		res.Changed = true
		res.Msg = "restarted"
		err = m.virt.Restart(ctx, params.Name, params.Wait)
	case StateDestroyed:
		if current != "shutdown" {
			res.Changed = true
			err = m.virt.Destroy(ctx, params.Name)
		}
	case StatePause:
		if current == "running" {
			res.Changed = true
			err = m.virt.Pause(ctx, params.Name)
		}
	case StateAbsent:
		if current == "shutdown" {
			res.Changed = true
			err = m.virt.Remove(ctx, params.Name)
		}
	default:
		return nil, fmt.Errorf("unexpected state %q", params.State)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sortedUnion(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
