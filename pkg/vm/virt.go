package vm

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"

	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// Virt wraps the Admin API with the operations the module needs.
type Virt struct {
	app qubesadmin.App
}

func NewVirt(app qubesadmin.App) *Virt {
	return &Virt{app: app}
}

// DeviceClasses lists usable device classes.
func (v *Virt) DeviceClasses() ([]string, error) {
	classes, err := v.app.DeviceClasses()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, c := range classes {
		if c != "testclass" {
			out = append(out, c)
		}
	}
	return out, nil
}

// FindDevicesOfClass yields specs of dom0 PCI devices whose first interface
// matches the given PCI class prefix (e.g. "02" for network).
func (v *Virt) FindDevicesOfClass(classPrefix string) ([]string, error) {
	dom0, err := v.app.Domain("dom0")
	if err != nil {
		return nil, err
	}
	devices, err := dom0.AvailableDevices("pci")
	if err != nil {
		return nil, err
	}
	var specs []string
	for _, dev := range devices {
		if len(dev.Interfaces) == 0 {
			continue
		}
		if strings.HasPrefix(dev.Interfaces[0], "p"+classPrefix) {
			specs = append(specs, fmt.Sprintf("pci:dom0:%s:%s", dev.Port, dev.DeviceID))
		}
	}
	sort.Strings(specs)
	return specs, nil
}

// State returns the coarse state of a qube: running, paused or shutdown.
func (v *Virt) State(name string) (string, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return "", err
	}
	state, err := d.State()
	if err != nil {
		return "", err
	}
	return state.Simple(), nil
}

// GetStates lists "name state" lines for every qube.
func (v *Virt) GetStates() ([]string, error) {
	domains, err := v.app.Domains()
	if err != nil {
		return nil, err
	}
	var states []string
	for _, info := range domains {
		states = append(states, fmt.Sprintf("%s %s", info.Name, info.State.Simple()))
	}
	return states, nil
}

// ListVMs names every non-dom0 qube in the given state.
func (v *Virt) ListVMs(state string) ([]string, error) {
	domains, err := v.app.Domains()
	if err != nil {
		return nil, err
	}
	var names []string
	for _, info := range domains {
		if info.Name == "dom0" {
			continue
		}
		if info.State.Simple() == state {
			names = append(names, info.Name)
		}
	}
	return names, nil
}

// AllVMs groups non-dom0 qubes by class.
func (v *Virt) AllVMs() (map[string][]string, error) {
	domains, err := v.app.Domains()
	if err != nil {
		return nil, err
	}
	byClass := make(map[string][]string)
	for _, info := range domains {
		if info.Name == "dom0" {
			continue
		}
		byClass[info.Class] = append(byClass[info.Class], info.Name)
	}
	return byClass, nil
}

// VMInfo is the per-qube record of the info command.
type VMInfo struct {
	State           string `json:"state"`
	ProvidesNetwork bool   `json:"provides_network"`
	Label           string `json:"label"`
}

// Info gathers state, network role and label for every non-dom0 qube.
func (v *Virt) Info() (map[string]VMInfo, error) {
	domains, err := v.app.Domains()
	if err != nil {
		return nil, err
	}
	info := make(map[string]VMInfo)
	for _, di := range domains {
		if di.Name == "dom0" {
			continue
		}
		d, err := v.app.Domain(di.Name)
		if err != nil {
			return nil, err
		}
		provides, err := d.Property("provides_network")
		if err != nil {
			return nil, err
		}
		label, err := d.Property("label")
		if err != nil {
			return nil, err
		}
		info[di.Name] = VMInfo{
			State:           di.State.Simple(),
			ProvidesNetwork: provides.Value == "True",
			Label:           label.Value,
		}
	}
	return info, nil
}

// Shutdown halts a qube, optionally waiting until it reports Halted.
func (v *Virt) Shutdown(ctx context.Context, name string, wait bool) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	if err := d.Shutdown(ctx); err != nil {
		// already halted is not an error
		if !isNotStarted(err) {
			return err
		}
	}
	if wait {
		return d.WaitShutdown(ctx)
	}
	return nil
}

// Restart shuts a qube down and starts it again.
func (v *Virt) Restart(ctx context.Context, name string, wait bool) error {
	if err := v.Shutdown(ctx, name, wait); err != nil {
		return err
	}
	return v.Start(ctx, name)
}

func (v *Virt) Pause(ctx context.Context, name string) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	return d.Pause(ctx)
}

func (v *Virt) Unpause(ctx context.Context, name string) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	return d.Unpause(ctx)
}

func (v *Virt) Start(ctx context.Context, name string) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	return d.Start(ctx)
}

// Destroy kills a qube without a graceful shutdown.
func (v *Virt) Destroy(ctx context.Context, name string) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	if err := d.Kill(ctx); err != nil && !isNotStarted(err) {
		return err
	}
	return nil
}

// Create defines a new qube. An AppVM cloned from another AppVM keeps its
// volumes; otherwise a fresh qube is created from the template. netvm
// follows the property conventions: "*default*" means the system default,
// "" means no network.
func (v *Virt) Create(name, vmType, label, template, netvm string) error {
	switch vmType {
	case "AppVM":
		cloned := false
		if template != "" {
			if src, err := v.app.Domain(template); err == nil && src.Class() == vmType {
				if _, err := v.app.CloneVM(template, name, vmType); err != nil {
					return err
				}
				cloned = true
			}
		}
		if !cloned {
			if _, err := v.app.CreateVM(vmType, name, label, template); err != nil {
				return err
			}
		}
		return v.setNetVM(name, netvm)
	case "StandaloneVM", "TemplateVM":
		if template == "" {
			_, err := v.app.CreateVM(vmType, name, label, "")
			return err
		}
		d, err := v.app.CloneVM(template, name, vmType)
		if err != nil {
			return err
		}
		return d.SetProperty("label", label)
	default:
		return fmt.Errorf("cannot create qube of type %q", vmType)
	}
}

func (v *Virt) setNetVM(name, netvm string) error {
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	switch netvm {
	case DefaultSentinel:
		def, err := v.app.DefaultNetVM()
		if err != nil {
			return err
		}
		return d.SetProperty("netvm", def)
	case "", "none", "None":
		return d.SetProperty("netvm", "")
	default:
		return d.SetProperty("netvm", netvm)
	}
}

// Remove destroys a qube, waits for it to halt and deletes it.
func (v *Virt) Remove(ctx context.Context, name string) error {
	if err := v.Destroy(ctx, name); err != nil {
		return err
	}
	d, err := v.app.Domain(name)
	if err != nil {
		return err
	}
	if err := d.WaitShutdown(ctx); err != nil {
		return err
	}
	return d.Remove()
}

// Properties applies preferences to a qube and reports which changed.
func (v *Virt) Properties(name string, prefs map[string]interface{}, vmType string) (bool, []string, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return false, nil, err
	}

	changed := false
	var valuesChanged []string
	markFeatures := func() {
		for _, k := range valuesChanged {
			if k == "features" {
				return
			}
		}
		valuesChanged = append(valuesChanged, "features")
	}

	keys := make([]string, 0, len(prefs))
	for key := range prefs {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		val := prefs[key]
		switch {
		case vmRefProps[key]:
			strVal, _ := val.(string)
			if val == nil {
				strVal = ""
			}
			if strVal == DefaultSentinel {
				prop, err := d.Property(key)
				if err != nil {
					return changed, valuesChanged, err
				}
				if !prop.IsDefault {
					if err := d.ResetProperty(key); err != nil {
						return changed, valuesChanged, err
					}
					changed = true
					valuesChanged = append(valuesChanged, key)
				}
			} else {
				prop, err := d.Property(key)
				if err != nil {
					return changed, valuesChanged, err
				}
				if prop.Value != strVal || prop.IsDefault {
					if err := d.SetProperty(key, strVal); err != nil {
						return changed, valuesChanged, err
					}
					changed = true
					valuesChanged = append(valuesChanged, key)
				}
			}

		case key == "features":
			feats := toFeatureMap(val)
			featsChanged, err := v.Features(name, feats)
			if err != nil {
				return changed, valuesChanged, err
			}
			if len(featsChanged) > 0 {
				changed = true
				markFeatures()
			}

		case key == "services":
			services, _ := val.([]interface{})
			current, err := d.Features()
			if err != nil {
				return changed, valuesChanged, err
			}
			for _, svc := range services {
				feat := fmt.Sprintf("service.%v", svc)
				if current[feat] != "1" {
					if err := d.SetFeature(feat, "1"); err != nil {
						return changed, valuesChanged, err
					}
					changed = true
				}
			}
			if changed {
				markFeatures()
			}

		case key == "volumes":
			volumes, err := parseVolumes(val, vmType)
			if err != nil {
				return changed, valuesChanged, err
			}
			for _, vol := range volumes {
				if err := d.ResizeVolume(vol.Name, vol.Size); err != nil {
					return changed, valuesChanged,
						fmt.Errorf("failure in updating volume %q: %w", vol.Name, err)
				}
				changed = true
				valuesChanged = append(valuesChanged, "volume:"+vol.Name)
			}

		default:
			want := propValueString(val)
			prop, err := d.Property(key)
			if err != nil {
				return changed, valuesChanged, err
			}
			if prop.Value != want {
				if err := d.SetProperty(key, want); err != nil {
					return changed, valuesChanged, err
				}
				changed = true
				valuesChanged = append(valuesChanged, key)
			}
		}
	}

	return changed, valuesChanged, nil
}

// Notes replaces the qube notes, reporting whether anything changed.
func (v *Virt) Notes(name, notes string) (bool, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return false, err
	}
	current, err := d.Notes()
	if err != nil {
		return false, err
	}
	if current == notes {
		return false, nil
	}
	if err := d.SetNotes(notes); err != nil {
		return false, err
	}
	return true, nil
}

// Features applies feature values; nil removes the feature. Returns the
// names that changed.
func (v *Virt) Features(name string, feats map[string]*string) ([]string, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return nil, err
	}
	current, err := d.Features()
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(feats))
	for key := range feats {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var featuresChanged []string
	for _, key := range keys {
		val := feats[key]
		if val == nil {
			if _, present := current[key]; present {
				if err := d.RemoveFeature(key); err != nil {
					return featuresChanged, err
				}
				featuresChanged = append(featuresChanged, key)
			}
		} else if existing, present := current[key]; !present || existing != *val {
			if err := d.SetFeature(key, *val); err != nil {
				return featuresChanged, err
			}
			featuresChanged = append(featuresChanged, key)
		}
	}
	return featuresChanged, nil
}

// Tags adds tags to a qube, skipping existing ones. Returns the tags added.
func (v *Virt) Tags(name string, tags []string) ([]string, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return nil, err
	}
	current, err := d.Tags()
	if err != nil {
		return nil, err
	}
	have := make(map[string]bool, len(current))
	for _, t := range current {
		have[t] = true
	}

	var updated []string
	for _, tag := range tags {
		if have[tag] {
			continue
		}
		if err := d.AddTag(tag); err != nil {
			return updated, err
		}
		updated = append(updated, tag)
	}
	return updated, nil
}

// RemoveTags removes tags from a qube, ignoring absent ones.
func (v *Virt) RemoveTags(name string, tags []string) (bool, error) {
	d, err := v.app.Domain(name)
	if err != nil {
		return false, err
	}
	current, err := d.Tags()
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(current))
	for _, t := range current {
		have[t] = true
	}

	changed := false
	for _, tag := range tags {
		if !have[tag] {
			continue
		}
		if err := d.RemoveTag(tag); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func isNotStarted(err error) bool {
	var apiErr *qubesadmin.APIError
	if stderrors.As(err, &apiErr) {
		return apiErr.ExcType == "QubesVMNotStartedError" ||
			apiErr.ExcType == "QubesVMNotRunningError"
	}
	return false
}

func toFeatureMap(val interface{}) map[string]*string {
	feats := make(map[string]*string)
	m, ok := val.(map[string]interface{})
	if !ok {
		logger.Warnf("ignoring malformed features value: %v", val)
		return feats
	}
	for k, raw := range m {
		if raw == nil {
			feats[k] = nil
			continue
		}
		s := fmt.Sprintf("%v", raw)
		feats[k] = &s
	}
	return feats
}
