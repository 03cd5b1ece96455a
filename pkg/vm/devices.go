package vm

import (
	"fmt"

	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// defaultMode picks the assignment mode when an entry does not set one:
// PCI devices must be required, everything else auto-attaches.
func defaultMode(class string) string {
	if class == "pci" {
		return "required"
	}
	return "auto-attach"
}

// normalizeDevices parses device entries into assignments, checking each
// class against the classes qubesd knows.
func (v *Virt) normalizeDevices(entries []DeviceEntry) ([]qubesadmin.DeviceAssignment, error) {
	classes, err := v.DeviceClasses()
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(classes))
	for _, c := range classes {
		known[c] = true
	}

	var assignments []qubesadmin.DeviceAssignment
	for _, entry := range entries {
		a, err := qubesadmin.ParseDeviceSpec(entry.Device)
		if err != nil {
			return nil, err
		}
		if !known[a.Class] {
			return nil, fmt.Errorf("invalid devclass %q", a.Class)
		}
		a.Mode = entry.Mode
		if a.Mode == "" {
			a.Mode = defaultMode(a.Class)
		}
		a.Options = entry.Options
		if a.Options == nil {
			a.Options = map[string]string{}
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// ApplyDevices reconciles a qube's device assignments with the desired set.
// The strict strategy makes the assignments exactly the desired set; append
// only adds entries that are missing.
func (v *Virt) ApplyDevices(name string, devices DevicesParam) (bool, error) {
	desired, err := v.normalizeDevices(devices.Items)
	if err != nil {
		return false, err
	}
	classes, err := v.DeviceClasses()
	if err != nil {
		return false, err
	}
	d, err := v.app.Domain(name)
	if err != nil {
		return false, err
	}

	changed := false
	for _, class := range classes {
		var wants []qubesadmin.DeviceAssignment
		for _, a := range desired {
			if a.Class == class {
				wants = append(wants, a)
			}
		}

		var classChanged bool
		switch devices.Strategy {
		case "", "strict":
			classChanged, err = syncClass(d, class, wants)
		case "append":
			classChanged, err = appendClass(d, class, wants)
		default:
			return changed, fmt.Errorf("invalid devices strategy %q", devices.Strategy)
		}
		if err != nil {
			return changed, err
		}
		changed = changed || classChanged
	}
	return changed, nil
}

// syncClass makes the qube's assignments of one class match wants exactly.
func syncClass(d qubesadmin.Domain, class string, wants []qubesadmin.DeviceAssignment) (bool, error) {
	current, err := d.Devices(class)
	if err != nil {
		return false, err
	}
	currentBySpec := make(map[string]qubesadmin.DeviceAssignment, len(current))
	for _, a := range current {
		currentBySpec[a.Spec()] = a
	}
	wantBySpec := make(map[string]qubesadmin.DeviceAssignment, len(wants))
	for _, a := range wants {
		wantBySpec[a.Spec()] = a
	}

	changed := false
	for spec, a := range currentBySpec {
		if _, keep := wantBySpec[spec]; !keep {
			if err := d.UnassignDevice(a); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	for spec, want := range wantBySpec {
		existing, present := currentBySpec[spec]
		if !present {
			if err := d.AssignDevice(want); err != nil {
				return changed, err
			}
			changed = true
			continue
		}
		if existing.Mode != want.Mode || !optionsEqual(existing.Options, want.Options) {
			if err := d.UnassignDevice(existing); err != nil {
				return changed, err
			}
			if err := d.AssignDevice(want); err != nil {
				return changed, err
			}
			changed = true
		}
	}
	return changed, nil
}

// appendClass adds missing assignments and leaves existing ones untouched.
func appendClass(d qubesadmin.Domain, class string, wants []qubesadmin.DeviceAssignment) (bool, error) {
	current, err := d.Devices(class)
	if err != nil {
		return false, err
	}
	have := make(map[string]bool, len(current))
	for _, a := range current {
		have[a.Spec()] = true
	}

	changed := false
	for _, want := range wants {
		if have[want.Spec()] {
			continue
		}
		if err := d.AssignDevice(want); err != nil {
			return changed, err
		}
		changed = true
	}
	return changed, nil
}

func optionsEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}
