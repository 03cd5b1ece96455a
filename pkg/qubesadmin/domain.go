package qubesadmin

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// shutdownPollInterval paces WaitShutdown state checks.
const shutdownPollInterval = 500 * time.Millisecond

type domain struct {
	wire  *wireClient
	name  string
	class string
}

func (d *domain) Name() string  { return d.name }
func (d *domain) Class() string { return d.class }

func (d *domain) State() (PowerState, error) {
	data, err := d.wire.Call("admin.vm.CurrentState", d.name, "", nil)
	if err != nil {
		return StateUnknown, err
	}
	for _, kv := range strings.Fields(string(data)) {
		if value, ok := strings.CutPrefix(kv, "power_state="); ok {
			return PowerState(value), nil
		}
	}
	return StateUnknown, fmt.Errorf("no power_state in CurrentState response %q", data)
}

func (d *domain) Start(ctx context.Context) error {
	return d.lifecycle(ctx, "admin.vm.Start")
}

func (d *domain) Shutdown(ctx context.Context) error {
	return d.lifecycle(ctx, "admin.vm.Shutdown")
}

func (d *domain) Kill(ctx context.Context) error {
	return d.lifecycle(ctx, "admin.vm.Kill")
}

func (d *domain) Pause(ctx context.Context) error {
	return d.lifecycle(ctx, "admin.vm.Pause")
}

func (d *domain) Unpause(ctx context.Context) error {
	return d.lifecycle(ctx, "admin.vm.Unpause")
}

// lifecycle issues a state-change call. qubesd blocks until the transition
// is underway, so the call itself honors the wire timeout; ctx only guards
// the caller giving up before the call is issued.
func (d *domain) lifecycle(ctx context.Context, method string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.wire.Call(method, d.name, "", nil)
	return err
}

func (d *domain) WaitShutdown(ctx context.Context) error {
	ticker := time.NewTicker(shutdownPollInterval)
	defer ticker.Stop()
	for {
		state, err := d.State()
		if err != nil {
			if IsNotFound(err) {
				// Disposables disappear once halted.
				return nil
			}
			return err
		}
		if state == StateHalted {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to halt: %w", d.name, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (d *domain) Remove() error {
	_, err := d.wire.Call("admin.vm.Remove", d.name, "", nil)
	return err
}

func (d *domain) Property(name string) (Property, error) {
	data, err := d.wire.Call("admin.vm.property.Get", d.name, name, nil)
	if err != nil {
		return Property{}, err
	}
	return parseProperty(data)
}

func (d *domain) SetProperty(name, value string) error {
	_, err := d.wire.Call("admin.vm.property.Set", d.name, name, []byte(value))
	return err
}

func (d *domain) ResetProperty(name string) error {
	_, err := d.wire.Call("admin.vm.property.Reset", d.name, name, nil)
	return err
}

func (d *domain) Features() (map[string]string, error) {
	data, err := d.wire.Call("admin.vm.feature.List", d.name, "", nil)
	if err != nil {
		return nil, err
	}
	features := make(map[string]string)
	for _, name := range splitLines(data) {
		value, err := d.wire.Call("admin.vm.feature.Get", d.name, name, nil)
		if err != nil {
			return nil, err
		}
		features[name] = string(value)
	}
	return features, nil
}

func (d *domain) SetFeature(name, value string) error {
	_, err := d.wire.Call("admin.vm.feature.Set", d.name, name, []byte(value))
	return err
}

func (d *domain) RemoveFeature(name string) error {
	_, err := d.wire.Call("admin.vm.feature.Remove", d.name, name, nil)
	return err
}

func (d *domain) Tags() ([]string, error) {
	data, err := d.wire.Call("admin.vm.tag.List", d.name, "", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (d *domain) AddTag(tag string) error {
	_, err := d.wire.Call("admin.vm.tag.Set", d.name, tag, nil)
	return err
}

func (d *domain) RemoveTag(tag string) error {
	_, err := d.wire.Call("admin.vm.tag.Remove", d.name, tag, nil)
	return err
}

func (d *domain) Volumes() ([]string, error) {
	data, err := d.wire.Call("admin.vm.volume.List", d.name, "", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func (d *domain) ResizeVolume(name string, size int64) error {
	_, err := d.wire.Call("admin.vm.volume.Resize", d.name, name,
		[]byte(fmt.Sprintf("%d", size)))
	return err
}

func (d *domain) Devices(class string) ([]DeviceAssignment, error) {
	data, err := d.wire.Call("admin.vm.device."+class+".Assigned", d.name, "", nil)
	if err != nil {
		return nil, err
	}
	var assignments []DeviceAssignment
	for _, line := range splitLines(data) {
		a, err := parseAssignment(class, line)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, a)
	}
	return assignments, nil
}

func (d *domain) AvailableDevices(class string) ([]DeviceInfo, error) {
	data, err := d.wire.Call("admin.vm.device."+class+".Available", d.name, "", nil)
	if err != nil {
		return nil, err
	}
	var devices []DeviceInfo
	for _, line := range splitLines(data) {
		devices = append(devices, parseDeviceInfo(line))
	}
	return devices, nil
}

func (d *domain) AssignDevice(a DeviceAssignment) error {
	payload := "mode=" + a.Mode
	for key, value := range a.Options {
		payload += fmt.Sprintf(" _%s=%s", key, value)
	}
	_, err := d.wire.Call("admin.vm.device."+a.Class+".Assign", d.name,
		a.Ident(), []byte(payload))
	return err
}

func (d *domain) UnassignDevice(a DeviceAssignment) error {
	_, err := d.wire.Call("admin.vm.device."+a.Class+".Unassign", d.name,
		a.Ident(), nil)
	return err
}

func (d *domain) Notes() (string, error) {
	data, err := d.wire.Call("admin.vm.notes.Get", d.name, "", nil)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (d *domain) SetNotes(notes string) error {
	_, err := d.wire.Call("admin.vm.notes.Set", d.name, "", []byte(notes))
	return err
}

// parseDeviceInfo parses one Available line:
//
//	<port> device_id='<id>' interfaces='<iface>...' [key='value' ...]
func parseDeviceInfo(line string) DeviceInfo {
	fields := strings.Fields(line)
	info := DeviceInfo{Port: fields[0]}
	for _, kv := range fields[1:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, "'")
		switch key {
		case "device_id":
			info.DeviceID = value
		case "interfaces":
			// interfaces are fixed-width 7 char descriptors, p<class><subclass><progif>
			for len(value) >= 7 {
				info.Interfaces = append(info.Interfaces, value[:7])
				value = value[7:]
			}
			if value != "" {
				info.Interfaces = append(info.Interfaces, value)
			}
		}
	}
	return info
}

// parseAssignment parses one Assigned line:
//
//	<backend>+<port>:<device_id> mode=<mode> [_opt=value ...]
func parseAssignment(class, line string) (DeviceAssignment, error) {
	fields := strings.Fields(line)
	ident := fields[0]
	backendPort, deviceID, _ := strings.Cut(ident, ":")
	backend, port, ok := strings.Cut(backendPort, "+")
	if !ok {
		return DeviceAssignment{}, fmt.Errorf("malformed device assignment %q", line)
	}
	a := DeviceAssignment{
		Class:    class,
		Backend:  backend,
		Port:     port,
		DeviceID: deviceID,
		Options:  make(map[string]string),
	}
	for _, kv := range fields[1:] {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		if key == "mode" {
			a.Mode = value
		} else if rest, ok := strings.CutPrefix(key, "_"); ok {
			a.Options[rest] = value
		}
	}
	return a, nil
}
