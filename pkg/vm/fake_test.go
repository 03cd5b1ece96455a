package vm

import (
	"context"
	"fmt"
	"sync"

	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
)

// fakeApp is an in-memory Admin API backend for tests.
type fakeApp struct {
	mu            sync.Mutex
	domains       map[string]*fakeDomain
	defaultNetVM  string
	deviceClasses []string
	pciAvailable  []qubesadmin.DeviceInfo
}

func newFakeApp() *fakeApp {
	return &fakeApp{
		domains:       make(map[string]*fakeDomain),
		defaultNetVM:  "sys-firewall",
		deviceClasses: []string{"pci", "usb", "block", "mic", "testclass"},
	}
}

func (f *fakeApp) addDomain(name, class string) *fakeDomain {
	d := &fakeDomain{
		app:        f,
		name:       name,
		class:      class,
		state:      qubesadmin.StateHalted,
		properties: make(map[string]qubesadmin.Property),
		features:   make(map[string]string),
		volumes:    []string{"root", "private", "volatile", "kernel"},
		assigned:   make(map[string][]qubesadmin.DeviceAssignment),
	}
	f.domains[name] = d
	return d
}

func (f *fakeApp) Domains() ([]qubesadmin.DomainInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var infos []qubesadmin.DomainInfo
	for _, d := range f.domains {
		infos = append(infos, qubesadmin.DomainInfo{
			Name: d.name, Class: d.class, State: d.state,
		})
	}
	return infos, nil
}

func (f *fakeApp) Domain(name string) (qubesadmin.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.domains[name]
	if !ok {
		return nil, &qubesadmin.NotFoundError{Name: name}
	}
	return d, nil
}

func (f *fakeApp) CreateVM(class, name, label, template string) (qubesadmin.Domain, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.domains[name]; exists {
		return nil, &qubesadmin.APIError{ExcType: "QubesVMError", Message: "already exists"}
	}
	d := &fakeDomain{
		app:        f,
		name:       name,
		class:      class,
		state:      qubesadmin.StateHalted,
		properties: make(map[string]qubesadmin.Property),
		features:   make(map[string]string),
		volumes:    []string{"root", "private", "volatile", "kernel"},
		assigned:   make(map[string][]qubesadmin.DeviceAssignment),
	}
	d.properties["label"] = qubesadmin.Property{Value: label, Type: "label"}
	if template != "" {
		d.properties["template"] = qubesadmin.Property{Value: template, Type: "vm"}
	}
	d.properties["netvm"] = qubesadmin.Property{Value: f.defaultNetVM, Type: "vm", IsDefault: true}
	f.domains[name] = d
	return d, nil
}

func (f *fakeApp) CloneVM(source, name, class string) (qubesadmin.Domain, error) {
	f.mu.Lock()
	src, ok := f.domains[source]
	f.mu.Unlock()
	if !ok {
		return nil, &qubesadmin.NotFoundError{Name: source}
	}
	label := src.properties["label"].Value
	template := src.properties["template"].Value
	d, err := f.CreateVM(class, name, label, template)
	if err != nil {
		return nil, err
	}
	d.(*fakeDomain).clonedFrom = source
	return d, nil
}

func (f *fakeApp) CreateDispVM(template, name, label string) (qubesadmin.Domain, error) {
	d, err := f.CreateVM("DispVM", name, label, template)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (f *fakeApp) DefaultNetVM() (string, error) {
	return f.defaultNetVM, nil
}

func (f *fakeApp) DeviceClasses() ([]string, error) {
	return f.deviceClasses, nil
}

// fakeDomain records state changes in memory.
type fakeDomain struct {
	app        *fakeApp
	name       string
	class      string
	state      qubesadmin.PowerState
	properties map[string]qubesadmin.Property
	features   map[string]string
	tags       []string
	volumes    []string
	resized    map[string]int64
	assigned   map[string][]qubesadmin.DeviceAssignment
	notes      string
	clonedFrom string
	removed    bool

	serviceCalls []string
}

func (d *fakeDomain) Name() string  { return d.name }
func (d *fakeDomain) Class() string { return d.class }

func (d *fakeDomain) State() (qubesadmin.PowerState, error) {
	if d.removed {
		return qubesadmin.StateUnknown, &qubesadmin.NotFoundError{Name: d.name}
	}
	return d.state, nil
}

func (d *fakeDomain) Start(ctx context.Context) error {
	d.state = qubesadmin.StateRunning
	return nil
}

func (d *fakeDomain) Shutdown(ctx context.Context) error {
	if d.state == qubesadmin.StateHalted {
		return &qubesadmin.APIError{ExcType: "QubesVMNotStartedError"}
	}
	d.state = qubesadmin.StateHalted
	return nil
}

func (d *fakeDomain) Kill(ctx context.Context) error {
	if d.state == qubesadmin.StateHalted {
		return &qubesadmin.APIError{ExcType: "QubesVMNotStartedError"}
	}
	d.state = qubesadmin.StateHalted
	return nil
}

func (d *fakeDomain) Pause(ctx context.Context) error {
	d.state = qubesadmin.StatePaused
	return nil
}

func (d *fakeDomain) Unpause(ctx context.Context) error {
	d.state = qubesadmin.StateRunning
	return nil
}

func (d *fakeDomain) WaitShutdown(ctx context.Context) error {
	if d.state != qubesadmin.StateHalted {
		return fmt.Errorf("%s still %s", d.name, d.state)
	}
	return nil
}

func (d *fakeDomain) Remove() error {
	d.app.mu.Lock()
	defer d.app.mu.Unlock()
	delete(d.app.domains, d.name)
	d.removed = true
	return nil
}

func (d *fakeDomain) Property(name string) (qubesadmin.Property, error) {
	if p, ok := d.properties[name]; ok {
		return p, nil
	}
	return qubesadmin.Property{IsDefault: true}, nil
}

func (d *fakeDomain) SetProperty(name, value string) error {
	d.properties[name] = qubesadmin.Property{Value: value}
	return nil
}

func (d *fakeDomain) ResetProperty(name string) error {
	d.properties[name] = qubesadmin.Property{IsDefault: true}
	return nil
}

func (d *fakeDomain) Features() (map[string]string, error) {
	out := make(map[string]string, len(d.features))
	for k, v := range d.features {
		out[k] = v
	}
	return out, nil
}

func (d *fakeDomain) SetFeature(name, value string) error {
	d.features[name] = value
	return nil
}

func (d *fakeDomain) RemoveFeature(name string) error {
	delete(d.features, name)
	return nil
}

func (d *fakeDomain) Tags() ([]string, error) {
	return append([]string{}, d.tags...), nil
}

func (d *fakeDomain) AddTag(tag string) error {
	d.tags = append(d.tags, tag)
	return nil
}

func (d *fakeDomain) RemoveTag(tag string) error {
	var out []string
	for _, t := range d.tags {
		if t != tag {
			out = append(out, t)
		}
	}
	d.tags = out
	return nil
}

func (d *fakeDomain) Volumes() ([]string, error) {
	return append([]string{}, d.volumes...), nil
}

func (d *fakeDomain) ResizeVolume(name string, size int64) error {
	if d.resized == nil {
		d.resized = make(map[string]int64)
	}
	d.resized[name] = size
	return nil
}

func (d *fakeDomain) Devices(class string) ([]qubesadmin.DeviceAssignment, error) {
	return append([]qubesadmin.DeviceAssignment{}, d.assigned[class]...), nil
}

func (d *fakeDomain) AvailableDevices(class string) ([]qubesadmin.DeviceInfo, error) {
	if d.name == "dom0" && class == "pci" {
		return d.app.pciAvailable, nil
	}
	return nil, nil
}

func (d *fakeDomain) AssignDevice(a qubesadmin.DeviceAssignment) error {
	d.assigned[a.Class] = append(d.assigned[a.Class], a)
	return nil
}

func (d *fakeDomain) UnassignDevice(a qubesadmin.DeviceAssignment) error {
	var out []qubesadmin.DeviceAssignment
	for _, existing := range d.assigned[a.Class] {
		if existing.Spec() != a.Spec() {
			out = append(out, existing)
		}
	}
	d.assigned[a.Class] = out
	return nil
}

func (d *fakeDomain) Notes() (string, error) {
	return d.notes, nil
}

func (d *fakeDomain) SetNotes(notes string) error {
	d.notes = notes
	return nil
}

func (d *fakeDomain) RunService(ctx context.Context, service string, stdin []byte, localCmd string) (*qubesadmin.ServiceResult, error) {
	d.serviceCalls = append(d.serviceCalls, service)
	return &qubesadmin.ServiceResult{}, nil
}
