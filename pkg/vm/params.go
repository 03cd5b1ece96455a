// Package vm manages qube lifecycle and configuration through the Admin
// API: create, state changes, properties, features, tags, devices, volumes
// and notes.
package vm

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// States accepted by the state parameter.
const (
	StatePresent   = "present"
	StateRunning   = "running"
	StateShutdown  = "shutdown"
	StateDestroyed = "destroyed"
	StateRestarted = "restarted"
	StatePause     = "pause"
	StateAbsent    = "absent"
)

// VMCommands operate on one named qube.
var VMCommands = []string{
	"create", "destroy", "pause", "shutdown", "remove",
	"status", "start", "stop", "unpause", "removetags",
}

// HostCommands operate on the whole system.
var HostCommands = []string{"info", "list_vms", "get_states", "createinventory"}

// Params are the arguments of one module invocation.
type Params struct {
	Name     string `json:"name" yaml:"name"`
	State    string `json:"state" yaml:"state" validate:"omitempty,oneof=present running shutdown destroyed restarted pause absent"`
	Wait     bool   `json:"wait" yaml:"wait"`
	Command  string `json:"command" yaml:"command" validate:"omitempty,oneof=create destroy pause shutdown remove status start stop unpause removetags info list_vms get_states createinventory"`
	Label    string `json:"label" yaml:"label"`
	VMType   string `json:"vmtype" yaml:"vmtype" validate:"omitempty,oneof=AppVM TemplateVM StandaloneVM DispVM"`
	Template string `json:"template" yaml:"template"`

	// Properties holds qube preferences; values must match the property's
	// declared type. "*default*" resets a vm-reference property.
	Properties map[string]interface{} `json:"properties" yaml:"properties"`

	// Features maps feature names to values; a nil value removes the
	// feature.
	Features map[string]*string `json:"features" yaml:"features"`

	Tags    []string      `json:"tags" yaml:"tags"`
	Devices DevicesParam  `json:"devices" yaml:"devices"`
	Notes   string        `json:"notes" yaml:"notes"`

	GatherDeviceFacts bool `json:"gather_device_facts" yaml:"gather_device_facts"`

	// InventoryPath overrides where createinventory writes its output.
	InventoryPath string `json:"inventory_path" yaml:"inventory_path"`
}

// DevicesParam carries the desired device assignments and how to reconcile
// them: strict replaces the full set, append only adds what is missing.
type DevicesParam struct {
	Strategy string        `json:"strategy" yaml:"strategy" validate:"omitempty,oneof=strict append"`
	Items    []DeviceEntry `json:"items" yaml:"items" validate:"dive"`
}

// DeviceEntry is one desired device, optionally with an explicit mode and
// attach options.
type DeviceEntry struct {
	Device  string            `json:"device" yaml:"device" validate:"required"`
	Mode    string            `json:"mode" yaml:"mode" validate:"omitempty,oneof=required auto-attach ask-to-attach"`
	Options map[string]string `json:"options" yaml:"options"`
}

// UnmarshalYAML accepts either the {strategy, items} form or a flat list of
// specs, which implies the strict strategy.
func (d *DevicesParam) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var flat []yamlDeviceEntry
	if err := unmarshal(&flat); err == nil {
		d.Strategy = "strict"
		d.Items = make([]DeviceEntry, len(flat))
		for i, e := range flat {
			d.Items[i] = DeviceEntry(e)
		}
		return nil
	}

	var full struct {
		Strategy string            `yaml:"strategy"`
		Items    []yamlDeviceEntry `yaml:"items"`
	}
	if err := unmarshal(&full); err != nil {
		return err
	}
	d.Strategy = full.Strategy
	if d.Strategy == "" {
		d.Strategy = "strict"
	}
	d.Items = make([]DeviceEntry, len(full.Items))
	for i, e := range full.Items {
		d.Items[i] = DeviceEntry(e)
	}
	return nil
}

// yamlDeviceEntry accepts either a bare spec string or a mapping.
type yamlDeviceEntry DeviceEntry

func (e *yamlDeviceEntry) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var spec string
	if err := unmarshal(&spec); err == nil {
		e.Device = spec
		return nil
	}
	var full struct {
		Device  string            `yaml:"device"`
		Mode    string            `yaml:"mode"`
		Options map[string]string `yaml:"options"`
	}
	if err := unmarshal(&full); err != nil {
		return err
	}
	if full.Device == "" {
		return fmt.Errorf("device entry missing 'device'")
	}
	e.Device = full.Device
	e.Mode = full.Mode
	e.Options = full.Options
	return nil
}

var validate = validator.New()

// Validate checks the structural constraints; property typing and
// cross-references against live qubes happen later, inside Run.
func (p *Params) Validate() error {
	if err := validate.Struct(p); err != nil {
		return fmt.Errorf("invalid parameters: %w", err)
	}
	if p.Label == "" {
		p.Label = "red"
	}
	if p.Devices.Strategy == "" {
		p.Devices.Strategy = "strict"
	}
	return nil
}
