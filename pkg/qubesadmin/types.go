// Package qubesadmin is a thin client for the qubesd Admin API.
//
// Every call is a synchronous request/response over the local qubesd socket.
// No VM state is cached here; qubesd is always the source of truth.
package qubesadmin

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
)

// PowerState is the qubesd-reported power state of a qube.
type PowerState string

const (
	StateRunning   PowerState = "Running"
	StatePaused    PowerState = "Paused"
	StateHalted    PowerState = "Halted"
	StateTransient PowerState = "Transient"
	StateSuspended PowerState = "Suspended"
	StateCrashed   PowerState = "Crashed"
	StateUnknown   PowerState = "Unknown"
)

// Simple returns the coarse state used by the vm module: running, paused or
// shutdown.
func (s PowerState) Simple() string {
	switch s {
	case StateRunning, StateTransient:
		return "running"
	case StatePaused, StateSuspended:
		return "paused"
	case StateHalted, StateCrashed:
		return "shutdown"
	default:
		return ""
	}
}

// DomainInfo is one row of admin.vm.List.
type DomainInfo struct {
	Name  string
	Class string
	State PowerState
}

// Property is a qube property as reported by admin.vm.property.Get.
type Property struct {
	Value     string
	Type      string
	IsDefault bool
}

// DeviceAssignment describes one device assigned to a qube.
type DeviceAssignment struct {
	Class    string
	Backend  string
	Port     string
	DeviceID string
	Mode     string
	Options  map[string]string
}

// Spec renders the assignment in the canonical
// devclass:backend:port:device_id form.
func (a DeviceAssignment) Spec() string {
	return fmt.Sprintf("%s:%s:%s:%s", a.Class, a.Backend, a.Port, a.DeviceID)
}

// Ident renders the backend+port:device_id identity used as the Admin API
// call argument.
func (a DeviceAssignment) Ident() string {
	return fmt.Sprintf("%s+%s:%s", a.Backend, a.Port, a.DeviceID)
}

// DeviceInfo describes a device exposed by a backend domain.
type DeviceInfo struct {
	Port       string
	DeviceID   string
	Interfaces []string
}

// ServiceResult is the outcome of a qrexec service call against a qube.
type ServiceResult struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// App is the entry point to the Admin API. The socket-backed implementation
// lives in this package; tests substitute fakes.
type App interface {
	// Domains lists all qubes known to qubesd, dom0 included.
	Domains() ([]DomainInfo, error)

	// Domain returns a handle for the named qube, or ErrNotFound.
	Domain(name string) (Domain, error)

	// CreateVM defines a new qube of the given class. template may be empty
	// for classes that do not take one.
	CreateVM(class, name, label, template string) (Domain, error)

	// CloneVM defines a new qube as a copy of source, volumes included.
	CloneVM(source, name, class string) (Domain, error)

	// CreateDispVM defines a named disposable based on the given disposable
	// template.
	CreateDispVM(template, name, label string) (Domain, error)

	// DefaultNetVM returns the system-wide default netvm name, or "" when
	// unset.
	DefaultNetVM() (string, error)

	// DeviceClasses lists available device classes.
	DeviceClasses() ([]string, error)
}

// Domain is a handle on one qube. Methods map 1:1 onto Admin API calls.
type Domain interface {
	Name() string
	Class() string

	State() (PowerState, error)

	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	Kill(ctx context.Context) error
	Pause(ctx context.Context) error
	Unpause(ctx context.Context) error
	// WaitShutdown blocks until the qube halts or ctx expires.
	WaitShutdown(ctx context.Context) error
	Remove() error

	Property(name string) (Property, error)
	SetProperty(name, value string) error
	ResetProperty(name string) error

	Features() (map[string]string, error)
	SetFeature(name, value string) error
	RemoveFeature(name string) error

	Tags() ([]string, error)
	AddTag(tag string) error
	RemoveTag(tag string) error

	Volumes() ([]string, error)
	ResizeVolume(name string, size int64) error

	Devices(class string) ([]DeviceAssignment, error)
	AvailableDevices(class string) ([]DeviceInfo, error)
	AssignDevice(a DeviceAssignment) error
	UnassignDevice(a DeviceAssignment) error

	Notes() (string, error)
	SetNotes(notes string) error

	// RunService invokes a qrexec service on the qube, feeding stdin and
	// returning captured output. localCmd, when set, becomes the local end
	// of the data channel instead of stdin/stdout.
	RunService(ctx context.Context, service string, stdin []byte, localCmd string) (*ServiceResult, error)
}

// NotFoundError is returned when qubesd has no qube with the given name.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no such domain: %s", e.Name)
}

// IsNotFound reports whether err means a missing qube.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	if stderrors.As(err, &nf) {
		return true
	}
	// qubesd reports missing domains as QubesNoSuchVMError.
	var api *APIError
	if stderrors.As(err, &api) {
		return api.ExcType == "QubesNoSuchVMError"
	}
	return false
}

// APIError is a remote exception relayed by qubesd.
type APIError struct {
	Method  string
	Dest    string
	ExcType string
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s (%s %s)", e.ExcType, e.Message, e.Method, e.Dest)
	}
	return fmt.Sprintf("%s (%s %s)", e.ExcType, e.Method, e.Dest)
}

// ParseDeviceSpec parses a devclass:backend:port[:device_id] spec string.
func ParseDeviceSpec(spec string) (DeviceAssignment, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 3 || len(parts) > 4 {
		return DeviceAssignment{}, fmt.Errorf("invalid device spec %q", spec)
	}
	a := DeviceAssignment{
		Class:   parts[0],
		Backend: parts[1],
		Port:    parts[2],
	}
	if len(parts) == 4 {
		a.DeviceID = parts[3]
	}
	if a.Class == "" || a.Backend == "" || a.Port == "" {
		return DeviceAssignment{}, fmt.Errorf("invalid device spec %q", spec)
	}
	return a, nil
}
