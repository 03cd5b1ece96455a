package qubesadmin

import (
	"fmt"
	"strings"
	"time"
)

// Client talks to a local qubesd instance. It implements App.
type Client struct {
	wire *wireClient
}

// Option configures a Client.
type Option func(*Client)

// WithSocketPath overrides the qubesd socket location.
func WithSocketPath(path string) Option {
	return func(c *Client) { c.wire.socketPath = path }
}

// WithTimeout overrides the per-call deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.wire.timeout = d }
}

// NewClient returns a client for the dom0 qubesd socket.
func NewClient(opts ...Option) *Client {
	c := &Client{wire: newWireClient("", 0)}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Domains() ([]DomainInfo, error) {
	data, err := c.wire.Call("admin.vm.List", "dom0", "", nil)
	if err != nil {
		return nil, err
	}
	return parseDomainList(data)
}

func (c *Client) Domain(name string) (Domain, error) {
	data, err := c.wire.Call("admin.vm.List", name, "", nil)
	if err != nil {
		if IsNotFound(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, err
	}
	infos, err := parseDomainList(data)
	if err != nil {
		return nil, err
	}
	for _, info := range infos {
		if info.Name == name {
			return &domain{wire: c.wire, name: info.Name, class: info.Class}, nil
		}
	}
	return nil, &NotFoundError{Name: name}
}

func (c *Client) CreateVM(class, name, label, template string) (Domain, error) {
	payload := fmt.Sprintf("name=%s label=%s", name, label)
	_, err := c.wire.Call("admin.vm.Create."+class, "dom0", template, []byte(payload))
	if err != nil {
		return nil, err
	}
	return &domain{wire: c.wire, name: name, class: class}, nil
}

// CloneVM creates a new qube of the given class and copies the source's
// label, template and storage volumes onto it.
func (c *Client) CloneVM(source, name, class string) (Domain, error) {
	src, err := c.Domain(source)
	if err != nil {
		return nil, err
	}
	label, err := src.Property("label")
	if err != nil {
		return nil, err
	}
	template := ""
	if class != "StandaloneVM" && class != "TemplateVM" {
		prop, err := src.Property("template")
		if err == nil {
			template = prop.Value
		}
	}
	dst, err := c.CreateVM(class, name, label.Value, template)
	if err != nil {
		return nil, err
	}
	volumes, err := src.Volumes()
	if err != nil {
		return nil, err
	}
	for _, vol := range volumes {
		if vol != "root" && vol != "private" {
			continue
		}
		if err := c.cloneVolume(source, name, vol); err != nil {
			return nil, err
		}
	}
	return dst, nil
}

// cloneVolume transfers one volume via the CloneFrom/CloneTo token handshake.
func (c *Client) cloneVolume(source, dest, volume string) error {
	token, err := c.wire.Call("admin.vm.volume.CloneFrom", source, volume, nil)
	if err != nil {
		return err
	}
	_, err = c.wire.Call("admin.vm.volume.CloneTo", dest, volume, token)
	return err
}

func (c *Client) CreateDispVM(template, name, label string) (Domain, error) {
	payload := fmt.Sprintf("name=%s label=%s", name, label)
	_, err := c.wire.Call("admin.vm.Create.DispVM", "dom0", template, []byte(payload))
	if err != nil {
		return nil, err
	}
	return &domain{wire: c.wire, name: name, class: "DispVM"}, nil
}

func (c *Client) DefaultNetVM() (string, error) {
	data, err := c.wire.Call("admin.property.Get", "dom0", "default_netvm", nil)
	if err != nil {
		return "", err
	}
	prop, err := parseProperty(data)
	if err != nil {
		return "", err
	}
	return prop.Value, nil
}

func (c *Client) DeviceClasses() ([]string, error) {
	data, err := c.wire.Call("admin.deviceclass.List", "dom0", "", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

// Labels lists defined qube labels (red, green, ...).
func (c *Client) Labels() ([]string, error) {
	data, err := c.wire.Call("admin.label.List", "dom0", "", nil)
	if err != nil {
		return nil, err
	}
	return splitLines(data), nil
}

func parseDomainList(data []byte) ([]DomainInfo, error) {
	var infos []DomainInfo
	for _, line := range splitLines(data) {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		info := DomainInfo{Name: fields[0], State: StateUnknown}
		for _, kv := range fields[1:] {
			key, value, ok := strings.Cut(kv, "=")
			if !ok {
				return nil, fmt.Errorf("malformed admin.vm.List entry %q", line)
			}
			switch key {
			case "class":
				info.Class = value
			case "state":
				info.State = PowerState(value)
			}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// parseProperty parses "default=<bool> type=<type> <value>".
func parseProperty(data []byte) (Property, error) {
	s := string(data)
	defPart, rest, ok := strings.Cut(s, " ")
	if !ok || !strings.HasPrefix(defPart, "default=") {
		return Property{}, fmt.Errorf("malformed property response %q", s)
	}
	typePart, value, ok := strings.Cut(rest, " ")
	if !ok {
		typePart, value = rest, ""
	}
	if !strings.HasPrefix(typePart, "type=") {
		return Property{}, fmt.Errorf("malformed property response %q", s)
	}
	return Property{
		Value:     value,
		Type:      strings.TrimPrefix(typePart, "type="),
		IsDefault: strings.TrimPrefix(defPart, "default=") == "True",
	}, nil
}

func splitLines(data []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(data), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
