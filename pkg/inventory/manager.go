package inventory

import (
	"fmt"
	"strings"
)

// Manager loads an inventory source and answers host pattern queries.
type Manager struct {
	inventory *Inventory
}

func NewManager() *Manager {
	return &Manager{inventory: NewInventory()}
}

// Load parses the file at path, picking the parser by extension.
func (m *Manager) Load(path string) error {
	var parser Parser
	if strings.HasSuffix(path, ".yml") || strings.HasSuffix(path, ".yaml") {
		parser = NewYAMLParser()
	} else {
		parser = NewINIParser()
	}

	inv, err := parser.Parse(path)
	if err != nil {
		return err
	}
	m.inventory = inv
	return nil
}

// Inventory returns the loaded inventory.
func (m *Manager) Inventory() *Inventory {
	return m.inventory
}

// GetHost returns a single host by name.
func (m *Manager) GetHost(name string) (*Host, error) {
	host, exists := m.inventory.Hosts[name]
	if !exists {
		return nil, fmt.Errorf("host not found: %s", name)
	}
	return host, nil
}

// GetHosts resolves a host pattern: "all", a group name, a host name, or a
// comma-separated combination of those.
func (m *Manager) GetHosts(pattern string) ([]*Host, error) {
	var hosts []*Host
	seen := make(map[string]bool)

	add := func(h *Host) {
		if !seen[h.Name] {
			hosts = append(hosts, h)
			seen[h.Name] = true
		}
	}

	for _, part := range strings.Split(pattern, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		switch {
		case part == "all":
			for _, name := range m.inventory.Groups["all"].Hosts {
				if host, ok := m.inventory.Hosts[name]; ok {
					add(host)
				}
			}
		case m.inventory.Groups[part] != nil:
			for _, name := range m.collectGroupHosts(m.inventory.Groups[part]) {
				if host, ok := m.inventory.Hosts[name]; ok {
					add(host)
				}
			}
		case m.inventory.Hosts[part] != nil:
			add(m.inventory.Hosts[part])
		default:
			return nil, fmt.Errorf("no hosts matched pattern: %s", part)
		}
	}

	if len(hosts) == 0 {
		return nil, fmt.Errorf("no hosts matched pattern: %s", pattern)
	}
	return hosts, nil
}

// GetGroup returns a group by name.
func (m *Manager) GetGroup(name string) (*Group, error) {
	group, exists := m.inventory.Groups[name]
	if !exists {
		return nil, fmt.Errorf("group not found: %s", name)
	}
	return group, nil
}

// GroupNames returns the names of the groups a host belongs to.
func (m *Manager) GroupNames(hostname string) []string {
	host, exists := m.inventory.Hosts[hostname]
	if !exists {
		return nil
	}
	return host.Groups
}

// collectGroupHosts walks the group and its children, preserving order and
// dropping duplicates.
func (m *Manager) collectGroupHosts(group *Group) []string {
	hostnames := make([]string, 0)
	seen := make(map[string]bool)

	var collect func(*Group)
	collect = func(g *Group) {
		for _, hostname := range g.Hosts {
			if !seen[hostname] {
				hostnames = append(hostnames, hostname)
				seen[hostname] = true
			}
		}
		for _, childName := range g.Children {
			if child, exists := m.inventory.Groups[childName]; exists {
				collect(child)
			}
		}
	}

	collect(group)
	return hostnames
}
