package inventory

// Host is one inventory host entry.
type Host struct {
	Name   string                 // inventory hostname (alias)
	Vars   map[string]interface{} // merged vars, ansible_host etc. included
	Groups []string               // names of groups the host belongs to
}

// ConnectionType returns the host's ansible_connection var, or "" when the
// inventory does not set one.
func (h *Host) ConnectionType() string {
	if v, ok := h.Vars["ansible_connection"].(string); ok {
		return v
	}
	return ""
}

// IsLocal reports whether the host runs plays in place instead of being
// delegated to a managed qube.
func (h *Host) IsLocal() bool {
	if h.Name == "localhost" || h.Name == "127.0.0.1" {
		return h.ConnectionType() == "" || h.ConnectionType() == "local"
	}
	return h.ConnectionType() == "local"
}

// Group is a named set of hosts.
type Group struct {
	Name     string
	Hosts    []string
	Children []string
	Vars     map[string]interface{}
	Parents  []string
}

// Inventory holds all hosts and groups from one source.
type Inventory struct {
	Hosts  map[string]*Host
	Groups map[string]*Group
}

// NewInventory returns an empty inventory with the implicit all and
// ungrouped groups.
func NewInventory() *Inventory {
	inv := &Inventory{
		Hosts:  make(map[string]*Host),
		Groups: make(map[string]*Group),
	}
	inv.Groups["all"] = newGroup("all")
	ungrouped := newGroup("ungrouped")
	ungrouped.Parents = []string{"all"}
	inv.Groups["ungrouped"] = ungrouped
	return inv
}

func newGroup(name string) *Group {
	return &Group{
		Name:     name,
		Hosts:    []string{},
		Children: []string{},
		Vars:     make(map[string]interface{}),
		Parents:  []string{},
	}
}

// ensureGroup returns the named group, creating it if needed.
func (inv *Inventory) ensureGroup(name string) *Group {
	if g, ok := inv.Groups[name]; ok {
		return g
	}
	g := newGroup(name)
	inv.Groups[name] = g
	return g
}

// addHost creates or updates a host and records its group membership.
func (inv *Inventory) addHost(name, group string, vars map[string]interface{}) *Host {
	host, ok := inv.Hosts[name]
	if !ok {
		host = &Host{
			Name:   name,
			Vars:   make(map[string]interface{}),
			Groups: []string{},
		}
		inv.Hosts[name] = host
	}
	for k, v := range vars {
		host.Vars[k] = v
	}
	if group != "" {
		g := inv.ensureGroup(group)
		if !contains(host.Groups, group) {
			host.Groups = append(host.Groups, group)
		}
		if !contains(g.Hosts, name) {
			g.Hosts = append(g.Hosts, name)
		}
	}
	all := inv.Groups["all"]
	if !contains(all.Hosts, name) {
		all.Hosts = append(all.Hosts, name)
	}
	return host
}

// mergeHostVars flattens group vars onto each host: all group first, then
// the host's groups, then the host's own vars.
func (inv *Inventory) mergeHostVars() {
	for _, host := range inv.Hosts {
		merged := make(map[string]interface{})
		if all, ok := inv.Groups["all"]; ok {
			for k, v := range all.Vars {
				merged[k] = v
			}
		}
		for _, groupName := range host.Groups {
			if group, ok := inv.Groups[groupName]; ok {
				for k, v := range group.Vars {
					merged[k] = v
				}
			}
		}
		for k, v := range host.Vars {
			merged[k] = v
		}
		host.Vars = merged
	}
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
