package playbook

import (
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

// VariableManager resolves the variable context for a host: inventory vars,
// then play vars, then registered vars, plus the magic variables templates
// expect (hostvars, groups, group_names, inventory_hostname).
type VariableManager struct {
	inventory      *inventory.Manager
	playVars       map[string]interface{}
	registeredVars map[string]map[string]interface{}
	playHosts      []string
}

func NewVariableManager(inv *inventory.Manager) *VariableManager {
	return &VariableManager{
		inventory:      inv,
		playVars:       make(map[string]interface{}),
		registeredVars: make(map[string]map[string]interface{}),
	}
}

func (v *VariableManager) SetPlayVars(vars map[string]interface{}) {
	v.playVars = vars
}

func (v *VariableManager) SetPlayHosts(hosts []string) {
	v.playHosts = hosts
}

// SetHostVar records one registered variable for a host.
func (v *VariableManager) SetHostVar(hostname, key string, value interface{}) {
	if v.registeredVars[hostname] == nil {
		v.registeredVars[hostname] = make(map[string]interface{})
	}
	v.registeredVars[hostname][key] = value
}

// SetHostVars records facts for a host.
func (v *VariableManager) SetHostVars(hostname string, vars map[string]interface{}) {
	if v.registeredVars[hostname] == nil {
		v.registeredVars[hostname] = make(map[string]interface{})
	}
	for k, val := range vars {
		v.registeredVars[hostname][k] = val
	}
}

// ClearRegisteredVars drops registered vars, called between plays.
func (v *VariableManager) ClearRegisteredVars() {
	v.registeredVars = make(map[string]map[string]interface{})
}

// GetContext builds the full template context for one host.
func (v *VariableManager) GetContext(hostname string) map[string]interface{} {
	context := make(map[string]interface{})

	host, err := v.inventory.GetHost(hostname)
	if err == nil {
		for k, val := range host.Vars {
			context[k] = val
		}
	}

	for k, val := range v.playVars {
		context[k] = val
	}

	if hostVars, ok := v.registeredVars[hostname]; ok {
		for k, val := range hostVars {
			context[k] = val
		}
	}

	context["inventory_hostname"] = hostname
	context["ansible_host"] = hostname
	if host != nil {
		if ansibleHost, ok := host.Vars["ansible_host"]; ok {
			context["ansible_host"] = ansibleHost
		}
	}

	context["hostvars"] = v.buildHostvars()
	context["groups"] = v.buildGroups()
	context["group_names"] = v.groupNames(hostname)
	if len(v.playHosts) > 0 {
		context["ansible_play_hosts"] = v.playHosts
		context["ansible_play_batch"] = v.playHosts
	}

	return context
}

func (v *VariableManager) buildHostvars() map[string]interface{} {
	hostvars := make(map[string]interface{})

	allHosts, err := v.inventory.GetHosts("all")
	if err != nil {
		return hostvars
	}

	for _, host := range allHosts {
		hostContext := make(map[string]interface{})
		for k, val := range host.Vars {
			hostContext[k] = val
		}
		for k, val := range v.playVars {
			hostContext[k] = val
		}
		if hostVars, ok := v.registeredVars[host.Name]; ok {
			for k, val := range hostVars {
				hostContext[k] = val
			}
		}
		hostContext["inventory_hostname"] = host.Name
		if ansibleHost, ok := host.Vars["ansible_host"]; ok {
			hostContext["ansible_host"] = ansibleHost
		} else {
			hostContext["ansible_host"] = host.Name
		}
		hostvars[host.Name] = hostContext
	}

	return hostvars
}

func (v *VariableManager) buildGroups() map[string]interface{} {
	groups := make(map[string]interface{})

	allHosts, err := v.inventory.GetHosts("all")
	if err != nil || len(allHosts) == 0 {
		return groups
	}

	members := make(map[string][]string)
	for _, host := range allHosts {
		for _, groupName := range host.Groups {
			members[groupName] = append(members[groupName], host.Name)
		}
	}

	allNames := make([]string, len(allHosts))
	for i, host := range allHosts {
		allNames[i] = host.Name
	}
	members["all"] = allNames

	for groupName, names := range members {
		groups[groupName] = names
	}
	return groups
}

func (v *VariableManager) groupNames(hostname string) []string {
	host, err := v.inventory.GetHost(hostname)
	if err != nil {
		return []string{}
	}
	return host.Groups
}

// magicVars are variables synthesized per run. They never travel to a
// management disposable: the remote run rebuilds them from its own
// inventory, and stale copies would shadow the rebuilt ones.
var magicVars = map[string]bool{
	"ansible_check_mode":           true,
	"ansible_collection_name":      true,
	"ansible_config_file":          true,
	"ansible_dependent_role_names": true,
	"ansible_diff_mode":            true,
	"ansible_facts":                true,
	"ansible_forks":                true,
	"ansible_index_var":            true,
	"ansible_inventory_sources":    true,
	"ansible_limit":                true,
	"ansible_loop":                 true,
	"ansible_loop_var":             true,
	"ansible_parent_role_names":    true,
	"ansible_parent_role_paths":    true,
	"ansible_play_batch":           true,
	"ansible_play_hosts":           true,
	"ansible_play_hosts_all":       true,
	"ansible_play_name":            true,
	"ansible_play_role_names":      true,
	"ansible_playbook_python":      true,
	"ansible_role_name":            true,
	"ansible_role_names":           true,
	"ansible_run_tags":             true,
	"ansible_search_path":          true,
	"ansible_skip_tags":            true,
	"ansible_verbosity":            true,
	"ansible_version":              true,
	"group_names":                  true,
	"groups":                       true,
	"hostvars":                     true,
	"inventory_dir":                true,
	"inventory_hostname":           true,
	"inventory_hostname_short":     true,
	"inventory_file":               true,
	"omit":                         true,
	"play_hosts":                   true,
	"playbook_dir":                 true,
	"role_name":                    true,
	"role_names":                   true,
	"role_path":                    true,
	"vars":                         true,
}

// FilterMagicVars returns a copy of vars with the synthesized variables
// removed. Used when exporting a host's vars for a delegated run.
func FilterMagicVars(vars map[string]interface{}) map[string]interface{} {
	filtered := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		if magicVars[k] {
			continue
		}
		filtered[k] = v
	}
	return filtered
}
