package inventory

import (
	"fmt"
	"os"
	"sort"

	"github.com/flosch/pongo2/v6"
)

// inventoryTemplate renders the INI inventory generated from the current
// set of qubes. dom0 and localhost stay local; every qube class gets its
// own group wired to the qubes connection.
var inventoryTemplate = pongo2.Must(pongo2.FromString(
	`[local]
dom0
localhost

[local:vars]
ansible_connection=local
{% for group in groups %}
[{{ group.Name }}]
{% for vm in group.VMs %}{{ vm }}
{% endfor %}
[{{ group.Name }}:vars]
ansible_connection=qubes
{% endfor %}`))

// classGroups maps qube classes to inventory group names, in output order.
var classGroups = []struct {
	Class string
	Group string
}{
	{"AppVM", "appvms"},
	{"TemplateVM", "templatevms"},
	{"StandaloneVM", "standalonevms"},
}

type inventoryGroup struct {
	Name string
	VMs  []string
}

// Generate writes an inventory file for the given qubes, keyed by class.
// Classes without a group mapping (AdminVM, DispVM) are left out. Names are
// sorted so repeated runs produce identical files.
func Generate(path string, byClass map[string][]string) error {
	var groups []inventoryGroup
	for _, cg := range classGroups {
		vms := byClass[cg.Class]
		if len(vms) == 0 {
			continue
		}
		sorted := make([]string, len(vms))
		copy(sorted, vms)
		sort.Strings(sorted)
		groups = append(groups, inventoryGroup{Name: cg.Group, VMs: sorted})
	}

	out, err := inventoryTemplate.Execute(pongo2.Context{"groups": groups})
	if err != nil {
		return fmt.Errorf("failed to render inventory: %w", err)
	}
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("failed to write inventory %s: %w", path, err)
	}
	return nil
}
