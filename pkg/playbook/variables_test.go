package playbook

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

func loadTestInventory(t *testing.T, content string) *inventory.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	mgr := inventory.NewManager()
	require.NoError(t, mgr.Load(path))
	return mgr
}

func TestGetContextPrecedence(t *testing.T) {
	mgr := loadTestInventory(t, `[appvms]
work env=prod ansible_connection=qubes
personal

[appvms:vars]
http_port=8080
`)

	vars := NewVariableManager(mgr)
	vars.SetPlayVars(map[string]interface{}{"env": "staging", "play_only": "yes"})
	vars.SetHostVar("work", "env", "override")
	vars.SetHostVar("work", "deploy_result", map[string]interface{}{"rc": 0})

	context := vars.GetContext("work")

	assert.Equal(t, "override", context["env"])
	assert.Equal(t, "yes", context["play_only"])
	assert.Equal(t, "8080", context["http_port"])
	assert.Equal(t, "work", context["inventory_hostname"])
	assert.Equal(t, map[string]interface{}{"rc": 0}, context["deploy_result"])

	// personal sees play vars but not work's registered vars
	context = vars.GetContext("personal")
	assert.Equal(t, "staging", context["env"])
	_, has := context["deploy_result"]
	assert.False(t, has)
}

func TestGetContextMagicVars(t *testing.T) {
	mgr := loadTestInventory(t, `[appvms]
work
personal

[templates]
fedora-41
`)

	vars := NewVariableManager(mgr)
	vars.SetPlayHosts([]string{"work", "personal"})
	context := vars.GetContext("work")

	groups, ok := context["groups"].(map[string]interface{})
	require.True(t, ok)
	assert.ElementsMatch(t, []string{"work", "personal"}, groups["appvms"])
	assert.ElementsMatch(t, []string{"work", "personal", "fedora-41"}, groups["all"])

	assert.Contains(t, context["group_names"], "appvms")
	assert.Equal(t, []string{"work", "personal"}, context["ansible_play_hosts"])

	hostvars, ok := context["hostvars"].(map[string]interface{})
	require.True(t, ok)
	personal, ok := hostvars["personal"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "personal", personal["inventory_hostname"])
}

func TestClearRegisteredVars(t *testing.T) {
	mgr := loadTestInventory(t, "work\n")

	vars := NewVariableManager(mgr)
	vars.SetHostVar("work", "stale", true)
	vars.ClearRegisteredVars()

	_, has := vars.GetContext("work")["stale"]
	assert.False(t, has)
}

func TestFilterMagicVars(t *testing.T) {
	filtered := FilterMagicVars(map[string]interface{}{
		"ansible_connection": "qubes",
		"ansible_user":       "user",
		"inventory_hostname": "work",
		"hostvars":           map[string]interface{}{},
		"groups":             map[string]interface{}{},
		"omit":               "sentinel",
		"http_port":          8080,
	})

	assert.Equal(t, map[string]interface{}{
		"ansible_connection": "qubes",
		"ansible_user":       "user",
		"http_port":          8080,
	}, filtered)
}
