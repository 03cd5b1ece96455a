package policy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) (*Manager, string, string) {
	t.Helper()
	dir := t.TempDir()
	includePath := filepath.Join(dir, "include", "qubes-ansible")
	require.NoError(t, os.MkdirAll(filepath.Dir(includePath), 0o755))
	policyPath := filepath.Join(dir, "30-qubes-ansible.policy")

	sysFile := filepath.Join(dir, "include", "admin-local-rwx")
	require.NoError(t, os.WriteFile(sysFile, []byte("admin.vm.List * dom0 dom0 allow\n"), 0o644))

	return NewManagerWithPaths(includePath, policyPath, []string{sysFile}), includePath, policyPath
}

func TestEnsureIncludes(t *testing.T) {
	mgr, includePath, _ := newTestManager(t)

	require.NoError(t, mgr.EnsureIncludes())

	_, err := os.Stat(includePath)
	assert.NoError(t, err)

	sysData, err := os.ReadFile(filepath.Join(filepath.Dir(includePath), "admin-local-rwx"))
	require.NoError(t, err)
	assert.Contains(t, string(sysData), "!include include/qubes-ansible")

	// idempotent
	require.NoError(t, mgr.EnsureIncludes())
	sysData2, err := os.ReadFile(filepath.Join(filepath.Dir(includePath), "admin-local-rwx"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(sysData2), "!include include/qubes-ansible"))
}

func TestAddAndRemove(t *testing.T) {
	mgr, includePath, policyPath := newTestManager(t)
	require.NoError(t, mgr.EnsureIncludes())

	require.NoError(t, mgr.Add("disp-mgmt-work", "work"))

	includeData, err := os.ReadFile(includePath)
	require.NoError(t, err)
	assert.Contains(t, string(includeData), "disp-mgmt-work work allow target=dom0")

	policyData, err := os.ReadFile(policyPath)
	require.NoError(t, err)
	assert.Contains(t, string(policyData), "qubes.Filecopy       * disp-mgmt-work work allow")
	assert.Contains(t, string(policyData), "qubes.VMShell        * disp-mgmt-work work allow")
	assert.Contains(t, string(policyData), "admin.vm.List        * disp-mgmt-work dom0 allow")

	require.NoError(t, mgr.Remove("disp-mgmt-work", "work"))

	includeData, err = os.ReadFile(includePath)
	require.NoError(t, err)
	assert.NotContains(t, string(includeData), "disp-mgmt-work")

	policyData, err = os.ReadFile(policyPath)
	require.NoError(t, err)
	assert.NotContains(t, string(policyData), "disp-mgmt-work")
}

func TestRemoveKeepsOtherRules(t *testing.T) {
	mgr, includePath, policyPath := newTestManager(t)

	require.NoError(t, mgr.Add("disp-mgmt-work", "work"))
	require.NoError(t, mgr.Add("disp-mgmt-personal", "personal"))

	require.NoError(t, mgr.Remove("disp-mgmt-work", "work"))

	includeData, err := os.ReadFile(includePath)
	require.NoError(t, err)
	assert.NotContains(t, string(includeData), "disp-mgmt-work")
	assert.Contains(t, string(includeData), "disp-mgmt-personal personal allow target=dom0")

	policyData, err := os.ReadFile(policyPath)
	require.NoError(t, err)
	assert.NotContains(t, string(policyData), "disp-mgmt-work")
	assert.Contains(t, string(policyData), "qubes.VMShell        * disp-mgmt-personal personal allow")
}
