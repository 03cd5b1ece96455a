package runner

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/module"
)

func localInventory(t *testing.T) *inventory.Manager {
	t.Helper()
	path := filepath.Join(t.TempDir(), "inventory")
	require.NoError(t, os.WriteFile(path,
		[]byte("localhost ansible_connection=local\n"), 0o644))
	mgr := inventory.NewManager()
	require.NoError(t, mgr.Load(path))
	return mgr
}

func TestAdhocPing(t *testing.T) {
	r := NewAdhocRunner(localInventory(t), module.NewExecutor())

	results, err := r.Run("localhost", "ping", map[string]interface{}{})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, "localhost", results[0].Host)
	assert.Equal(t, "pong", results[0].ModuleResult.Ping)
	assert.False(t, HasFailure(results))
}

func TestAdhocCommand(t *testing.T) {
	r := NewAdhocRunner(localInventory(t), module.NewExecutor())

	results, err := r.Run("localhost", "command",
		map[string]interface{}{"_raw_params": "echo adhoc"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.Equal(t, 0, results[0].ModuleResult.RC)
	assert.Equal(t, "adhoc", strings.TrimSpace(results[0].ModuleResult.Stdout))
}

func TestAdhocFailure(t *testing.T) {
	r := NewAdhocRunner(localInventory(t), module.NewExecutor())

	results, err := r.Run("localhost", "fail",
		map[string]interface{}{"msg": "boom"})
	require.NoError(t, err)
	require.Len(t, results, 1)

	assert.True(t, results[0].ModuleResult.Failed)
	assert.True(t, HasFailure(results))

	out := FormatResults(results)
	assert.Contains(t, out, "localhost | ")
	assert.Contains(t, out, "FAILED")
	assert.Contains(t, out, `"msg":"boom"`)
}

func TestAdhocUnknownPattern(t *testing.T) {
	r := NewAdhocRunner(localInventory(t), module.NewExecutor())

	_, err := r.Run("missing", "ping", map[string]interface{}{})
	require.Error(t, err)
}
