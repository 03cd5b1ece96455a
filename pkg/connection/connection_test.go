package connection

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

func testHost(name string, vars map[string]interface{}) *inventory.Host {
	if vars == nil {
		vars = map[string]interface{}{}
	}
	return &inventory.Host{Name: name, Vars: vars}
}

func TestManagerConnectSelection(t *testing.T) {
	m := NewManager()

	tests := []struct {
		name      string
		host      *inventory.Host
		wantLocal bool
	}{
		{
			name:      "explicit local",
			host:      testHost("anyhost", map[string]interface{}{"ansible_connection": "local"}),
			wantLocal: true,
		},
		{
			name:      "localhost defaults to local",
			host:      testHost("localhost", nil),
			wantLocal: true,
		},
		{
			name: "qubes host",
			host: testHost("work", map[string]interface{}{"ansible_connection": "qubes"}),
		},
		{
			name: "bare host defaults to qubes",
			host: testHost("work", nil),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, err := m.Connect(tt.host)
			require.NoError(t, err)
			defer conn.Close()

			_, isLocal := conn.(*LocalConnection)
			_, isQubes := conn.(*QubesConnection)
			assert.Equal(t, tt.wantLocal, isLocal)
			assert.Equal(t, !tt.wantLocal, isQubes)
		})
	}
}

func TestManagerConnectUnsupported(t *testing.T) {
	m := NewManager()
	_, err := m.Connect(testHost("h", map[string]interface{}{"ansible_connection": "winrm"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported connection type")
}

func TestLocalExec(t *testing.T) {
	conn := newLocalConnection(testHost("localhost", nil))
	defer conn.Close()

	stdout, stderr, code, err := conn.Exec("echo hello; echo oops 1>&2")
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.Equal(t, "hello\n", string(stdout))
	assert.Equal(t, "oops\n", string(stderr))
}

func TestLocalExecExitCode(t *testing.T) {
	conn := newLocalConnection(testHost("localhost", nil))
	_, _, code, err := conn.Exec("exit 3")
	require.NoError(t, err)
	assert.Equal(t, 3, code)
}

func TestLocalExecTimeout(t *testing.T) {
	conn := newLocalConnection(testHost("localhost", nil))
	_, _, _, err := conn.ExecWithTimeout("sleep 5", 100*time.Millisecond)
	require.Error(t, err)

	var execErr *errors.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, errors.ErrTimeout, execErr.Type)
}

func TestLocalFileTransfer(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0o644))

	conn := newLocalConnection(testHost("localhost", nil))
	require.NoError(t, conn.PutFile(src, dst))

	data, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	back := filepath.Join(dir, "back")
	require.NoError(t, conn.GetFile(dst, back))
	data, err = os.ReadFile(back)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestQubesConnectionTarget(t *testing.T) {
	conn := newQubesConnection(testHost("work", nil), DefaultTimeout)
	assert.Equal(t, "work", conn.VMName())

	// ansible_host overrides the inventory alias
	conn = newQubesConnection(testHost("alias", map[string]interface{}{
		"ansible_host": "real-vm",
		"ansible_user": "user",
	}), DefaultTimeout)
	assert.Equal(t, "real-vm", conn.VMName())
}

func TestShellQuote(t *testing.T) {
	assert.Equal(t, "'plain'", shellQuote("plain"))
	assert.Equal(t, `'it'\''s'`, shellQuote("it's"))
	assert.Equal(t, "'a b; rm -rf /'", shellQuote("a b; rm -rf /"))
}
