package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
	"github.com/QubesOS/qubes-ansible/pkg/proxy"
)

func TestReadRequest(t *testing.T) {
	req, err := readRequest(strings.NewReader("play-1234.tar\nwork\n-vvv\n"))
	require.NoError(t, err)
	assert.Equal(t, "play-1234.tar", req.TarName)
	assert.Equal(t, "work", req.Host)
	assert.Equal(t, 3, req.Verbosity)
}

func TestReadRequestStripsPath(t *testing.T) {
	req, err := readRequest(strings.NewReader("../../../etc/play.tar\nwork\n"))
	require.NoError(t, err)
	assert.Equal(t, "play.tar", req.TarName)
}

func TestReadRequestMalformed(t *testing.T) {
	_, err := readRequest(strings.NewReader("only-one-line\n"))
	require.Error(t, err)
}

func TestReadRequestTagSelection(t *testing.T) {
	req, err := readRequest(strings.NewReader(
		"play-1234.tar\nwork\n-vv\n-t\ndeploy\n-t\nconfig\n--skip-tags\nslow\n"))
	require.NoError(t, err)
	assert.Equal(t, 2, req.Verbosity)
	assert.Equal(t, []string{"deploy", "config"}, req.Tags)
	assert.Equal(t, []string{"slow"}, req.SkipTags)
}

func TestReadRequestTagMissingValue(t *testing.T) {
	_, err := readRequest(strings.NewReader("play.tar\nwork\n-t\n"))
	require.Error(t, err)
}

func TestExtractArchiveRoundTrip(t *testing.T) {
	pb, err := playbook.ParsePlaybook([]byte(`
- name: Configure
  hosts: appvms
  connection: qubes
  strategy: qubes_proxy
  tasks:
    - name: Check
      command: /bin/true
`))
	require.NoError(t, err)

	tarPath, tempDir, err := proxy.BuildArchive(proxy.Payload{
		HostName: "work",
		Groups:   []string{"appvms"},
		Play:     &pb[0],
		HostVars: map[string]interface{}{"ansible_connection": "qubes", "color": "blue"},
	})
	require.NoError(t, err)
	defer os.RemoveAll(tempDir)
	defer os.Remove(tarPath)

	dest := t.TempDir()
	require.NoError(t, extractArchive(tarPath, dest))

	assert.FileExists(t, filepath.Join(dest, "playbook.yaml"))
	assert.FileExists(t, filepath.Join(dest, "inventory"))
	assert.FileExists(t, filepath.Join(dest, "host_vars", "work.yaml"))

	inv := inventory.NewManager()
	require.NoError(t, inv.Load(filepath.Join(dest, "inventory")))
	require.NoError(t, mergeHostVars(inv, dest, "work"))

	host, err := inv.GetHost("work")
	require.NoError(t, err)
	assert.Equal(t, "blue", host.Vars["color"])
	assert.Equal(t, "qubes", host.Vars["ansible_connection"])

	extracted, err := playbook.LoadPlaybook(filepath.Join(dest, "playbook.yaml"))
	require.NoError(t, err)
	require.Len(t, extracted, 1)
	assert.Equal(t, "work", extracted[0].Hosts.String())
	assert.Equal(t, "linear", extracted[0].Strategy)
}
