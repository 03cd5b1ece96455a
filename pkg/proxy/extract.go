package proxy

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/QubesOS/qubes-ansible/pkg/playbook"
)

// StrategyName is the play keyword that routes execution through the
// management disposable.
const StrategyName = "qubes_proxy"

// Payload is everything one delegated run needs: the play reduced to a
// single host, that host's merged variables, a pseudo inventory carrying
// its group memberships, and the roles the play applies.
type Payload struct {
	HostName string
	Groups   []string
	Play     *playbook.Play
	HostVars map[string]interface{}
	RolesDir string
}

// BuildArchive lays the payload out in a temp directory and tars it for
// qubes.Filecopy. The caller removes both paths when the run finishes.
func BuildArchive(p Payload) (tarPath, tempDir string, err error) {
	tempDir, err = os.MkdirTemp("", "qubes-ansible-")
	if err != nil {
		return "", "", fmt.Errorf("failed to create staging directory: %w", err)
	}
	defer func() {
		if err != nil {
			os.RemoveAll(tempDir)
		}
	}()

	if err = writePlay(tempDir, p); err != nil {
		return "", "", err
	}
	if err = writeHostVars(tempDir, p); err != nil {
		return "", "", err
	}
	if err = writeInventory(tempDir, p); err != nil {
		return "", "", err
	}
	if err = copyRoles(tempDir, p); err != nil {
		return "", "", err
	}

	tarPath = tempDir + ".tar"
	if err = buildTar(tempDir, tarPath); err != nil {
		return "", "", err
	}
	return tarPath, tempDir, nil
}

// writePlay stores the play with its hosts forced to the one target and
// the strategy reset to linear, so the delegated run cannot recurse into
// another proxy hop.
func writePlay(dir string, p Payload) error {
	play := *p.Play
	play.Hosts = playbook.HostPattern(p.HostName)
	play.Strategy = "linear"

	data, err := yaml.Marshal(playbook.Playbook{play})
	if err != nil {
		return fmt.Errorf("failed to encode play: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, "playbook.yaml"), data, 0o644)
}

func writeHostVars(dir string, p Payload) error {
	vars := playbook.FilterMagicVars(p.HostVars)
	if len(vars) == 0 {
		return nil
	}

	varsDir := filepath.Join(dir, "host_vars")
	if err := os.MkdirAll(varsDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(vars)
	if err != nil {
		return fmt.Errorf("failed to encode host vars: %w", err)
	}
	return os.WriteFile(filepath.Join(varsDir, p.HostName+".yaml"), data, 0o644)
}

// writeInventory builds the pseudo inventory the disposable runs against:
// one entry per group the host belongs to, each wired to the qubes
// connection. Hosts without explicit groups land in appvms.
func writeInventory(dir string, p Payload) error {
	var b strings.Builder
	for _, group := range p.Groups {
		if group == "all" || group == "ungrouped" {
			continue
		}
		fmt.Fprintf(&b, "[%s]\n%s\n\n[%s:vars]\nansible_connection=qubes\n\n",
			group, p.HostName, group)
	}
	if b.Len() == 0 {
		fmt.Fprintf(&b, "[appvms]\n%s\n\n[appvms:vars]\nansible_connection=qubes\n\n",
			p.HostName)
	}
	return os.WriteFile(filepath.Join(dir, "inventory"), []byte(b.String()), 0o644)
}

func copyRoles(dir string, p Payload) error {
	if len(p.Play.Roles) == 0 || p.RolesDir == "" {
		return nil
	}

	destRoles := filepath.Join(dir, "roles")
	if err := os.MkdirAll(destRoles, 0o755); err != nil {
		return err
	}
	for _, spec := range p.Play.Roles {
		src := filepath.Join(p.RolesDir, spec.Name)
		if err := copyTree(src, filepath.Join(destRoles, spec.Name)); err != nil {
			return fmt.Errorf("failed to copy role %s: %w", spec.Name, err)
		}
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(target, data, 0o644)
	})
}

func buildTar(dir, tarPath string) error {
	f, err := os.Create(tarPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer f.Close()

	tw := tar.NewWriter(f)
	defer tw.Close()

	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		header.Name = rel
		if d.IsDir() {
			header.Name += "/"
		}
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		src, err := os.Open(path)
		if err != nil {
			return err
		}
		defer src.Close()
		_, err = io.Copy(tw, src)
		return err
	})
}
