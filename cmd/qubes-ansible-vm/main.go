// qubes-ansible-vm is the qubes.AnsibleVM qrexec endpoint. It runs inside
// a management disposable: dom0 copies a play archive over with
// qubes.Filecopy, then invokes this service with the archive name, the
// target host and extra arguments on stdin, one per line. The contained
// playbook runs against the target host over the qubes connection.
package main

import (
	"archive/tar"
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
	"github.com/QubesOS/qubes-ansible/pkg/module"
	"github.com/QubesOS/qubes-ansible/pkg/playbook"
)

func main() {
	if err := run(os.Stdin); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(2)
	}
}

func run(stdin io.Reader) error {
	req, err := readRequest(stdin)
	if err != nil {
		return err
	}

	tarPath, err := findArchive(req.TarName)
	if err != nil {
		return err
	}
	defer os.Remove(tarPath)

	workDir, err := os.MkdirTemp("", "qubes-ansible-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(workDir)

	if err := extractArchive(tarPath, workDir); err != nil {
		return fmt.Errorf("failed to unpack %s: %w", req.TarName, err)
	}

	inv := inventory.NewManager()
	if err := inv.Load(filepath.Join(workDir, "inventory")); err != nil {
		return fmt.Errorf("failed to load inventory: %w", err)
	}
	if err := mergeHostVars(inv, workDir, req.Host); err != nil {
		return err
	}

	playbookPath := filepath.Join(workDir, "playbook.yaml")
	pb, err := playbook.LoadPlaybook(playbookPath)
	if err != nil {
		return err
	}

	display := logger.NewDisplayWriter(os.Stdout, os.Stderr, req.Verbosity)
	runner := playbook.NewRunner(inv, module.NewExecutor(), display)
	runner.SetPlaybookPath(playbookPath)
	runner.SetTags(req.Tags, req.SkipTags)

	return runner.Run(pb)
}

type request struct {
	TarName   string
	Host      string
	Verbosity int
	Tags      []string
	SkipTags  []string
}

// readRequest parses the stdin header: archive name, target host, then
// optional argument lines (-v..., -t <tag>, --skip-tags <tag>).
func readRequest(r io.Reader) (*request, error) {
	scanner := bufio.NewScanner(r)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(lines) < 2 || lines[0] == "" || lines[1] == "" {
		return nil, fmt.Errorf("malformed request: want archive name and host")
	}

	req := &request{TarName: filepath.Base(lines[0]), Host: lines[1]}
	args := lines[2:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "-t" || arg == "--tags":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			i++
			req.Tags = append(req.Tags, args[i])
		case arg == "--skip-tags":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for %s", arg)
			}
			i++
			req.SkipTags = append(req.SkipTags, args[i])
		case strings.HasPrefix(arg, "-v") && strings.Trim(arg, "-v") == "":
			req.Verbosity += strings.Count(arg, "v")
		}
	}
	return req, nil
}

// findArchive locates the copied archive under ~/QubesIncoming.
func findArchive(name string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	matches, err := filepath.Glob(filepath.Join(home, "QubesIncoming", "*", name))
	if err != nil {
		return "", err
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("archive %s not found under QubesIncoming", name)
	}
	return matches[0], nil
}

// extractArchive unpacks the play archive, refusing entries that would
// escape the destination.
func extractArchive(tarPath, dest string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return err
	}
	defer f.Close()

	tr := tar.NewReader(f)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.Clean(hdr.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("unsafe archive entry: %s", hdr.Name)
		}
		target := filepath.Join(dest, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
			if err != nil {
				return err
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return err
			}
			out.Close()
		}
	}
}

// mergeHostVars folds host_vars/<host>.yaml into the host's inventory
// vars. The file is optional.
func mergeHostVars(inv *inventory.Manager, workDir, hostName string) error {
	data, err := os.ReadFile(filepath.Join(workDir, "host_vars", hostName+".yaml"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var vars map[string]interface{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("invalid host_vars for %s: %w", hostName, err)
	}

	host, err := inv.GetHost(hostName)
	if err != nil {
		return err
	}
	for k, v := range vars {
		host.Vars[k] = v
	}
	return nil
}
