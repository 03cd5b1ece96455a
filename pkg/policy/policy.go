// Package policy maintains the qrexec policy entries that let a management
// disposable reach its target qube for the duration of one delegated run.
package policy

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/gofrs/flock"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
)

const (
	// DefaultIncludePath collects per-run admin rules pulled into the
	// system admin policy via !include.
	DefaultIncludePath = "/etc/qubes/policy.d/include/qubes-ansible"

	// DefaultPolicyPath holds the per-run qrexec service rules.
	DefaultPolicyPath = "/etc/qubes/policy.d/30-qubes-ansible.policy"

	includeDirective = "!include include/qubes-ansible"
)

// DefaultSystemPolicyFiles are the admin policy includes that must pull in
// our include file for the management disposable's admin calls to pass.
var DefaultSystemPolicyFiles = []string{
	"/etc/qubes/policy.d/include/admin-local-rwx",
	"/etc/qubes/policy.d/include/admin-global-ro",
}

// Manager adds and removes per-run policy rules. Concurrent runs share the
// same files, so every mutation happens under an exclusive flock.
type Manager struct {
	includePath string
	policyPath  string
	systemFiles []string
}

func NewManager() *Manager {
	return &Manager{
		includePath: DefaultIncludePath,
		policyPath:  DefaultPolicyPath,
		systemFiles: DefaultSystemPolicyFiles,
	}
}

// NewManagerWithPaths is used by tests and non-default layouts.
func NewManagerWithPaths(includePath, policyPath string, systemFiles []string) *Manager {
	return &Manager{
		includePath: includePath,
		policyPath:  policyPath,
		systemFiles: systemFiles,
	}
}

// EnsureIncludes creates the include file and hooks it into the system
// admin policy files. Idempotent, runs once per process start.
func (m *Manager) EnsureIncludes() error {
	f, err := os.OpenFile(m.includePath, os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return errors.NewPolicyError(m.includePath, err)
	}
	f.Close()

	for _, path := range m.systemFiles {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.NewPolicyError(path, err)
		}
		included := false
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) == includeDirective {
				included = true
				break
			}
		}
		if included {
			continue
		}
		if err := appendLine(path, includeDirective+"\n"); err != nil {
			return errors.NewPolicyError(path, err)
		}
	}
	return nil
}

// Add grants src access to dst for one delegated run: admin calls through
// the include file, and the qrexec services a management run needs through
// the policy file.
func (m *Manager) Add(src, dst string) error {
	if err := m.withLock(m.includePath, func() error {
		return appendLine(m.includePath, fmt.Sprintf("%s %s allow target=dom0\n", src, dst))
	}); err != nil {
		return errors.NewPolicyError(m.includePath, err)
	}

	rules := fmt.Sprintf(
		"qubes.Filecopy       * %[1]s %[2]s allow\n"+
			"qubes.WaitForSession * %[1]s %[2]s allow\n"+
			"qubes.VMShell        * %[1]s %[2]s allow\n"+
			"qubes.VMRootShell    * %[1]s %[2]s allow\n"+
			"admin.vm.List        * %[1]s dom0 allow\n",
		src, dst)
	if err := m.withLock(m.policyPath, func() error {
		return appendLine(m.policyPath, rules)
	}); err != nil {
		return errors.NewPolicyError(m.policyPath, err)
	}
	return nil
}

// Remove drops every rule Add installed for the src/dst pair. Rules other
// runs installed stay untouched.
func (m *Manager) Remove(src, dst string) error {
	includeRule := regexp.MustCompile(
		fmt.Sprintf(`^\s*%s\s+%s\s+`, regexp.QuoteMeta(src), regexp.QuoteMeta(dst)))
	if err := m.withLock(m.includePath, func() error {
		return filterLines(m.includePath, includeRule)
	}); err != nil {
		return errors.NewPolicyError(m.includePath, err)
	}

	serviceRule := regexp.MustCompile(
		fmt.Sprintf(`^\s*\S+\s+\S+\s+%s\s+`, regexp.QuoteMeta(src)))
	if err := m.withLock(m.policyPath, func() error {
		return filterLines(m.policyPath, serviceRule)
	}); err != nil {
		return errors.NewPolicyError(m.policyPath, err)
	}
	return nil
}

func (m *Manager) withLock(path string, fn func() error) error {
	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return err
	}
	defer lock.Unlock()
	return fn()
}

func appendLine(path, content string) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(content)
	return err
}

// filterLines rewrites path keeping only lines that do not match re. A
// missing file counts as already clean.
func filterLines(path string, re *regexp.Regexp) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var kept []string
	for _, line := range strings.Split(string(data), "\n") {
		if re.MatchString(line) {
			continue
		}
		kept = append(kept, line)
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o640)
}
