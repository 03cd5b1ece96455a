package connection

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
)

// qvm-run exit codes for qrexec-level failures, as opposed to the remote
// command's own status.
const (
	qvmRunExitStartFailed = 125
	qvmRunExitNotRunning  = 126
)

// QubesConnection runs commands inside a qube over qrexec. Every call
// shells out to qvm-run --pass-io, which is how dom0 tooling is expected to
// reach VMs; there is no direct qrexec socket API for dom0 clients.
type QubesConnection struct {
	host    *inventory.Host
	vmName  string
	user    string
	timeout time.Duration
}

func newQubesConnection(host *inventory.Host, timeout time.Duration) *QubesConnection {
	vmName := host.Name
	if v, ok := host.Vars["ansible_host"].(string); ok && v != "" {
		vmName = v
	}
	user, _ := host.Vars["ansible_user"].(string)
	return &QubesConnection{
		host:    host,
		vmName:  vmName,
		user:    user,
		timeout: timeout,
	}
}

// VMName returns the qube the connection targets.
func (c *QubesConnection) VMName() string {
	return c.vmName
}

func (c *QubesConnection) Exec(cmd string) ([]byte, []byte, int, error) {
	return c.ExecWithTimeout(cmd, c.timeout)
}

func (c *QubesConnection) ExecWithTimeout(cmd string, timeout time.Duration) ([]byte, []byte, int, error) {
	return c.run(cmd, nil, timeout)
}

func (c *QubesConnection) ExecWithBecome(cmd, becomeUser, becomeMethod string) ([]byte, []byte, int, error) {
	if becomeUser == "" {
		becomeUser = "root"
	}
	if becomeMethod == "" {
		becomeMethod = "sudo"
	}
	var becomeCmd string
	switch becomeMethod {
	case "sudo":
		if becomeUser == "root" {
			becomeCmd = fmt.Sprintf("sudo -n sh -c %s", shellQuote(cmd))
		} else {
			becomeCmd = fmt.Sprintf("sudo -n -u %s sh -c %s", becomeUser, shellQuote(cmd))
		}
	case "su":
		becomeCmd = fmt.Sprintf("su - %s -c %s", becomeUser, shellQuote(cmd))
	default:
		return nil, nil, -1, fmt.Errorf("unsupported become method: %s", becomeMethod)
	}
	return c.run(becomeCmd, nil, c.timeout)
}

// run invokes qvm-run --pass-io with stdin wired to the given reader.
func (c *QubesConnection) run(cmd string, stdin io.Reader, timeout time.Duration) ([]byte, []byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	args := []string{"--pass-io", "--no-color-output", "--no-color-stderr"}
	if c.user != "" {
		args = append(args, "-u", c.user)
	}
	args = append(args, c.vmName, "--", cmd)

	logger.Debugf("qvm-run %v", args)
	qvmRun := exec.CommandContext(ctx, "qvm-run", args...)
	if stdin != nil {
		qvmRun.Stdin = stdin
	}
	var stdout, stderr bytes.Buffer
	qvmRun.Stdout = &stdout
	qvmRun.Stderr = &stderr

	err := qvmRun.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.Bytes(), stderr.Bytes(), -1,
			errors.NewTimeoutError(c.host.Name, cmd, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			code := exitErr.ExitCode()
			if code == qvmRunExitStartFailed || code == qvmRunExitNotRunning {
				return stdout.Bytes(), stderr.Bytes(), code,
					errors.NewUnreachableError(c.host.Name,
						fmt.Errorf("qvm-run failed: %s", stderr.String()))
			}
			return stdout.Bytes(), stderr.Bytes(), code, nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1,
			errors.NewUnreachableError(c.host.Name, err)
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

func (c *QubesConnection) PutFile(localPath, remotePath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}
	defer f.Close()

	cmd := fmt.Sprintf("cat > %s", shellQuote(remotePath))
	_, stderr, exitCode, err := c.run(cmd, f, c.timeout)
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to write %s on %s: %s", remotePath, c.vmName, stderr)
	}
	return nil
}

func (c *QubesConnection) GetFile(remotePath, localPath string) error {
	stdout, stderr, exitCode, err := c.Exec(fmt.Sprintf("cat %s", shellQuote(remotePath)))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to read %s on %s: %s", remotePath, c.vmName, stderr)
	}
	if err := os.WriteFile(localPath, stdout, 0o644); err != nil {
		return fmt.Errorf("failed to write local file: %w", err)
	}
	return nil
}

// Close is a no-op: qrexec holds no persistent channel between commands.
func (c *QubesConnection) Close() error {
	return nil
}
