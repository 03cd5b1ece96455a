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
)

// LocalConnection runs commands in place, for localhost plays in dom0.
type LocalConnection struct {
	host *inventory.Host
}

func newLocalConnection(host *inventory.Host) *LocalConnection {
	return &LocalConnection{host: host}
}

func (c *LocalConnection) Exec(cmd string) ([]byte, []byte, int, error) {
	return c.ExecWithTimeout(cmd, DefaultTimeout)
}

func (c *LocalConnection) ExecWithTimeout(cmd string, timeout time.Duration) ([]byte, []byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sh := exec.CommandContext(ctx, "/bin/sh", "-c", cmd)
	var stdout, stderr bytes.Buffer
	sh.Stdout = &stdout
	sh.Stderr = &stderr

	err := sh.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return stdout.Bytes(), stderr.Bytes(), -1,
			errors.NewTimeoutError(c.host.Name, cmd, timeout)
	}
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return stdout.Bytes(), stderr.Bytes(), exitErr.ExitCode(), nil
		}
		return stdout.Bytes(), stderr.Bytes(), -1, err
	}
	return stdout.Bytes(), stderr.Bytes(), 0, nil
}

func (c *LocalConnection) ExecWithBecome(cmd, becomeUser, becomeMethod string) ([]byte, []byte, int, error) {
	if becomeUser == "" {
		becomeUser = "root"
	}
	if becomeMethod == "" {
		becomeMethod = "sudo"
	}
	switch becomeMethod {
	case "sudo":
		return c.Exec(fmt.Sprintf("sudo -n -u %s sh -c %s", becomeUser, shellQuote(cmd)))
	case "su":
		return c.Exec(fmt.Sprintf("su - %s -c %s", becomeUser, shellQuote(cmd)))
	default:
		return nil, nil, -1, fmt.Errorf("unsupported become method: %s", becomeMethod)
	}
}

func (c *LocalConnection) PutFile(localPath, remotePath string) error {
	return copyFile(localPath, remotePath)
}

func (c *LocalConnection) GetFile(remotePath, localPath string) error {
	return copyFile(remotePath, localPath)
}

func (c *LocalConnection) Close() error {
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", dst, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("failed to copy %s to %s: %w", src, dst, err)
	}
	return out.Close()
}
