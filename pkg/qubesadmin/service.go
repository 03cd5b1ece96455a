package qubesadmin

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"

	"github.com/QubesOS/qubes-ansible/pkg/logger"
)

// RunService invokes a qrexec service on the qube through qrexec-client.
// With localCmd set, qrexec-client wires the named local command to the
// service data channel; otherwise stdin is fed and output captured here.
func (d *domain) RunService(ctx context.Context, service string, stdin []byte, localCmd string) (*ServiceResult, error) {
	args := []string{"-d", d.name}
	if localCmd != "" {
		args = append(args, "-l", localCmd)
	}
	args = append(args, "DEFAULT:QUBESRPC "+service+" dom0")

	logger.Debugf("qrexec-client %v", args)
	cmd := exec.CommandContext(ctx, "qrexec-client", args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if localCmd == "" && len(stdin) > 0 {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	err := cmd.Run()
	result := &ServiceResult{
		Stdout: stdout.Bytes(),
		Stderr: stderr.Bytes(),
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		return nil, fmt.Errorf("qrexec service %s on %s: %w", service, d.name, err)
	}
	return result, nil
}
