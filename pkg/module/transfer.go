package module

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/QubesOS/qubes-ansible/pkg/connection"
)

// Transfer stages module payloads in a per-task temporary directory on
// the managed qube.
type Transfer struct {
	conn connection.Connection
}

func NewTransfer(conn connection.Connection) *Transfer {
	return &Transfer{conn: conn}
}

// PrepareRemoteDir creates the temporary directory for one task.
func (t *Transfer) PrepareRemoteDir() (string, error) {
	taskID := uuid.New().String()
	remoteDir := fmt.Sprintf("~/.ansible/tmp/qubes-ansible-%s", taskID)

	_, _, exitCode, err := t.conn.Exec(fmt.Sprintf("mkdir -p %s", remoteDir))
	if err != nil {
		return "", fmt.Errorf("failed to create remote directory: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("failed to create remote directory, exit code: %d", exitCode)
	}

	return remoteDir, nil
}

// TransferArgs writes the task arguments as JSON next to the module.
func (t *Transfer) TransferArgs(args map[string]interface{}, remoteDir string) (string, error) {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("failed to marshal args: %w", err)
	}

	tmpFile, err := os.CreateTemp("", "qubes-ansible-args-*.json")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmpFile.Name())

	if _, err := tmpFile.Write(argsJSON); err != nil {
		tmpFile.Close()
		return "", fmt.Errorf("failed to write args: %w", err)
	}
	tmpFile.Close()

	remoteArgsPath := filepath.Join(remoteDir, "args.json")
	if err := t.conn.PutFile(tmpFile.Name(), remoteArgsPath); err != nil {
		return "", fmt.Errorf("failed to transfer args: %w", err)
	}

	return remoteArgsPath, nil
}

// TransferModule copies a module file and marks it executable.
func (t *Transfer) TransferModule(localModulePath, remoteDir string) (string, error) {
	remoteModulePath := filepath.Join(remoteDir, filepath.Base(localModulePath))

	if err := t.conn.PutFile(localModulePath, remoteModulePath); err != nil {
		return "", fmt.Errorf("failed to transfer module: %w", err)
	}

	_, _, exitCode, err := t.conn.Exec(fmt.Sprintf("chmod +x %s", remoteModulePath))
	if err != nil {
		return "", fmt.Errorf("failed to set execute permission: %w", err)
	}
	if exitCode != 0 {
		return "", fmt.Errorf("failed to set execute permission, exit code: %d", exitCode)
	}

	return remoteModulePath, nil
}

// Cleanup removes the per-task directory.
func (t *Transfer) Cleanup(remoteDir string) error {
	_, _, _, err := t.conn.Exec(fmt.Sprintf("rm -rf %s", remoteDir))
	return err
}
