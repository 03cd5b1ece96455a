package connection

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

// SSHConnection reaches hosts outside the qubes system, typically machines
// on the network that dom0 plays still want to manage.
type SSHConnection struct {
	client *ssh.Client
	host   *inventory.Host
}

func (m *Manager) connectSSH(host *inventory.Host) (*SSHConnection, error) {
	ansibleHost, _ := host.Vars["ansible_host"].(string)
	if ansibleHost == "" {
		ansibleHost = host.Name
	}

	port := 22
	if portStr, ok := host.Vars["ansible_port"].(string); ok {
		if p, err := strconv.Atoi(portStr); err == nil {
			port = p
		}
	}

	user, _ := host.Vars["ansible_user"].(string)
	if user == "" {
		user = "root"
	}

	password, _ := host.Vars["ansible_password"].(string)
	keyFile, _ := host.Vars["ansible_ssh_private_key_file"].(string)

	config := &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         m.timeout,
	}

	if password != "" {
		config.Auth = append(config.Auth, ssh.Password(password))
	}
	if keyFile != "" {
		if auth, err := publicKeyAuth(keyFile); err == nil {
			config.Auth = append(config.Auth, auth)
		}
	}
	if len(config.Auth) == 0 {
		homeDir, _ := os.UserHomeDir()
		defaultKeys := []string{
			filepath.Join(homeDir, ".ssh", "id_rsa"),
			filepath.Join(homeDir, ".ssh", "id_ed25519"),
		}
		for _, keyPath := range defaultKeys {
			if auth, err := publicKeyAuth(keyPath); err == nil {
				config.Auth = append(config.Auth, auth)
			}
		}
	}

	addr := fmt.Sprintf("%s:%d", ansibleHost, port)
	client, err := ssh.Dial("tcp", addr, config)
	if err != nil {
		return nil, errors.NewUnreachableError(host.Name, err)
	}

	return &SSHConnection{client: client, host: host}, nil
}

func publicKeyAuth(keyPath string) (ssh.AuthMethod, error) {
	key, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

func (c *SSHConnection) Exec(cmd string) ([]byte, []byte, int, error) {
	return c.ExecWithTimeout(cmd, DefaultTimeout)
}

func (c *SSHConnection) ExecWithTimeout(cmd string, timeout time.Duration) ([]byte, []byte, int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	session, err := c.client.NewSession()
	if err != nil {
		return nil, nil, -1, err
	}
	defer session.Close()

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	if err := session.Start(cmd); err != nil {
		return nil, nil, -1, err
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case <-ctx.Done():
		session.Signal(ssh.SIGKILL)
		return nil, nil, -1, errors.NewTimeoutError(c.host.Name, cmd, timeout)
	case err := <-done:
		stdout := stdoutBuf.Bytes()
		stderr := stderrBuf.Bytes()
		if err != nil {
			if exitErr, ok := err.(*ssh.ExitError); ok {
				return stdout, stderr, exitErr.ExitStatus(), nil
			}
			return stdout, stderr, -1, err
		}
		return stdout, stderr, 0, nil
	}
}

func (c *SSHConnection) ExecWithBecome(cmd, becomeUser, becomeMethod string) ([]byte, []byte, int, error) {
	if becomeUser == "" {
		becomeUser = "root"
	}
	if becomeMethod == "" {
		becomeMethod = "sudo"
	}

	// -n avoids a password prompt; NOPASSWD is assumed
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

	return c.ExecWithTimeout(becomeCmd, DefaultTimeout)
}

func (c *SSHConnection) PutFile(localPath, remotePath string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read local file: %w", err)
	}

	session, err := c.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	if err := session.Start(fmt.Sprintf("cat > %s", shellQuote(remotePath))); err != nil {
		return err
	}
	if _, err := io.Copy(stdin, bytes.NewReader(data)); err != nil {
		return err
	}
	stdin.Close()
	return session.Wait()
}

func (c *SSHConnection) GetFile(remotePath, localPath string) error {
	stdout, _, exitCode, err := c.Exec(fmt.Sprintf("cat %s", shellQuote(remotePath)))
	if err != nil {
		return err
	}
	if exitCode != 0 {
		return fmt.Errorf("failed to read remote file, exit code: %d", exitCode)
	}
	if err := os.WriteFile(localPath, stdout, 0o644); err != nil {
		return fmt.Errorf("failed to write local file: %w", err)
	}
	return nil
}

func (c *SSHConnection) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// shellQuote single-quotes s for the remote shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}
