// Package connection provides transports for running commands on managed
// hosts: qrexec for qubes, ssh for ordinary machines, and a local
// passthrough.
package connection

import (
	"fmt"
	"time"

	"github.com/QubesOS/qubes-ansible/pkg/inventory"
)

// DefaultTimeout bounds a single remote command.
const DefaultTimeout = 30 * time.Second

// Connection is an established transport to one host.
type Connection interface {
	// Exec runs cmd through the host's shell with the default timeout.
	Exec(cmd string) (stdout, stderr []byte, exitCode int, err error)

	// ExecWithTimeout runs cmd with an explicit deadline.
	ExecWithTimeout(cmd string, timeout time.Duration) (stdout, stderr []byte, exitCode int, err error)

	// ExecWithBecome runs cmd with privilege escalation.
	ExecWithBecome(cmd, becomeUser, becomeMethod string) (stdout, stderr []byte, exitCode int, err error)

	// PutFile copies a local file onto the host.
	PutFile(localPath, remotePath string) error

	// GetFile copies a file off the host.
	GetFile(remotePath, localPath string) error

	Close() error
}

// Manager hands out connections by the host's ansible_connection var.
// Hosts without one default to the qubes transport; dom0 manages qubes,
// not SSH targets.
type Manager struct {
	timeout time.Duration
}

func NewManager() *Manager {
	return &Manager{timeout: DefaultTimeout}
}

// Connect establishes a transport to the host.
func (m *Manager) Connect(host *inventory.Host) (Connection, error) {
	switch host.ConnectionType() {
	case "local":
		return newLocalConnection(host), nil
	case "ssh":
		return m.connectSSH(host)
	case "", "qubes":
		if host.IsLocal() {
			return newLocalConnection(host), nil
		}
		return newQubesConnection(host, m.timeout), nil
	default:
		return nil, fmt.Errorf("unsupported connection type %q for host %s",
			host.ConnectionType(), host.Name)
	}
}
