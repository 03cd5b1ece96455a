package qubesadmin

import (
	"bytes"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/QubesOS/qubes-ansible/pkg/errors"
	"github.com/QubesOS/qubes-ansible/pkg/logger"
)

// DefaultSocketPath is where qubesd listens in dom0.
const DefaultSocketPath = "/var/run/qubesd.sock"

// Each call opens a fresh connection: qubesd serves exactly one request per
// connection. The request is
//
//	<method>+<arg> dom0 name <dest>\0<payload>
//
// followed by a write-side shutdown. The response starts with a two byte
// status: "0\x00" carries data, "2\x00" carries a serialized exception of the
// form <type>\0<traceback>\0<format>\0<args>\0.
type wireClient struct {
	socketPath string
	timeout    time.Duration
}

func newWireClient(socketPath string, timeout time.Duration) *wireClient {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &wireClient{socketPath: socketPath, timeout: timeout}
}

// Call performs one Admin API call. arg and payload may be empty.
func (w *wireClient) Call(method, dest, arg string, payload []byte) ([]byte, error) {
	conn, err := net.DialTimeout("unix", w.socketPath, w.timeout)
	if err != nil {
		return nil, errors.NewAdminAPIError(method, dest,
			fmt.Errorf("cannot connect to qubesd at %s: %w", w.socketPath, err))
	}
	defer conn.Close()

	if err := conn.SetDeadline(time.Now().Add(w.timeout)); err != nil {
		return nil, errors.NewAdminAPIError(method, dest, fmt.Errorf("set deadline: %w", err))
	}

	header := method
	if arg != "" {
		header += "+" + arg
	}
	header += " dom0 name " + dest
	logger.Debugf("qubesd call: %s", header)

	var req bytes.Buffer
	req.WriteString(header)
	req.WriteByte(0)
	req.Write(payload)
	if _, err := conn.Write(req.Bytes()); err != nil {
		return nil, errors.NewAdminAPIError(method, dest, fmt.Errorf("write request: %w", err))
	}
	if uc, ok := conn.(*net.UnixConn); ok {
		if err := uc.CloseWrite(); err != nil {
			return nil, errors.NewAdminAPIError(method, dest, fmt.Errorf("close write side: %w", err))
		}
	}

	resp, err := io.ReadAll(conn)
	if err != nil {
		return nil, errors.NewAdminAPIError(method, dest, fmt.Errorf("read response: %w", err))
	}
	return parseResponse(method, dest, resp)
}

func parseResponse(method, dest string, resp []byte) ([]byte, error) {
	if len(resp) < 2 || resp[1] != 0 {
		return nil, errors.NewAdminAPIError(method, dest,
			fmt.Errorf("malformed qubesd response (%d bytes)", len(resp)))
	}
	body := resp[2:]
	switch resp[0] {
	case '0':
		return body, nil
	case '2':
		return nil, parseException(method, dest, body)
	default:
		return nil, errors.NewAdminAPIError(method, dest,
			fmt.Errorf("unknown qubesd response type %q", resp[0]))
	}
}

func parseException(method, dest string, body []byte) error {
	parts := bytes.SplitN(body, []byte{0}, 4)
	apiErr := &APIError{Method: method, Dest: dest, ExcType: "QubesException"}
	if len(parts) >= 1 && len(parts[0]) > 0 {
		apiErr.ExcType = string(parts[0])
	}
	if len(parts) >= 4 {
		format := string(parts[2])
		args := splitExcArgs(parts[3])
		apiErr.Message = formatExcMessage(format, args)
	}
	return apiErr
}

func splitExcArgs(raw []byte) []string {
	raw = bytes.TrimSuffix(raw, []byte{0})
	if len(raw) == 0 {
		return nil
	}
	var args []string
	for _, a := range bytes.Split(raw, []byte{0}) {
		args = append(args, string(a))
	}
	return args
}

// formatExcMessage fills a python %-style format string with its string
// arguments. Only %s and %d occur in qubesd exception formats.
func formatExcMessage(format string, args []string) string {
	if format == "" {
		return strings.Join(args, " ")
	}
	format = strings.ReplaceAll(format, "%d", "%s")
	anyArgs := make([]any, len(args))
	for i, a := range args {
		anyArgs[i] = a
	}
	msg := fmt.Sprintf(format, anyArgs...)
	// Sprintf appends %!(EXTRA ...) or %!s(MISSING) on arity mismatch.
	if i := strings.Index(msg, "%!"); i >= 0 {
		msg = strings.TrimSpace(msg[:i])
	}
	return msg
}
