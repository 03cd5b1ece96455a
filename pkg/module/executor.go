package module

import (
	"context"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/QubesOS/qubes-ansible/pkg/connection"
	"github.com/QubesOS/qubes-ansible/pkg/qubesadmin"
	"github.com/QubesOS/qubes-ansible/pkg/vm"
)

// Executor runs task modules over a connection. The qubesos module needs
// the Admin API and is only available when the executor was built with a
// client, i.e. in dom0.
type Executor struct {
	vmModule *vm.Module
}

func NewExecutor() *Executor {
	return &Executor{}
}

// NewAdminExecutor returns an executor that can also run the qubesos
// module against the given Admin API client.
func NewAdminExecutor(app qubesadmin.App) *Executor {
	return &Executor{vmModule: vm.NewModule(app)}
}

// Execute dispatches one module invocation.
func (e *Executor) Execute(conn connection.Connection, moduleName string, args map[string]interface{}) (*Result, error) {
	switch moduleName {
	case "ping":
		return e.executePing()
	case "raw":
		return e.executeRaw(conn, args)
	case "command":
		return e.executeCommand(conn, args)
	case "shell":
		return e.executeShell(conn, args)
	case "copy":
		return e.executeCopy(conn, args)
	case "debug":
		return e.executeDebug(args)
	case "fail":
		return e.executeFail(args)
	case "qubesos":
		return e.executeQubesOS(args)
	default:
		return nil, fmt.Errorf("unsupported module: %s", moduleName)
	}
}

func (e *Executor) executePing() (*Result, error) {
	return &Result{Changed: false, Ping: "pong"}, nil
}

func (e *Executor) executeRaw(conn connection.Connection, args map[string]interface{}) (*Result, error) {
	cmd, ok := args["_raw_params"].(string)
	if !ok {
		if c, ok := args["cmd"].(string); ok {
			cmd = c
		} else {
			return nil, fmt.Errorf("raw module requires command")
		}
	}

	stdout, stderr, exitCode, err := conn.Exec(cmd)
	if err != nil {
		return &Result{Failed: true, Msg: err.Error(), RC: exitCode}, nil
	}

	result := &Result{
		Changed: true,
		RC:      exitCode,
		Stdout:  string(stdout),
		Stderr:  string(stderr),
	}
	if exitCode != 0 {
		result.Failed = true
		result.Msg = fmt.Sprintf("non-zero return code: %d", exitCode)
	}
	return result, nil
}

func (e *Executor) executeCommand(conn connection.Connection, args map[string]interface{}) (*Result, error) {
	var cmd string
	if rawCmd, ok := args["_raw_params"].(string); ok {
		cmd = rawCmd
	} else if argvInterface, ok := args["argv"]; ok {
		if argv, ok := argvInterface.([]interface{}); ok {
			parts := make([]string, len(argv))
			for i, v := range argv {
				parts[i] = fmt.Sprintf("%v", v)
			}
			cmd = strings.Join(parts, " ")
		}
	} else if cmdArg, ok := args["cmd"].(string); ok {
		cmd = cmdArg
	} else {
		return &Result{
			Failed: true,
			Msg:    "command module requires 'cmd' or '_raw_params' argument",
		}, nil
	}

	if chdir, _ := args["chdir"].(string); chdir != "" {
		cmd = fmt.Sprintf("cd %s && %s", chdir, cmd)
	}

	stdout, stderr, exitCode, err := conn.Exec(cmd)
	if err != nil {
		return &Result{Failed: true, Msg: err.Error(), RC: exitCode}, nil
	}

	result := &Result{
		Changed: true,
		RC:      exitCode,
		Stdout:  strings.TrimSpace(string(stdout)),
		Stderr:  strings.TrimSpace(string(stderr)),
	}
	if exitCode != 0 {
		result.Failed = true
		result.Msg = "non-zero return code"
	}
	return result, nil
}

func (e *Executor) executeShell(conn connection.Connection, args map[string]interface{}) (*Result, error) {
	var cmd string
	if rawCmd, ok := args["_raw_params"].(string); ok {
		cmd = rawCmd
	} else if cmdArg, ok := args["cmd"].(string); ok {
		cmd = cmdArg
	} else {
		return &Result{
			Failed: true,
			Msg:    "shell module requires 'cmd' or '_raw_params' argument",
		}, nil
	}

	executable, _ := args["executable"].(string)
	if executable == "" {
		executable = "/bin/sh"
	}

	fullCmd := fmt.Sprintf("%s -c %s", executable, shellQuote(cmd))
	if chdir, _ := args["chdir"].(string); chdir != "" {
		fullCmd = fmt.Sprintf("cd %s && %s", chdir, fullCmd)
	}

	stdout, stderr, exitCode, err := conn.Exec(fullCmd)
	if err != nil {
		return &Result{Failed: true, Msg: err.Error(), RC: exitCode}, nil
	}

	result := &Result{
		Changed: true,
		RC:      exitCode,
		Stdout:  strings.TrimSpace(string(stdout)),
		Stderr:  strings.TrimSpace(string(stderr)),
	}
	if exitCode != 0 {
		result.Failed = true
		result.Msg = "non-zero return code"
	}
	return result, nil
}

func (e *Executor) executeCopy(conn connection.Connection, args map[string]interface{}) (*Result, error) {
	dest, ok := args["dest"].(string)
	if !ok {
		return &Result{Failed: true, Msg: "copy module requires 'dest' argument"}, nil
	}

	if content, hasContent := args["content"].(string); hasContent {
		writeCmd := fmt.Sprintf("cat > %s << 'QA_EOF'\n%s\nQA_EOF", dest, content)
		_, stderr, exitCode, err := conn.Exec(writeCmd)
		if err != nil {
			return &Result{
				Failed: true,
				Msg:    fmt.Sprintf("failed to write content: %s", err.Error()),
				RC:     exitCode,
				Stderr: string(stderr),
			}, nil
		}
		if exitCode != 0 {
			return &Result{
				Failed: true,
				Msg:    "failed to write content to destination",
				RC:     exitCode,
				Stderr: string(stderr),
			}, nil
		}
		return &Result{Changed: true, Dest: dest}, nil
	}

	src, ok := args["src"].(string)
	if !ok {
		return &Result{
			Failed: true,
			Msg:    "copy module requires 'src' or 'content' argument",
		}, nil
	}

	if err := conn.PutFile(src, dest); err != nil {
		return &Result{
			Failed: true,
			Msg:    fmt.Sprintf("failed to transfer file: %s", err.Error()),
		}, nil
	}

	if mode, ok := args["mode"].(string); ok && mode != "" {
		chmodCmd := fmt.Sprintf("chmod %s %s", mode, dest)
		_, _, exitCode, err := conn.Exec(chmodCmd)
		if err != nil || exitCode != 0 {
			return &Result{
				Failed: true,
				Msg:    "failed to set file permissions",
				RC:     exitCode,
			}, nil
		}
	}

	return &Result{Changed: true, Dest: dest}, nil
}

func (e *Executor) executeDebug(args map[string]interface{}) (*Result, error) {
	var msg string
	if msgArg, ok := args["msg"].(string); ok {
		msg = msgArg
	} else if varArg, ok := args["var"].(string); ok {
		msg = fmt.Sprintf("%s: %v", varArg, args[varArg])
	} else {
		msg = "Debug output"
	}
	return &Result{Changed: false, Msg: msg}, nil
}

func (e *Executor) executeFail(args map[string]interface{}) (*Result, error) {
	msg, _ := args["msg"].(string)
	if msg == "" {
		msg = "Failed as requested from task"
	}
	return &Result{Failed: true, Msg: msg}, nil
}

// executeQubesOS bridges into the vm module. Arguments round-trip through
// YAML so device entries keep their flexible forms.
func (e *Executor) executeQubesOS(args map[string]interface{}) (*Result, error) {
	if e.vmModule == nil {
		return &Result{
			Failed: true,
			Msg:    "qubesos module requires the Admin API and only runs in dom0",
		}, nil
	}

	raw, err := yaml.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode qubesos arguments: %w", err)
	}
	var params vm.Params
	if err := yaml.Unmarshal(raw, &params); err != nil {
		return &Result{
			Failed: true,
			Msg:    fmt.Sprintf("invalid qubesos arguments: %v", err),
		}, nil
	}

	res, err := e.vmModule.Run(context.Background(), params)
	if err != nil {
		return &Result{Failed: true, Msg: err.Error()}, nil
	}

	result := &Result{
		Changed:      res.Changed,
		Msg:          res.Msg,
		AnsibleFacts: res.Facts,
		Data:         res.Data,
	}
	return result, nil
}

func shellQuote(s string) string {
	s = strings.ReplaceAll(s, "'", "'\"'\"'")
	return "'" + s + "'"
}
