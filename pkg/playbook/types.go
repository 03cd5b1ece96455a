package playbook

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Playbook is an ordered list of plays.
type Playbook []Play

// Play targets a host pattern with an ordered list of tasks. Connection and
// Strategy mirror the ansible play keywords: a play with strategy
// qubes_proxy is delegated to a management disposable instead of running
// task by task from dom0.
type Play struct {
	Name        string                 `yaml:"name,omitempty"`
	Hosts       HostPattern            `yaml:"hosts"`
	Connection  string                 `yaml:"connection,omitempty"`
	Strategy    string                 `yaml:"strategy,omitempty"`
	GatherFacts bool                   `yaml:"gather_facts,omitempty"`
	Vars        map[string]interface{} `yaml:"vars,omitempty"`
	Roles       []RoleSpec             `yaml:"roles,omitempty"`
	Tasks       []Task                 `yaml:"tasks,omitempty"`
	Handlers    []Task                 `yaml:"handlers,omitempty"`
}

// HostPattern accepts both the scalar and the list form of the hosts
// keyword. The list form collapses to a comma-separated pattern, which is
// what the inventory matcher consumes.
type HostPattern string

func (p *HostPattern) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		*p = HostPattern(value.Value)
		return nil
	case yaml.SequenceNode:
		var parts []string
		if err := value.Decode(&parts); err != nil {
			return err
		}
		*p = HostPattern(strings.Join(parts, ","))
		return nil
	default:
		return fmt.Errorf("hosts must be a string or a list")
	}
}

func (p HostPattern) String() string { return string(p) }

// Task is one module invocation.
type Task struct {
	Name         string
	Module       string
	ModuleArgs   map[string]interface{}
	Register     string
	When         string
	Notify       []string
	Tags         []string
	IgnoreErrors bool
	Delegate     string
}

var taskFields = map[string]bool{
	"name":          true,
	"register":      true,
	"when":          true,
	"notify":        true,
	"ignore_errors": true,
	"delegate_to":   true,
	"vars":          true,
	"tags":          true,
}

var knownModules = map[string]bool{
	"ping":         true,
	"command":      true,
	"shell":        true,
	"raw":          true,
	"copy":         true,
	"debug":        true,
	"fail":         true,
	"set_fact":     true,
	"qubesos":      true,
	"import_tasks": true,
	"include_role": true,
}

// UnmarshalYAML finds the module key among the mapping entries; everything
// that is not a play keyword and names a known module carries the args.
func (t *Task) UnmarshalYAML(value *yaml.Node) error {
	type taskMeta struct {
		Name         string `yaml:"name"`
		Register     string `yaml:"register"`
		When         string `yaml:"when"`
		IgnoreErrors bool   `yaml:"ignore_errors"`
		Delegate     string `yaml:"delegate_to"`
	}

	var meta taskMeta
	if err := value.Decode(&meta); err != nil {
		return err
	}
	t.Name = meta.Name
	t.Register = meta.Register
	t.When = meta.When
	t.IgnoreErrors = meta.IgnoreErrors
	t.Delegate = meta.Delegate
	t.ModuleArgs = make(map[string]interface{})

	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("task must be a mapping")
	}

	for i := 0; i < len(value.Content); i += 2 {
		keyNode := value.Content[i]
		valueNode := value.Content[i+1]
		key := keyNode.Value

		if key == "notify" {
			if err := decodeStringOrList(valueNode, &t.Notify); err != nil {
				return fmt.Errorf("invalid notify value: %w", err)
			}
			continue
		}
		if key == "tags" {
			if err := decodeStringOrList(valueNode, &t.Tags); err != nil {
				return fmt.Errorf("invalid tags value: %w", err)
			}
			continue
		}
		if taskFields[key] {
			continue
		}

		moduleName := strings.TrimPrefix(key, "ansible.builtin.")
		if !knownModules[moduleName] {
			continue
		}
		t.Module = moduleName

		switch valueNode.Kind {
		case yaml.ScalarNode:
			if valueNode.Value != "" {
				t.ModuleArgs["_raw_params"] = valueNode.Value
			}
		case yaml.MappingNode:
			var args map[string]interface{}
			if err := valueNode.Decode(&args); err != nil {
				return fmt.Errorf("failed to parse module args: %w", err)
			}
			t.ModuleArgs = args
		default:
			return fmt.Errorf("unsupported module args format for module %s", moduleName)
		}
		break
	}

	if t.Module == "" {
		return fmt.Errorf("no module found in task: %s", t.Name)
	}
	return nil
}

// MarshalYAML emits the ansible task form, so extracted plays parse again
// on the receiving side.
func (t Task) MarshalYAML() (interface{}, error) {
	node := make(map[string]interface{})
	if t.Name != "" {
		node["name"] = t.Name
	}

	if raw, ok := t.ModuleArgs["_raw_params"].(string); ok && len(t.ModuleArgs) == 1 {
		node[t.Module] = raw
	} else if len(t.ModuleArgs) > 0 {
		node[t.Module] = t.ModuleArgs
	} else {
		node[t.Module] = nil
	}

	if t.Register != "" {
		node["register"] = t.Register
	}
	if t.When != "" {
		node["when"] = t.When
	}
	if len(t.Notify) > 0 {
		node["notify"] = t.Notify
	}
	if len(t.Tags) > 0 {
		node["tags"] = t.Tags
	}
	if t.IgnoreErrors {
		node["ignore_errors"] = true
	}
	if t.Delegate != "" {
		node["delegate_to"] = t.Delegate
	}
	return node, nil
}

func decodeStringOrList(node *yaml.Node, out *[]string) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*out = []string{node.Value}
		return nil
	case yaml.SequenceNode:
		return node.Decode(out)
	default:
		return fmt.Errorf("expected a string or a list")
	}
}

// RoleSpec names a role to apply, with optional inline vars. Accepts both
// the bare string form and the mapping form with role/name keys.
type RoleSpec struct {
	Name string
	Vars map[string]interface{}
}

func (s *RoleSpec) UnmarshalYAML(value *yaml.Node) error {
	s.Vars = make(map[string]interface{})

	switch value.Kind {
	case yaml.ScalarNode:
		s.Name = value.Value
	case yaml.MappingNode:
		var fields map[string]interface{}
		if err := value.Decode(&fields); err != nil {
			return err
		}
		if name, ok := fields["role"].(string); ok {
			s.Name = name
		} else if name, ok := fields["name"].(string); ok {
			s.Name = name
		} else {
			return fmt.Errorf("role spec must have 'role' or 'name' field")
		}
		for k, v := range fields {
			if k != "role" && k != "name" {
				s.Vars[k] = v
			}
		}
	default:
		return fmt.Errorf("unsupported role format")
	}

	if s.Name == "" {
		return fmt.Errorf("role name cannot be empty")
	}
	return nil
}

func (s RoleSpec) MarshalYAML() (interface{}, error) {
	if len(s.Vars) == 0 {
		return s.Name, nil
	}
	node := map[string]interface{}{"role": s.Name}
	for k, v := range s.Vars {
		node[k] = v
	}
	return node, nil
}

// Role is a loaded role directory.
type Role struct {
	Name     string
	Path     string
	Defaults map[string]interface{}
	Vars     map[string]interface{}
	Tasks    []Task
	Handlers []Task
}

// TaskResult is the outcome of one task on one host.
type TaskResult struct {
	Host        string
	Task        string
	Changed     bool
	Failed      bool
	Skipped     bool
	Unreachable bool
	Msg         string
	Data        map[string]interface{}
}

// ParsePlaybook decodes playbook YAML.
func ParsePlaybook(data []byte) (Playbook, error) {
	var pb Playbook
	if err := yaml.Unmarshal(data, &pb); err != nil {
		return nil, fmt.Errorf("failed to parse playbook: %w", err)
	}
	for i := range pb {
		if pb[i].Vars == nil {
			pb[i].Vars = make(map[string]interface{})
		}
	}
	return pb, nil
}

// LoadPlaybook reads and decodes a playbook file.
func LoadPlaybook(path string) (Playbook, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read playbook %s: %w", path, err)
	}
	return ParsePlaybook(data)
}

// NormalizeModuleArgs moves short-form params where the module expects them.
func NormalizeModuleArgs(moduleName string, args map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(args))
	for k, v := range args {
		result[k] = v
	}

	if rawParams, ok := result["_raw_params"].(string); ok && rawParams != "" {
		switch moduleName {
		case "command", "shell", "raw":
		case "debug", "fail":
			if _, hasMsg := result["msg"]; !hasMsg {
				result["msg"] = rawParams
				delete(result, "_raw_params")
			}
		}
	}
	return result
}

// FormatTaskName joins play and task names for display.
func FormatTaskName(playName, taskName string) string {
	if taskName == "" {
		return playName
	}
	if playName == "" {
		return taskName
	}
	return fmt.Sprintf("%s : %s", playName, taskName)
}

// IsTemplateString reports whether s contains template syntax.
func IsTemplateString(s string) bool {
	return strings.Contains(s, "{{") || strings.Contains(s, "{%")
}
