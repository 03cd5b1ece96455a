package playbook

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// RoleLoader resolves and loads role directories.
type RoleLoader struct {
	playbookDir string
	rolePaths   []string
}

func NewRoleLoader(playbookPath string) *RoleLoader {
	playbookDir := filepath.Dir(playbookPath)
	return &RoleLoader{
		playbookDir: playbookDir,
		rolePaths: []string{
			filepath.Join(playbookDir, "roles"),
			"./roles",
		},
	}
}

// LoadRole loads tasks, handlers, defaults and vars for one role.
// Defaults, vars and handlers are optional; tasks are not.
func (rl *RoleLoader) LoadRole(spec RoleSpec) (*Role, error) {
	rolePath, err := rl.findRolePath(spec.Name)
	if err != nil {
		return nil, err
	}

	role := &Role{
		Name:     spec.Name,
		Path:     rolePath,
		Vars:     make(map[string]interface{}),
		Defaults: make(map[string]interface{}),
	}

	if err := rl.loadVarsFile(filepath.Join(rolePath, "defaults"), &role.Defaults); err != nil {
		return nil, fmt.Errorf("failed to load role defaults: %w", err)
	}
	if err := rl.loadVarsFile(filepath.Join(rolePath, "vars"), &role.Vars); err != nil {
		return nil, fmt.Errorf("failed to load role vars: %w", err)
	}

	// inline vars from the play win over the role's own
	for k, v := range spec.Vars {
		role.Vars[k] = v
	}

	tasksFile := findYAMLFile(filepath.Join(rolePath, "tasks"))
	if tasksFile == "" {
		return nil, fmt.Errorf("role %s has no tasks file", spec.Name)
	}
	if err := loadTaskFile(tasksFile, &role.Tasks); err != nil {
		return nil, fmt.Errorf("failed to load role tasks: %w", err)
	}

	if handlersFile := findYAMLFile(filepath.Join(rolePath, "handlers")); handlersFile != "" {
		if err := loadTaskFile(handlersFile, &role.Handlers); err != nil {
			return nil, fmt.Errorf("failed to load role handlers: %w", err)
		}
	}

	return role, nil
}

func (rl *RoleLoader) findRolePath(roleName string) (string, error) {
	for _, basePath := range rl.rolePaths {
		rolePath := filepath.Join(basePath, roleName)
		if info, err := os.Stat(rolePath); err == nil && info.IsDir() {
			return rolePath, nil
		}
	}
	return "", fmt.Errorf("role not found: %s (searched: %v)", roleName, rl.rolePaths)
}

func (rl *RoleLoader) loadVarsFile(dir string, out *map[string]interface{}) error {
	file := findYAMLFile(dir)
	if file == "" {
		return nil
	}

	data, err := os.ReadFile(file)
	if err != nil {
		return err
	}

	var vars map[string]interface{}
	if err := yaml.Unmarshal(data, &vars); err != nil {
		return fmt.Errorf("failed to parse %s: %w", file, err)
	}
	for k, v := range vars {
		(*out)[k] = v
	}
	return nil
}

// findYAMLFile returns dir/main.yaml or dir/main.yml, whichever exists.
func findYAMLFile(dir string) string {
	for _, name := range []string{"main.yaml", "main.yml"} {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func loadTaskFile(path string, out *[]Task) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}
