package playbook

import (
	"fmt"
	"os"
	"path/filepath"
)

// TaskIncluder expands import_tasks and include_role into their task lists.
type TaskIncluder struct {
	playbookPath string
	roleLoader   *RoleLoader
}

func NewTaskIncluder(playbookPath string) *TaskIncluder {
	return &TaskIncluder{
		playbookPath: playbookPath,
		roleLoader:   NewRoleLoader(playbookPath),
	}
}

// ExpandTask returns the tasks a task stands for. Ordinary tasks come back
// unchanged as a single-element list.
func (ti *TaskIncluder) ExpandTask(task *Task) ([]Task, error) {
	switch task.Module {
	case "import_tasks":
		return ti.expandImportTasks(task)
	case "include_role":
		return ti.expandIncludeRole(task)
	default:
		return []Task{*task}, nil
	}
}

func (ti *TaskIncluder) expandImportTasks(task *Task) ([]Task, error) {
	var tasksFile string
	if file, ok := task.ModuleArgs["file"].(string); ok {
		tasksFile = file
	} else if rawParams, ok := task.ModuleArgs["_raw_params"].(string); ok {
		tasksFile = rawParams
	} else {
		return nil, fmt.Errorf("import_tasks requires 'file' parameter")
	}

	playbookDir := filepath.Dir(ti.playbookPath)
	fullPath := resolveYAMLPath(filepath.Join(playbookDir, tasksFile))

	var tasks []Task
	if err := loadTaskFile(fullPath, &tasks); err != nil {
		return nil, fmt.Errorf("failed to load tasks file %s: %w", tasksFile, err)
	}
	return tasks, nil
}

func (ti *TaskIncluder) expandIncludeRole(task *Task) ([]Task, error) {
	roleName, ok := task.ModuleArgs["name"].(string)
	if !ok {
		return nil, fmt.Errorf("include_role requires 'name' parameter")
	}

	if tasksFrom, _ := task.ModuleArgs["tasks_from"].(string); tasksFrom != "" {
		return ti.loadRoleTasksFrom(roleName, tasksFrom)
	}

	spec := RoleSpec{Name: roleName, Vars: make(map[string]interface{})}
	if roleVars, ok := task.ModuleArgs["vars"].(map[string]interface{}); ok {
		spec.Vars = roleVars
	}

	role, err := ti.roleLoader.LoadRole(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load role '%s': %w", roleName, err)
	}
	return role.Tasks, nil
}

// loadRoleTasksFrom loads a single task file from a role. The role's
// defaults and vars are not loaded in this mode.
func (ti *TaskIncluder) loadRoleTasksFrom(roleName, tasksFrom string) ([]Task, error) {
	rolePath, err := ti.roleLoader.findRolePath(roleName)
	if err != nil {
		return nil, err
	}

	tasksFile := resolveYAMLPath(filepath.Join(rolePath, "tasks", tasksFrom))

	var tasks []Task
	if err := loadTaskFile(tasksFile, &tasks); err != nil {
		return nil, fmt.Errorf("failed to load tasks file %s from role %s: %w", tasksFrom, roleName, err)
	}
	return tasks, nil
}

// resolveYAMLPath appends .yaml or .yml when path has no extension and the
// bare name does not exist.
func resolveYAMLPath(path string) string {
	if _, err := os.Stat(path); err == nil || filepath.Ext(path) != "" {
		return path
	}
	for _, ext := range []string{".yaml", ".yml"} {
		if _, err := os.Stat(path + ext); err == nil {
			return path + ext
		}
	}
	return path
}
