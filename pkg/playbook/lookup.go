package playbook

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

var (
	wrappedLookupRe = regexp.MustCompile(`\{\{\s*lookup\(['"]template['"],\s*['"]([^'"]+)['"]\)\s*\}\}`)
	bareLookupRe    = regexp.MustCompile(`lookup\(['"]template['"],\s*['"]([^'"]+)['"]\)`)
)

// LookupHandler resolves lookup('template', ...) calls before rendering.
type LookupHandler struct {
	playbookPath string
	rolePathHint string
	engine       Engine
	goEngine     Engine
}

func NewLookupHandler(playbookPath string, engine Engine) *LookupHandler {
	return &LookupHandler{
		playbookPath: playbookPath,
		engine:       engine,
		goEngine:     NewGoTemplateEngine(),
	}
}

// SetRolePathHint points template resolution at a role's templates dir.
func (lh *LookupHandler) SetRolePathHint(rolePath string) {
	lh.rolePathHint = rolePath
}

// ProcessLookups replaces every template lookup in the string with the
// rendered file content. Runs before the surrounding template renders.
func (lh *LookupHandler) ProcessLookups(template string, context map[string]interface{}) (string, error) {
	result := template

	for _, re := range []*regexp.Regexp{wrappedLookupRe, bareLookupRe} {
		for _, match := range re.FindAllStringSubmatch(result, -1) {
			content, err := lh.loadTemplate(match[1], context)
			if err != nil {
				return "", fmt.Errorf("lookup('template', '%s') failed: %w", match[1], err)
			}
			result = strings.Replace(result, match[0], content, 1)
		}
	}

	return result, nil
}

func (lh *LookupHandler) loadTemplate(templatePath string, context map[string]interface{}) (string, error) {
	playbookDir := lh.playbookPath
	if filepath.Ext(playbookDir) != "" {
		playbookDir = filepath.Dir(playbookDir)
	}

	var searchPaths []string
	if lh.rolePathHint != "" {
		searchPaths = append(searchPaths, filepath.Join(playbookDir, lh.rolePathHint, "templates", templatePath))
	}
	searchPaths = append(searchPaths,
		filepath.Join(playbookDir, "templates", templatePath),
		filepath.Join(playbookDir, templatePath))
	if filepath.IsAbs(templatePath) {
		searchPaths = append(searchPaths, templatePath)
	}

	var content []byte
	found := false
	for _, path := range searchPaths {
		data, err := os.ReadFile(path)
		if err == nil {
			content = data
			found = true
			break
		}
	}
	if !found {
		return "", fmt.Errorf("template file '%s' not found in any of: %v", templatePath, searchPaths)
	}

	// *.tmpl files are Go templates, everything else is Jinja2.
	engine := lh.engine
	if strings.HasSuffix(templatePath, ".tmpl") {
		engine = lh.goEngine
	}
	if engine != nil {
		rendered, err := engine.RenderString(string(content), context)
		if err != nil {
			return "", fmt.Errorf("failed to render template '%s': %w", templatePath, err)
		}
		return rendered, nil
	}
	return string(content), nil
}

// ProcessLookupsInVars resolves lookups in every string value, recursing
// into maps and lists.
func (lh *LookupHandler) ProcessLookupsInVars(vars map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(vars))

	for key, value := range vars {
		switch v := value.(type) {
		case string:
			processed, err := lh.ProcessLookups(v, context)
			if err != nil {
				return nil, fmt.Errorf("failed to process lookups in var '%s': %w", key, err)
			}
			result[key] = processed
		case map[string]interface{}:
			processed, err := lh.ProcessLookupsInVars(v, context)
			if err != nil {
				return nil, err
			}
			result[key] = processed
		case []interface{}:
			processed := make([]interface{}, len(v))
			for i, item := range v {
				if strItem, ok := item.(string); ok {
					p, err := lh.ProcessLookups(strItem, context)
					if err != nil {
						return nil, fmt.Errorf("failed to process lookups in list item: %w", err)
					}
					processed[i] = p
				} else {
					processed[i] = item
				}
			}
			result[key] = processed
		default:
			result[key] = value
		}
	}

	return result, nil
}
