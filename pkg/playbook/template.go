package playbook

import (
	"fmt"
	"strings"

	"github.com/flosch/pongo2/v6"
)

// Engine renders task arguments and evaluates when conditions against a
// host's variable context.
type Engine interface {
	RenderString(template string, context map[string]interface{}) (string, error)

	// RenderValue keeps the native type when the template is a bare
	// variable reference, instead of flattening everything to a string.
	RenderValue(template string, context map[string]interface{}) (interface{}, error)

	RenderArgs(args map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error)

	EvaluateCondition(condition string, context map[string]interface{}) (bool, error)
}

// TemplateEngine is the pongo2-backed implementation.
type TemplateEngine struct{}

func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{}
}

// RenderString renders one template string.
func (te *TemplateEngine) RenderString(template string, context map[string]interface{}) (string, error) {
	if !IsTemplateString(template) {
		return template, nil
	}

	tpl, err := pongo2.FromString(template)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	result, err := tpl.Execute(pongo2.Context(context))
	if err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return result, nil
}

// RenderValue resolves bare variable references from the context directly,
// so registered results and lists survive with their structure. Anything
// more complex renders to a string.
func (te *TemplateEngine) RenderValue(template string, context map[string]interface{}) (interface{}, error) {
	if !IsTemplateString(template) {
		return template, nil
	}

	trimmed := strings.TrimSpace(template)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		expr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if !strings.ContainsAny(expr, "|[]()+-*/%<>=!&") {
			parts := strings.Split(expr, ".")
			value, ok := context[parts[0]]
			for i := 1; i < len(parts) && ok; i++ {
				m, isMap := value.(map[string]interface{})
				if !isMap {
					ok = false
					break
				}
				value, ok = m[parts[i]]
			}
			if ok {
				return value, nil
			}
		}
	}

	return te.RenderString(template, context)
}

// RenderArgs renders every string in the argument map, recursing into
// nested maps and lists.
func (te *TemplateEngine) RenderArgs(args map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(args))

	for key, value := range args {
		switch v := value.(type) {
		case string:
			rendered, err := te.RenderValue(v, context)
			if err != nil {
				return nil, fmt.Errorf("failed to render %s: %w", key, err)
			}
			result[key] = rendered
		case map[string]interface{}:
			rendered, err := te.RenderArgs(v, context)
			if err != nil {
				return nil, err
			}
			result[key] = rendered
		case []interface{}:
			rendered := make([]interface{}, len(v))
			for i, item := range v {
				if strItem, ok := item.(string); ok {
					r, err := te.RenderValue(strItem, context)
					if err != nil {
						return nil, fmt.Errorf("failed to render list item: %w", err)
					}
					rendered[i] = r
				} else {
					rendered[i] = item
				}
			}
			result[key] = rendered
		default:
			result[key] = value
		}
	}

	return result, nil
}

// EvaluateCondition evaluates a when expression. Conditions come without
// the surrounding braces, so they are wrapped in an if block.
func (te *TemplateEngine) EvaluateCondition(condition string, context map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}

	wrapped := fmt.Sprintf("{%% if %s %%}true{%% else %%}false{%% endif %%}", condition)
	tpl, err := pongo2.FromString(wrapped)
	if err != nil {
		return false, fmt.Errorf("invalid when condition %q: %w", condition, err)
	}

	result, err := tpl.Execute(pongo2.Context(context))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	return strings.TrimSpace(result) == "true", nil
}
