package playbook

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// GoTemplateEngine renders Go text/template syntax with the sprig function
// set. Template files named *.tmpl go through this engine; everything else
// renders as Jinja2.
type GoTemplateEngine struct {
	funcs template.FuncMap
}

func NewGoTemplateEngine() *GoTemplateEngine {
	return &GoTemplateEngine{funcs: sprig.TxtFuncMap()}
}

func (ge *GoTemplateEngine) RenderString(tmpl string, context map[string]interface{}) (string, error) {
	t, err := template.New("inline").Funcs(ge.funcs).Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}

	var buf strings.Builder
	if err := t.Execute(&buf, context); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// RenderValue resolves a bare {{ .var }} reference from the context with
// its native type; anything else renders to a string.
func (ge *GoTemplateEngine) RenderValue(tmpl string, context map[string]interface{}) (interface{}, error) {
	trimmed := strings.TrimSpace(tmpl)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		expr := strings.TrimSpace(trimmed[2 : len(trimmed)-2])
		if strings.HasPrefix(expr, ".") && !strings.ContainsAny(expr, " |(") {
			value := interface{}(context)
			ok := true
			for _, part := range strings.Split(expr[1:], ".") {
				m, isMap := value.(map[string]interface{})
				if !isMap {
					ok = false
					break
				}
				value, ok = m[part]
				if !ok {
					break
				}
			}
			if ok {
				return value, nil
			}
		}
	}
	return ge.RenderString(tmpl, context)
}

func (ge *GoTemplateEngine) RenderArgs(args map[string]interface{}, context map[string]interface{}) (map[string]interface{}, error) {
	result := make(map[string]interface{}, len(args))
	for key, value := range args {
		str, ok := value.(string)
		if !ok {
			result[key] = value
			continue
		}
		rendered, err := ge.RenderValue(str, context)
		if err != nil {
			return nil, fmt.Errorf("failed to render %s: %w", key, err)
		}
		result[key] = rendered
	}
	return result, nil
}

func (ge *GoTemplateEngine) EvaluateCondition(condition string, context map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}
	wrapped := fmt.Sprintf("{{ if %s }}true{{ else }}false{{ end }}", condition)
	result, err := ge.RenderString(wrapped, context)
	if err != nil {
		return false, fmt.Errorf("failed to evaluate condition %q: %w", condition, err)
	}
	return strings.TrimSpace(result) == "true", nil
}
