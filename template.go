package troupe

import (
	"strings"
	"text/template"
)

// RenderPrompt renders an agent prompt template against vars. Variables are
// referenced as {{.name}}. Missing variables render as empty strings; when
// strict is set, a missing variable is a template error instead.
func RenderPrompt(name, tmpl string, vars map[string]string, strict bool) (string, error) {
	mode := "missingkey=zero"
	if strict {
		mode = "missingkey=error"
	}
	t, err := template.New(name).Option(mode).Parse(tmpl)
	if err != nil {
		return "", WrapError(KindTemplate, err, "parse prompt for %s", name)
	}
	var b strings.Builder
	if err := t.Execute(&b, vars); err != nil {
		return "", WrapError(KindTemplate, err, "render prompt for %s", name)
	}
	return b.String(), nil
}

// promptVars builds the variable map an agent prompt can reference.
func promptVars(task *Task, a *Agent, toolNames, handoffs []string, memoryContext string) map[string]string {
	return map[string]string{
		"task":        task.Description,
		"task_id":     task.ID,
		"agent":       a.Name,
		"description": a.Description,
		"tools":       strings.Join(toolNames, ", "),
		"handoffs":    strings.Join(handoffs, ", "),
		"memory":      memoryContext,
	}
}
