// Package template provides command templating for fleetcmd shortcuts.
package template

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateEngine provides command templating functionality
type TemplateEngine struct {
	templates map[string]*template.Template
}

// NewTemplateEngine creates a new template engine
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		templates: make(map[string]*template.Template),
	}
}

// RegisterTemplate registers a named template
func (te *TemplateEngine) RegisterTemplate(name, templateStr string) error {
	tmpl, err := newTemplate(name).Parse(templateStr)
	if err != nil {
		return fmt.Errorf("failed to parse template '%s': %w", name, err)
	}

	te.templates[name] = tmpl
	return nil
}

// ExecuteTemplate executes a named template with the given context
func (te *TemplateEngine) ExecuteTemplate(name string, ctx TemplateContext) (string, error) {
	tmpl, exists := te.templates[name]
	if !exists {
		return "", fmt.Errorf("template '%s' not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, ctx); err != nil {
		return "", fmt.Errorf("failed to execute template '%s': %w", name, err)
	}

	return buf.String(), nil
}

// TemplateContext provides data available in templates
type TemplateContext struct {
	Category     string            `json:"category"`
	Action       string            `json:"action"`
	SudoPassword string            `json:"-"`
	Vars         map[string]string `json:"vars"`
}

// NewTemplateContext builds a context from template variables.
// The sudo_password variable is also exposed as .SudoPassword.
func NewTemplateContext(category, action string, vars map[string]string) TemplateContext {
	if vars == nil {
		vars = map[string]string{}
	}
	return TemplateContext{
		Category:     category,
		Action:       action,
		SudoPassword: vars["sudo_password"],
		Vars:         vars,
	}
}

func newTemplate(name string) *template.Template {
	return template.New(name).Option("missingkey=zero").Funcs(templateFuncs())
}

// templateFuncs returns the sprig text functions plus fleetcmd's own
func templateFuncs() template.FuncMap {
	funcs := sprig.TxtFuncMap()

	funcs["title"] = cases.Title(language.English).String

	// required fails rendering when a variable is empty
	funcs["required"] = func(name string, value interface{}) (interface{}, error) {
		if value == nil {
			return nil, fmt.Errorf("template variable '%s' is required", name)
		}
		if s, ok := value.(string); ok && s == "" {
			return nil, fmt.Errorf("template variable '%s' is required", name)
		}
		return value, nil
	}

	funcs["shellQuote"] = ShellQuote

	funcs["var"] = func(vars map[string]string, key string) string {
		return vars[key]
	}

	funcs["varDefault"] = func(vars map[string]string, key, defaultValue string) string {
		if value, exists := vars[key]; exists && value != "" {
			return value
		}
		return defaultValue
	}

	return funcs
}

// ShellQuote wraps s in single quotes for a POSIX shell
func ShellQuote(s interface{}) string {
	str := fmt.Sprint(s)
	return "'" + strings.ReplaceAll(str, "'", `'"'"'`) + "'"
}

// IsTemplate checks if a command string contains template syntax
func IsTemplate(command string) bool {
	return strings.Contains(command, "{{") && strings.Contains(command, "}}")
}

// ValidateTemplate validates a template string without executing it
func ValidateTemplate(templateStr string) error {
	_, err := newTemplate("validation").Parse(templateStr)
	return err
}
