// Package scenario serves canned model responses for test prompts, so the
// plan-execution path can be driven deterministically.
package scenario

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/xkilldash9x/saccessco/api/schemas"
	"github.com/xkilldash9x/saccessco/internal/llmutil"
)

//go:embed scenarios.yaml
var builtin []byte

// ErrUnknownScenario is returned by Respond for names not in the catalog.
var ErrUnknownScenario = errors.New("unknown test scenario")

// promptPattern splits "<name> {kwargs}" with the kwargs block optional.
var promptPattern = regexp.MustCompile(`(?s)^(.*?)\s*(\{.*\})?\s*$`)

type stepDefinition struct {
	Selector string `yaml:"selector"`
	Action   string `yaml:"action"`
	Data     any    `yaml:"data"`
}

type definition struct {
	Name        string           `yaml:"name"`
	Description string           `yaml:"description"`
	Defaults    map[string]any   `yaml:"defaults"`
	Speak       string           `yaml:"speak"`
	Plan        []stepDefinition `yaml:"plan"`
	Parameters  map[string]any   `yaml:"parameters"`
}

type catalogFile struct {
	Scenarios []definition `yaml:"scenarios"`
}

// Catalog maps normalized scenario names to their definitions.
type Catalog struct {
	prefix    string
	scenarios map[string]definition
}

var funcs = template.FuncMap{
	"longdate": longDate,
}

// Builtin loads the embedded catalog.
func Builtin(prefix string) (*Catalog, error) {
	return Load(builtin, prefix)
}

// Load parses a YAML catalog. prefix is the word that marks test prompts.
func Load(data []byte, prefix string) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse scenario catalog: %w", err)
	}
	if len(file.Scenarios) == 0 {
		return nil, errors.New("scenario catalog defines no scenarios")
	}

	c := &Catalog{prefix: strings.ToLower(strings.TrimSpace(prefix)), scenarios: make(map[string]definition, len(file.Scenarios))}
	for _, def := range file.Scenarios {
		key := c.normalize(def.Name)
		if key == "" {
			return nil, fmt.Errorf("scenario with empty name")
		}
		if _, dup := c.scenarios[key]; dup {
			return nil, fmt.Errorf("duplicate scenario %q", key)
		}
		if err := validate(def); err != nil {
			return nil, fmt.Errorf("scenario %q: %w", key, err)
		}
		c.scenarios[key] = def
	}
	return c, nil
}

func validate(def definition) error {
	texts := []string{def.Speak}
	for i, step := range def.Plan {
		if !schemas.ActionType(step.Action).Known() {
			return fmt.Errorf("step %d: unknown action %q", i, step.Action)
		}
		texts = append(texts, step.Selector)
		if s, ok := step.Data.(string); ok {
			texts = append(texts, s)
		}
	}
	for _, text := range texts {
		if _, err := template.New("check").Funcs(funcs).Parse(text); err != nil {
			return err
		}
	}
	return nil
}

// IsTestPrompt reports whether the prompt's first word is the prefix,
// ignoring case.
func (c *Catalog) IsTestPrompt(prompt string) bool {
	fields := strings.Fields(prompt)
	return c.prefix != "" && len(fields) > 0 && strings.ToLower(fields[0]) == c.prefix
}

// Names lists the scenarios in sorted order.
func (c *Catalog) Names() []string {
	names := make([]string, 0, len(c.scenarios))
	for name := range c.scenarios {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Respond renders the named scenario with defaults overlaid by kwargs.
func (c *Catalog) Respond(name string, kwargs map[string]any) (schemas.StructuredResponse, error) {
	key := c.normalize(name)
	def, ok := c.scenarios[key]
	if !ok {
		return schemas.StructuredResponse{}, fmt.Errorf("%w: %q", ErrUnknownScenario, key)
	}

	vars := make(map[string]any, len(def.Defaults)+len(kwargs))
	for k, v := range def.Defaults {
		vars[k] = v
	}
	for k, v := range kwargs {
		vars[k] = v
	}

	speak, err := render(def.Speak, vars)
	if err != nil {
		return schemas.StructuredResponse{}, err
	}

	steps := make([]schemas.Step, 0, len(def.Plan))
	for _, sd := range def.Plan {
		selector, err := render(sd.Selector, vars)
		if err != nil {
			return schemas.StructuredResponse{}, err
		}
		data := sd.Data
		if s, ok := data.(string); ok {
			if data, err = render(s, vars); err != nil {
				return schemas.StructuredResponse{}, err
			}
		}
		steps = append(steps, schemas.Step{Selector: selector, Action: schemas.ActionType(sd.Action), Data: data})
	}

	params := make(map[string]any, len(def.Parameters))
	for k, v := range def.Parameters {
		if s, ok := v.(string); ok {
			if v, err = render(s, vars); err != nil {
				return schemas.StructuredResponse{}, err
			}
		}
		params[k] = v
	}

	return schemas.StructuredResponse{
		Speak:   speak,
		Execute: schemas.Execute{Plan: steps, Parameters: params},
	}, nil
}

// normalize lowercases, collapses whitespace and drops a leading prefix word.
func (c *Catalog) normalize(name string) string {
	fields := strings.Fields(strings.ToLower(name))
	if len(fields) > 0 && c.prefix != "" && fields[0] == c.prefix {
		fields = fields[1:]
	}
	return strings.Join(fields, " ")
}

// Parse splits a test prompt into its name and a trailing kwargs object.
// Kwargs written with single quotes are accepted when the block contains
// no double quotes. Malformed or non-object kwargs yield an empty map.
func Parse(prompt string) (string, map[string]any) {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return "", map[string]any{}
	}
	m := promptPattern.FindStringSubmatch(trimmed)
	if m == nil {
		return trimmed, map[string]any{}
	}

	name := strings.TrimSpace(m[1])
	raw := m[2]
	if raw == "" {
		return name, map[string]any{}
	}
	if strings.Contains(raw, "'") && !strings.Contains(raw, `"`) {
		raw = strings.ReplaceAll(raw, "'", `"`)
	}
	kwargs, err := llmutil.ParseJSONResponse[map[string]any](raw)
	if err != nil || *kwargs == nil {
		return name, map[string]any{}
	}
	return name, *kwargs
}

func render(text string, vars map[string]any) (string, error) {
	tmpl, err := template.New("scenario").Funcs(funcs).Option("missingkey=error").Parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("rendering %q: %w", text, err)
	}
	return buf.String(), nil
}

// longDate turns dd/mm/yyyy into the "22 October 2025." form used by date
// picker aria labels.
func longDate(v any) (string, error) {
	t, err := time.Parse("2/1/2006", strings.TrimSpace(fmt.Sprint(v)))
	if err != nil {
		return "", fmt.Errorf("date %v is not dd/mm/yyyy", v)
	}
	return t.Format("2 January 2006."), nil
}
