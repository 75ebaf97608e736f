package engine

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"git.home.luguber.info/inful/specbench/internal/diag"
)

// capabilitySections are the namespaces artifacts are derived from. A name
// must be unique across all of them.
var capabilitySections = []string{
	"services", "databases", "frontends", "views", "packages", "tools", "infrastructure",
}

// resolvedSchema is the structural contract every resolved spec must meet
// before artifact extraction runs.
const resolvedSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"services":       {"type": "object", "additionalProperties": {"type": "object"}},
		"databases":      {"type": "object", "additionalProperties": {"type": "object"}},
		"frontends":      {"type": "object", "additionalProperties": {"type": "object"}},
		"views":          {"type": "object", "additionalProperties": {"type": "object"}},
		"packages":       {"type": "object", "additionalProperties": {"type": "object"}},
		"tools":          {"type": "object", "additionalProperties": {"type": "object"}},
		"infrastructure": {"type": "object", "additionalProperties": {"type": "object"}}
	}
}`

var templateRe = regexp.MustCompile(`\$\{[^}]*\}`)

func compileResolvedSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("resolved.schema.json", strings.NewReader(resolvedSchema)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	return c.Compile("resolved.schema.json")
}

// runAssertions applies the post-hoc checks over the resolved document.
// Violations are returned as assertion diagnostics.
func (e *Engine) runAssertions(resolved map[string]any, canonical []byte) []diag.Diagnostic {
	var out []diag.Diagnostic

	if e.schema != nil {
		if err := e.schema.Validate(any(resolved)); err != nil {
			out = append(out, assertionDiagnostic(
				"Resolved spec violates the structural schema",
				err.Error(),
				"Check that every capability section maps names to objects",
			))
		}
	}

	if m := templateRe.Find(canonical); m != nil {
		out = append(out, assertionDiagnostic(
			"Unresolved template expression "+string(m),
			"The resolved spec still contains a ${...} placeholder; all templates must be substituted before a version can be frozen.",
			"Provide a concrete value for the template variable",
		))
	}

	if countCapabilities(resolved) == 0 {
		out = append(out, assertionDiagnostic(
			"Specification declares no capabilities",
			"At least one of the capability sections (services, databases, ...) must contain an entry.",
			"Add a service, database, or other capability to a fragment",
		))
	}

	return out
}

// runCustomChecks applies domain rules beyond the generic assertions.
// It returns hard errors and non-fatal warnings separately.
func (e *Engine) runCustomChecks(resolved map[string]any) (errs, warnings []diag.Diagnostic) {
	// Duplicate detection across capability namespaces.
	owners := map[string][]string{}
	for _, section := range capabilitySections {
		for name := range sectionEntries(resolved, section) {
			owners[name] = append(owners[name], section)
		}
	}
	names := make([]string, 0, len(owners))
	for name := range owners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if sections := owners[name]; len(sections) > 1 {
			errs = append(errs, customDiagnostic(
				fmt.Sprintf("Name %q is declared in multiple capability namespaces (%s)", name, strings.Join(sections, ", ")),
				"Capability names are a single flat namespace; the same name in two sections makes artifact derivation ambiguous.",
				"Rename one of the conflicting entries",
			))
		}
	}

	// Structural warnings: entries without a description render poorly.
	for _, section := range capabilitySections {
		entries := sectionEntries(resolved, section)
		entryNames := make([]string, 0, len(entries))
		for name := range entries {
			entryNames = append(entryNames, name)
		}
		sort.Strings(entryNames)
		for _, name := range entryNames {
			entry, _ := entries[name].(map[string]any)
			if entry == nil {
				continue
			}
			if s, _ := entry["description"].(string); s == "" {
				warnings = append(warnings, diag.Diagnostic{
					RawMessage:      fmt.Sprintf("%s.%s: missing description", section, name),
					FriendlyMessage: fmt.Sprintf("%s %q has no description", strings.TrimSuffix(section, "s"), name),
					Explanation:     "Descriptions are surfaced in the workbench UI and gap reports; entries without one are hard to review.",
					Suggestions:     []string{"Add a description field to the entry"},
					Category:        diag.CategoryStructure,
					Severity:        diag.SeverityWarning,
					ErrorType:       "custom",
					Path:            section + "." + name,
				})
			}
		}
	}
	return errs, warnings
}

func sectionEntries(resolved map[string]any, section string) map[string]any {
	m, _ := resolved[section].(map[string]any)
	return m
}

func countCapabilities(resolved map[string]any) int {
	n := 0
	for _, section := range capabilitySections {
		n += len(sectionEntries(resolved, section))
	}
	return n
}

func assertionDiagnostic(friendly, explanation, suggestion string) diag.Diagnostic {
	return diag.Diagnostic{
		RawMessage:      friendly,
		FriendlyMessage: friendly,
		Explanation:     explanation,
		Suggestions:     []string{suggestion},
		Category:        diag.CategoryValidation,
		Severity:        diag.SeverityError,
		ErrorType:       "assertion",
	}
}

func customDiagnostic(friendly, explanation, suggestion string) diag.Diagnostic {
	return diag.Diagnostic{
		RawMessage:      friendly,
		FriendlyMessage: friendly,
		Explanation:     explanation,
		Suggestions:     []string{suggestion},
		Category:        diag.CategoryStructure,
		Severity:        diag.SeverityError,
		ErrorType:       "custom",
	}
}
