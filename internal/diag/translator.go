package diag

import (
	"regexp"
	"strconv"
	"strings"
)

// pattern binds a recognizer to the taxonomy entry it produces.
type pattern struct {
	re          *regexp.Regexp
	category    Category
	errorType   string
	friendly    func(m []string) string
	explanation string
	suggestions []string
}

var (
	// CUE prefixes messages with the offending field path, e.g.
	// "service.port: conflicting values 8080 and \"8080\"".
	conflictRe   = regexp.MustCompile(`^(?:(\S+?): )?conflicting values (.+?) and (.+?)(?: \(mismatched types (\S+) and (\S+)\))?$`)
	incompleteRe = regexp.MustCompile(`^(?:(\S+?): )?incomplete value (.+)$`)
	notAllowedRe = regexp.MustCompile(`^(?:(\S+?): )?field not allowed(?:: (\S+))?$`)
	referenceRe  = regexp.MustCompile(`^(?:(\S+?): )?reference "(.+?)" not found$`)
	undefinedRe  = regexp.MustCompile(`^(?:(\S+?): )?undefined field:? "?([^"]+)"?$`)
	syntaxRe     = regexp.MustCompile(`^(?:(\S+?): )?(expected .+|string literal not terminated|invalid character .+)$`)

	// Location trailer lines: "    ./services.cue:12:5"
	locationRe = regexp.MustCompile(`^\s*(\S+\.cue):(\d+):(\d+)\s*$`)
)

var patterns = []pattern{
	{
		re:        conflictRe,
		category:  CategoryTypes,
		errorType: "conflicting_values",
		friendly: func(m []string) string {
			field := m[1]
			if field == "" {
				field = "a field"
			}
			return "Type conflict: " + field + " is assigned incompatible values"
		},
		explanation: "The same field is given two values that cannot be unified. In CUE every field must converge to a single concrete value; assigning both leaves the configuration unsatisfiable.",
		suggestions: []string{
			"Pick one of the conflicting values and remove the other assignment",
			"If the values come from different fragments, align them on a single type",
			"Use a disjunction (a | b) if both values are intentionally allowed",
		},
	},
	{
		re:        incompleteRe,
		category:  CategoryValidation,
		errorType: "incomplete_value",
		friendly: func(m []string) string {
			field := m[1]
			if field == "" {
				field = "a field"
			}
			return "Missing concrete value for " + field
		},
		explanation: "The configuration is incomplete: a field declares a type constraint but never receives a concrete value, so the specification cannot be exported.",
		suggestions: []string{
			"Assign a concrete value that satisfies the declared constraint",
			"Provide the value in another fragment of the same project",
		},
	},
	{
		re:        notAllowedRe,
		category:  CategoryStructure,
		errorType: "field_not_allowed",
		friendly: func(m []string) string {
			return "Field not allowed by the enclosing schema"
		},
		explanation: "A field is declared that the closed schema of its parent does not permit. Closed structs reject fields they do not define.",
		suggestions: []string{
			"Check the field name for typos",
			"Move the field under the section that defines it",
		},
	},
	{
		re:        referenceRe,
		category:  CategoryReferences,
		errorType: "reference_not_found",
		friendly: func(m []string) string {
			return "Unresolved reference \"" + m[2] + "\""
		},
		explanation: "A fragment refers to a definition that does not exist anywhere in the project.",
		suggestions: []string{
			"Define the referenced value in one of the project's fragments",
			"Check the reference for typos or a missing package import",
		},
	},
	{
		re:        undefinedRe,
		category:  CategoryReferences,
		errorType: "undefined_field",
		friendly: func(m []string) string {
			return "Undefined field \"" + m[2] + "\""
		},
		explanation: "A selector points at a field that is not defined on the referenced value.",
		suggestions: []string{
			"Verify the field exists on the value being selected",
			"Check for typos in the selector chain",
		},
	},
	{
		re:        syntaxRe,
		category:  CategorySyntax,
		errorType: "syntax_error",
		friendly: func(m []string) string {
			return "Syntax error in fragment"
		},
		explanation: "The fragment does not parse as valid CUE, so validation stopped before evaluation.",
		suggestions: []string{
			"Check for unbalanced braces, quotes, or a missing comma",
			"Run the formatter to pinpoint the parse failure",
		},
	},
}

// Translate parses validator stderr into structured diagnostics. Lines that
// match no known pattern yield a generic validation diagnostic; callers that
// know the tool exited nonzero should use FromExit, which guarantees a
// non-empty result.
func Translate(rawStderr string) []Diagnostic {
	var out []Diagnostic
	var last *Diagnostic

	for _, line := range strings.Split(rawStderr, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}

		// Location trailers attach to the preceding diagnostic.
		if loc := locationRe.FindStringSubmatch(line); loc != nil && last != nil {
			if last.Filename == "" {
				last.Filename = strings.TrimPrefix(loc[1], "./")
				last.Line, _ = strconv.Atoi(loc[2])
				last.Column, _ = strconv.Atoi(loc[3])
			}
			continue
		}

		d := translateLine(trimmed)
		out = append(out, d)
		last = &out[len(out)-1]
	}
	return out
}

func translateLine(line string) Diagnostic {
	for _, p := range patterns {
		if m := p.re.FindStringSubmatch(line); m != nil {
			d := Diagnostic{
				RawMessage:      line,
				FriendlyMessage: p.friendly(m),
				Explanation:     p.explanation,
				Suggestions:     p.suggestions,
				Category:        p.category,
				Severity:        SeverityError,
				ErrorType:       p.errorType,
				Path:            m[1],
			}
			return d
		}
	}
	return genericDiagnostic(line)
}

func genericDiagnostic(line string) Diagnostic {
	return Diagnostic{
		RawMessage:      line,
		FriendlyMessage: "Validation failed",
		Explanation:     "The validator reported an error that did not match a known pattern.",
		Suggestions: []string{
			"Inspect the raw validator output in the server logs",
			"Verify the validator binary version matches the project's language version",
		},
		Category:  CategoryValidation,
		Severity:  SeverityError,
		ErrorType: "unknown",
	}
}

// SpawnFailure builds the single diagnostic reported when the validator
// binary could not be started at all.
func SpawnFailure(detail string) Diagnostic {
	return Diagnostic{
		RawMessage:      detail,
		FriendlyMessage: "CUE validation error",
		Explanation:     "The validator binary could not be executed, so the fragments were not checked.",
		Suggestions: []string{
			"Verify the validator binary is installed and on PATH",
			"Check the configured validator_binary path and its permissions",
		},
		Category:  CategoryValidation,
		Severity:  SeverityError,
		ErrorType: "spawn_failure",
	}
}

// Timeout builds the diagnostic reported when the validator exceeded its deadline.
func Timeout(detail string) Diagnostic {
	return Diagnostic{
		RawMessage:      detail,
		FriendlyMessage: "Validation timed out",
		Explanation:     "The validator did not finish within its configured deadline and was terminated.",
		Suggestions: []string{
			"Increase tool_timeout_ms if the project is legitimately large",
			"Check for pathological recursion in the fragments",
		},
		Category:  CategoryValidation,
		Severity:  SeverityError,
		ErrorType: "timeout",
	}
}

// FromExit translates stderr from a failed run, synthesizing a catch-all
// diagnostic when nothing matched so a nonzero exit never yields zero
// diagnostics.
func FromExit(rawStderr string) []Diagnostic {
	out := Translate(rawStderr)
	if len(out) == 0 {
		out = append(out, genericDiagnostic(strings.TrimSpace(rawStderr)))
	}
	return out
}
