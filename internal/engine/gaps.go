package engine

import (
	"fmt"
	"sort"
)

// Gap is one underspecified spot in a resolved spec. Gaps never block a
// resolve; they feed the review workflow.
type Gap struct {
	Path       string `json:"path"`
	Severity   string `json:"severity"` // "warning" or "info"
	Message    string `json:"message"`
	Suggestion string `json:"suggestion,omitempty"`
}

// GapSet is the gap report for one project at one spec hash.
type GapSet struct {
	ProjectID    string `json:"project_id"`
	SpecHash     string `json:"spec_hash,omitempty"`
	Gaps         []Gap  `json:"gaps"`
	Completeness int    `json:"completeness"` // 0..100
}

// GenerateGaps inspects a resolved spec for underspecified entries. The
// completeness score is the share of checks that passed.
func GenerateGaps(projectID, specHash string, resolved map[string]any) GapSet {
	set := GapSet{ProjectID: projectID, SpecHash: specHash, Gaps: []Gap{}}
	checks, passed := 0, 0

	check := func(ok bool, gap Gap) {
		checks++
		if ok {
			passed++
			return
		}
		set.Gaps = append(set.Gaps, gap)
	}

	declaredDatabases := map[string]struct{}{}
	for name := range sectionEntries(resolved, "databases") {
		declaredDatabases[name] = struct{}{}
	}

	for _, section := range capabilitySections {
		entries := sectionEntries(resolved, section)
		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			body, _ := entries[name].(map[string]any)
			path := section + "." + name

			desc, _ := body["description"].(string)
			check(desc != "", Gap{
				Path:       path,
				Severity:   "warning",
				Message:    "entry has no description",
				Suggestion: "Add a description so reviewers know what this capability is for",
			})

			switch section {
			case "services":
				lang, _ := body["language"].(string)
				check(lang != "", Gap{
					Path:       path,
					Severity:   "info",
					Message:    "service does not declare an implementation language",
					Suggestion: "Set language so scaffolding can pick a toolchain",
				})
				for _, ref := range databaseRefs(body) {
					_, ok := declaredDatabases[ref]
					check(ok, Gap{
						Path:       path,
						Severity:   "warning",
						Message:    fmt.Sprintf("service references undeclared database %q", ref),
						Suggestion: "Declare the database in the databases section or fix the reference",
					})
				}
			case "frontends":
				fw, _ := body["framework"].(string)
				check(fw != "", Gap{
					Path:       path,
					Severity:   "info",
					Message:    "frontend does not declare a framework",
					Suggestion: "Set framework so scaffolding can generate a project skeleton",
				})
			case "databases":
				eng, _ := body["engine"].(string)
				check(eng != "", Gap{
					Path:       path,
					Severity:   "info",
					Message:    "database does not declare an engine",
					Suggestion: "Set engine (e.g. postgres, sqlite) so infrastructure can be derived",
				})
			}
		}
	}

	if checks == 0 {
		set.Completeness = 0
		set.Gaps = append(set.Gaps, Gap{
			Path:       "",
			Severity:   "warning",
			Message:    "specification declares no capabilities",
			Suggestion: "Add at least one service, database, or other capability",
		})
		return set
	}
	set.Completeness = passed * 100 / checks
	return set
}

// databaseRefs collects database names a service entry points at, accepting
// either a single "database" string or a "databases" list.
func databaseRefs(body map[string]any) []string {
	var refs []string
	if ref, ok := body["database"].(string); ok && ref != "" {
		refs = append(refs, ref)
	}
	if list, ok := body["databases"].([]any); ok {
		for _, e := range list {
			if ref, ok := e.(string); ok && ref != "" {
				refs = append(refs, ref)
			}
		}
	}
	return refs
}
