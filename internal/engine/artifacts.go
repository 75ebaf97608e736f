package engine

import (
	"sort"

	"git.home.luguber.info/inful/specbench/internal/store"
)

// sectionTypes maps resolved-spec sections to the artifact type each yields.
var sectionTypes = map[string]store.ArtifactType{
	"services":       store.ArtifactService,
	"databases":      store.ArtifactDatabase,
	"frontends":      store.ArtifactFrontend,
	"views":          store.ArtifactView,
	"packages":       store.ArtifactPackage,
	"tools":          store.ArtifactTool,
	"infrastructure": store.ArtifactInfrastructure,
}

// wellKnownFields are lifted onto the Artifact struct; everything else an
// entry declares lands in Metadata untouched.
var wellKnownFields = map[string]struct{}{
	"description": {},
	"language":    {},
	"framework":   {},
	"file_path":   {},
}

// ExtractArtifacts derives the artifact projection from a resolved spec.
// The result is deterministic: sections in fixed order, entries sorted by name.
func ExtractArtifacts(projectID string, resolved map[string]any) []store.Artifact {
	var out []store.Artifact
	for _, section := range capabilitySections {
		typ := sectionTypes[section]
		entries := sectionEntries(resolved, section)

		names := make([]string, 0, len(entries))
		for name := range entries {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			body, _ := entries[name].(map[string]any)
			out = append(out, buildArtifact(projectID, name, typ, body))
		}
	}
	return out
}

func buildArtifact(projectID, name string, typ store.ArtifactType, body map[string]any) store.Artifact {
	a := store.Artifact{
		ProjectID: projectID,
		Name:      name,
		Type:      typ,
	}
	if body == nil {
		return a
	}
	a.Description, _ = body["description"].(string)
	a.Language, _ = body["language"].(string)
	a.Framework, _ = body["framework"].(string)
	a.FilePath, _ = body["file_path"].(string)

	for k, v := range body {
		if _, lifted := wellKnownFields[k]; lifted {
			continue
		}
		if a.Metadata == nil {
			a.Metadata = map[string]any{}
		}
		a.Metadata[k] = v
	}
	return a
}

// CountByType aggregates an artifact set into per-type counters for the
// project summary.
func CountByType(artifacts []store.Artifact) map[string]int {
	counters := map[string]int{}
	for _, a := range artifacts {
		counters[string(a.Type)]++
	}
	return counters
}
