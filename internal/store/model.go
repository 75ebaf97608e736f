package store

import (
	"encoding/json"
	"time"
)

// Project is one logical workspace. Counters summarize the artifact set of
// the most recent successful resolve (services, databases, ...).
type Project struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Counters  map[string]int `json:"counters"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Fragment is a named text unit of the declarative language. (ProjectID, Path)
// is unique; rewrites replace the row in place and history lives in the journal.
type Fragment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	Author    string    `json:"author,omitempty"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Version is a content-addressed snapshot of the resolved specification.
// At most one row exists per (ProjectID, SpecHash).
type Version struct {
	ID           string    `json:"id"`
	ProjectID    string    `json:"project_id"`
	SpecHash     string    `json:"spec_hash"`
	ResolvedJSON string    `json:"resolved_json"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactType enumerates the artifact kinds derived from a resolved spec.
type ArtifactType string

const (
	ArtifactService        ArtifactType = "service"
	ArtifactDatabase       ArtifactType = "database"
	ArtifactFrontend       ArtifactType = "frontend"
	ArtifactView           ArtifactType = "view"
	ArtifactPackage        ArtifactType = "package"
	ArtifactTool           ArtifactType = "tool"
	ArtifactInfrastructure ArtifactType = "infrastructure"
)

// Artifact is a pure projection of the resolved spec. The full set is
// replaced wholesale on each successful resolve.
type Artifact struct {
	ID          string         `json:"id"`
	ProjectID   string         `json:"project_id"`
	Name        string         `json:"name"`
	Type        ArtifactType   `json:"type"`
	Description string         `json:"description,omitempty"`
	Language    string         `json:"language,omitempty"`
	Framework   string         `json:"framework,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	FilePath    string         `json:"file_path,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// EventType enumerates journaled event kinds.
type EventType string

const (
	EventFragmentCreated     EventType = "fragment_created"
	EventFragmentUpdated     EventType = "fragment_updated"
	EventFragmentDeleted     EventType = "fragment_deleted"
	EventValidationCompleted EventType = "validation_completed"
	EventValidationFailed    EventType = "validation_failed"
	EventVersionFrozen       EventType = "version_frozen"
	EventHeadUpdated         EventType = "event_head_updated"
	EventsReverted           EventType = "events_reverted"
)

// Event is an append-only journal record. IDs are ULIDs, so lexicographic
// id order equals creation order and ties cannot occur.
type Event struct {
	ID        string          `json:"id"`
	ProjectID string          `json:"project_id"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data"`
	CreatedAt time.Time       `json:"created_at"`
	IsActive  bool            `json:"is_active"`
}

// EventQuery narrows ListEvents.
type EventQuery struct {
	Limit           int
	Since           time.Time // zero means from the beginning
	IncludeInactive bool
}
