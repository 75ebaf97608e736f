// Package store persists projects, fragments, versions, artifacts, and
// events. All writes are atomic; multi-row head flips run in a transaction.
package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Store defines the durable persistence interface.
type Store interface {
	// Projects
	EnsureProject(ctx context.Context, id, name string) (Project, bool, error)
	GetProject(ctx context.Context, id string) (Project, error)
	ListProjectIDs(ctx context.Context) ([]string, error)
	UpdateProjectCounters(ctx context.Context, id string, counters map[string]int) error

	// Fragments
	UpsertFragment(ctx context.Context, f Fragment) (Fragment, bool, error)
	GetFragment(ctx context.Context, projectID, path string) (Fragment, error)
	DeleteFragment(ctx context.Context, projectID, path string) error
	ListFragments(ctx context.Context, projectID string) ([]Fragment, error)

	// Versions
	InsertVersion(ctx context.Context, v Version) (bool, error)
	ListVersions(ctx context.Context, projectID string, limit int) ([]Version, error)

	// Artifacts
	ReplaceArtifacts(ctx context.Context, projectID string, artifacts []Artifact) error
	ListArtifacts(ctx context.Context, projectID string) ([]Artifact, error)

	// Events
	InsertEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, projectID, id string) (Event, error)
	ListEvents(ctx context.Context, projectID string, q EventQuery) ([]Event, error)
	HeadEvent(ctx context.Context, projectID string) (Event, bool, error)
	// SetActiveWindow activates every event with id <= headID and deactivates
	// every event with id > headID, atomically. An empty headID deactivates
	// all events. It returns the ids whose active flag actually flipped.
	SetActiveWindow(ctx context.Context, projectID, headID string) (reactivated, deactivated []string, err error)

	Close() error
}
