// Package journal is the append-only project event log. Event ids are ULIDs,
// so lexicographic id order is creation order and the active window is always
// an id prefix.
package journal

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/store"
)

// HeadChange reports the effect of a head move or revert.
type HeadChange struct {
	ProjectID   string   `json:"project_id"`
	Head        string   `json:"head,omitempty"` // empty when everything is deactivated
	Reactivated []string `json:"reactivated,omitempty"`
	Deactivated []string `json:"deactivated,omitempty"`
}

// Journal serializes appends and window flips per project over the store.
type Journal struct {
	store   store.Store
	metrics metrics.Recorder

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Journal over the given store.
func New(st store.Store, rec metrics.Recorder) *Journal {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Journal{
		store:   st,
		metrics: rec,
		entropy: ulid.Monotonic(rand.Reader, 0),
		locks:   map[string]*sync.Mutex{},
	}
}

// NewID mints a ULID. Monotonic entropy guarantees strict ordering even for
// ids minted within the same millisecond.
func (j *Journal) NewID() string {
	j.entropyMu.Lock()
	defer j.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), j.entropy).String()
}

// Append records one active event and returns it. The payload is marshaled
// into the event's data field.
func (j *Journal) Append(ctx context.Context, projectID string, typ store.EventType, payload any) (store.Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return store.Event{}, derrors.InternalError("marshal event payload").WithCause(err).Build()
	}

	lock := j.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	e := store.Event{
		ID:        j.NewID(),
		ProjectID: projectID,
		Type:      typ,
		Data:      data,
		CreatedAt: time.Now(),
		IsActive:  true,
	}
	if err := j.store.InsertEvent(ctx, e); err != nil {
		return store.Event{}, derrors.StoreError("append event").WithCause(err).Build()
	}
	j.metrics.IncEventAppended(string(typ))
	return e, nil
}

// List returns a project's events in creation order.
func (j *Journal) List(ctx context.Context, projectID string, q store.EventQuery) ([]store.Event, error) {
	events, err := j.store.ListEvents(ctx, projectID, q)
	if err != nil {
		return nil, derrors.StoreError("list events").WithCause(err).Build()
	}
	if events == nil {
		events = []store.Event{}
	}
	return events, nil
}

// Head returns the most recent active event. ok is false when the active
// window is empty.
func (j *Journal) Head(ctx context.Context, projectID string) (store.Event, bool, error) {
	e, ok, err := j.store.HeadEvent(ctx, projectID)
	if err != nil {
		return store.Event{}, false, derrors.StoreError("read head event").WithCause(err).Build()
	}
	return e, ok, nil
}

// SetHead moves the active window so exactly the events up to and including
// eventID are active. An empty eventID deactivates every event. A non-empty
// target must exist in the project.
func (j *Journal) SetHead(ctx context.Context, projectID, eventID string) (HeadChange, error) {
	lock := j.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	if eventID == "" {
		reactivated, deactivated, err := j.store.SetActiveWindow(ctx, projectID, "")
		if err != nil {
			return HeadChange{}, derrors.StoreError("move active window").WithCause(err).Build()
		}
		return HeadChange{ProjectID: projectID, Reactivated: reactivated, Deactivated: deactivated}, nil
	}

	if _, err := j.store.GetEvent(ctx, projectID, eventID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return HeadChange{}, derrors.BadRequestError("event id does not exist in this project").
				WithContext("project_id", projectID).
				WithContext("event_id", eventID).Build()
		}
		return HeadChange{}, derrors.StoreError("look up head target").WithCause(err).Build()
	}

	reactivated, deactivated, err := j.store.SetActiveWindow(ctx, projectID, eventID)
	if err != nil {
		return HeadChange{}, derrors.StoreError("move active window").WithCause(err).Build()
	}
	return HeadChange{
		ProjectID:   projectID,
		Head:        eventID,
		Reactivated: reactivated,
		Deactivated: deactivated,
	}, nil
}

// Revert deactivates the given events and everything after them: the new
// head is the last event before the earliest reverted id. The journal only
// ever flips flags; no event row is deleted.
func (j *Journal) Revert(ctx context.Context, projectID string, eventIDs []string) (HeadChange, error) {
	if len(eventIDs) == 0 {
		return HeadChange{}, derrors.BadRequestError("revert requires at least one event id").Build()
	}

	lock := j.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	min := eventIDs[0]
	for _, id := range eventIDs {
		if _, err := j.store.GetEvent(ctx, projectID, id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return HeadChange{}, derrors.BadRequestError("event id does not exist in this project").
					WithContext("project_id", projectID).
					WithContext("event_id", id).Build()
			}
			return HeadChange{}, derrors.StoreError("look up revert target").WithCause(err).Build()
		}
		if id < min {
			min = id
		}
	}

	head, err := j.predecessor(ctx, projectID, min)
	if err != nil {
		return HeadChange{}, err
	}

	reactivated, deactivated, err := j.store.SetActiveWindow(ctx, projectID, head)
	if err != nil {
		return HeadChange{}, derrors.StoreError("move active window").WithCause(err).Build()
	}
	return HeadChange{
		ProjectID:   projectID,
		Head:        head,
		Reactivated: reactivated,
		Deactivated: deactivated,
	}, nil
}

// predecessor returns the id of the last event strictly before beforeID, or
// "" when beforeID is the project's first event.
func (j *Journal) predecessor(ctx context.Context, projectID, beforeID string) (string, error) {
	events, err := j.store.ListEvents(ctx, projectID, store.EventQuery{IncludeInactive: true})
	if err != nil {
		return "", derrors.StoreError("scan events").WithCause(err).Build()
	}
	head := ""
	for _, e := range events {
		if e.ID >= beforeID {
			break
		}
		head = e.ID
	}
	return head, nil
}

func (j *Journal) projectLock(projectID string) *sync.Mutex {
	j.mu.Lock()
	defer j.mu.Unlock()
	l, ok := j.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		j.locks[projectID] = l
	}
	return l
}
