// Package orchestrator drives the end-to-end write path: path checks,
// ticket enforcement, store writes, the resolve pipeline, journal appends,
// and fan-out.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"git.home.luguber.info/inful/specbench/internal/engine"
	"git.home.luguber.info/inful/specbench/internal/fabric"
	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/journal"
	"git.home.luguber.info/inful/specbench/internal/metrics"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/ticket"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

// UpsertRequest is one fragment write.
type UpsertRequest struct {
	ProjectID string `json:"project_id"`
	Path      string `json:"path"`
	Content   string `json:"content"`
	Author    string `json:"author,omitempty"`
	Message   string `json:"message,omitempty"`
	TicketID  string `json:"ticket_id,omitempty"`
	PlanHash  string `json:"plan_hash,omitempty"`
}

// UpsertResult is the write outcome: the persisted fragment plus the
// validation summary. The fragment persists even when validation fails.
type UpsertResult struct {
	Fragment   store.Fragment `json:"fragment"`
	Created    bool           `json:"created"`
	Validation *engine.Result `json:"validation"`
	Events     []store.Event  `json:"events"`
}

// Orchestrator serializes mutations per project so resolve plus journal
// append is linearizable.
type Orchestrator struct {
	store          store.Store
	engine         *engine.Engine
	journal        *journal.Journal
	tickets        *ticket.Authority
	hub            *fabric.Hub
	ws             *workspace.Manager
	enforceTickets bool
	metrics        metrics.Recorder

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the orchestrator. hub may be nil in tests.
func New(
	st store.Store,
	eng *engine.Engine,
	jrn *journal.Journal,
	tickets *ticket.Authority,
	hub *fabric.Hub,
	ws *workspace.Manager,
	enforceTickets bool,
	rec metrics.Recorder,
) *Orchestrator {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	return &Orchestrator{
		store:          st,
		engine:         eng,
		journal:        jrn,
		tickets:        tickets,
		hub:            hub,
		ws:             ws,
		enforceTickets: enforceTickets,
		metrics:        rec,
		locks:          map[string]*sync.Mutex{},
	}
}

// UpsertFragment runs the full write path. Validation failures do not roll
// back the fragment write; the journaled event carries the failure.
func (o *Orchestrator) UpsertFragment(ctx context.Context, req UpsertRequest) (*UpsertResult, error) {
	if req.ProjectID == "" {
		return nil, derrors.BadRequestError("project_id is required").Build()
	}
	path, err := workspace.NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}
	if !o.ws.MatchesGlobs(path) {
		return nil, derrors.BadPathError("path does not match the fragment allowlist").
			WithContext("path", path).Build()
	}

	lock := o.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if _, _, err := o.store.EnsureProject(ctx, req.ProjectID, ""); err != nil {
		return nil, derrors.StoreError("ensure project").WithCause(err).Build()
	}

	if o.enforceTickets {
		if req.TicketID == "" {
			return nil, derrors.TicketError("mutation requires a ticket").Build()
		}
		if v := o.tickets.Verify(req.TicketID, req.PlanHash); !v.Ok {
			return nil, derrors.TicketError("ticket rejected: " + v.Reason).
				WithContext("ticket_id", req.TicketID).Build()
		}
	}

	fragment, created, err := o.store.UpsertFragment(ctx, store.Fragment{
		ProjectID: req.ProjectID,
		Path:      path,
		Content:   req.Content,
		Author:    req.Author,
		Message:   req.Message,
	})
	if err != nil {
		return nil, derrors.StoreError("upsert fragment").WithCause(err).Build()
	}

	fragments, err := o.store.ListFragments(ctx, req.ProjectID)
	if err != nil {
		return nil, derrors.StoreError("list fragments").WithCause(err).Build()
	}

	validation, err := o.engine.ValidateProject(ctx, req.ProjectID, fragments)
	if err != nil {
		return nil, err
	}

	result := &UpsertResult{Fragment: fragment, Created: created, Validation: validation}

	fragmentEventType := store.EventFragmentUpdated
	if created {
		fragmentEventType = store.EventFragmentCreated
	}
	o.appendAndBroadcast(ctx, &result.Events, req.ProjectID, fragmentEventType, map[string]any{
		"path":      path,
		"author":    req.Author,
		"message":   req.Message,
		"spec_hash": validation.SpecHash,
	}, validation.SpecHash)

	o.finishValidation(ctx, &result.Events, req.ProjectID, path, validation)
	return result, nil
}

// DeleteRequest removes one fragment.
type DeleteRequest struct {
	ProjectID string
	Path      string
	Author    string
	TicketID  string
	PlanHash  string
}

// DeleteResult carries the revalidation outcome of the shrunken fragment set.
type DeleteResult struct {
	Validation *engine.Result `json:"validation"`
	Events     []store.Event  `json:"events"`
}

// DeleteFragment removes a fragment and revalidates what remains. The
// journaled fragment_deleted event precedes the validation event.
func (o *Orchestrator) DeleteFragment(ctx context.Context, req DeleteRequest) (*DeleteResult, error) {
	if req.ProjectID == "" {
		return nil, derrors.BadRequestError("project_id is required").Build()
	}
	path, err := workspace.NormalizePath(req.Path)
	if err != nil {
		return nil, err
	}

	lock := o.projectLock(req.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if err := o.requireProject(ctx, req.ProjectID); err != nil {
		return nil, err
	}

	if o.enforceTickets {
		if req.TicketID == "" {
			return nil, derrors.TicketError("mutation requires a ticket").Build()
		}
		if v := o.tickets.Verify(req.TicketID, req.PlanHash); !v.Ok {
			return nil, derrors.TicketError("ticket rejected: " + v.Reason).
				WithContext("ticket_id", req.TicketID).Build()
		}
	}

	if err := o.store.DeleteFragment(ctx, req.ProjectID, path); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, derrors.NotFoundError("fragment not found").
				WithContext("path", path).Build()
		}
		return nil, derrors.StoreError("delete fragment").WithCause(err).Build()
	}

	fragments, err := o.store.ListFragments(ctx, req.ProjectID)
	if err != nil {
		return nil, derrors.StoreError("list fragments").WithCause(err).Build()
	}

	validation, err := o.engine.ValidateProject(ctx, req.ProjectID, fragments)
	if err != nil {
		return nil, err
	}

	result := &DeleteResult{Validation: validation}
	o.appendAndBroadcast(ctx, &result.Events, req.ProjectID, store.EventFragmentDeleted, map[string]any{
		"path":   path,
		"author": req.Author,
	}, "")
	o.finishValidation(ctx, &result.Events, req.ProjectID, path, validation)
	return result, nil
}

func (o *Orchestrator) finishValidation(ctx context.Context, events *[]store.Event, projectID, path string, validation *engine.Result) {
	if validation.OK {
		o.commitSuccess(ctx, events, projectID, validation)
		return
	}
	o.appendAndBroadcast(ctx, events, projectID, store.EventValidationFailed, map[string]any{
		"path":        path,
		"diagnostics": validation.Diagnostics,
	}, "")
}

// commitSuccess persists the version, artifact set, and counters, then
// journals validation_completed plus version_frozen when the hash is novel.
func (o *Orchestrator) commitSuccess(ctx context.Context, events *[]store.Event, projectID string, validation *engine.Result) {
	o.appendAndBroadcast(ctx, events, projectID, store.EventValidationCompleted, map[string]any{
		"spec_hash": validation.SpecHash,
		"artifacts": len(validation.Artifacts),
		"warnings":  len(validation.Warnings),
	}, validation.SpecHash)

	novel, err := o.store.InsertVersion(ctx, store.Version{
		ProjectID:    projectID,
		SpecHash:     validation.SpecHash,
		ResolvedJSON: string(validation.CanonicalJSON),
	})
	if err != nil {
		slog.Error("Failed to persist version", "project_id", projectID, "error", err)
	} else if novel {
		o.appendAndBroadcast(ctx, events, projectID, store.EventVersionFrozen, map[string]any{
			"spec_hash": validation.SpecHash,
		}, validation.SpecHash)
	}

	if err := o.store.ReplaceArtifacts(ctx, projectID, validation.Artifacts); err != nil {
		slog.Error("Failed to replace artifacts", "project_id", projectID, "error", err)
	}
	if err := o.store.UpdateProjectCounters(ctx, projectID, engine.CountByType(validation.Artifacts)); err != nil {
		slog.Error("Failed to update project counters", "project_id", projectID, "error", err)
	}
}

func (o *Orchestrator) appendAndBroadcast(ctx context.Context, events *[]store.Event, projectID string, typ store.EventType, payload map[string]any, specHash string) {
	event, err := o.journal.Append(ctx, projectID, typ, payload)
	if err != nil {
		slog.Error("Failed to append event", "project_id", projectID, "event_type", typ, "error", err)
		return
	}
	*events = append(*events, event)
	o.broadcast(event, specHash)
}

// SetHead moves the active window. The change is announced to subscribers
// as a synthetic event_head_updated; it is not journaled, so the window
// stays an exact id prefix.
func (o *Orchestrator) SetHead(ctx context.Context, projectID, eventID string) (journal.HeadChange, error) {
	if err := o.requireProject(ctx, projectID); err != nil {
		return journal.HeadChange{}, err
	}
	change, err := o.journal.SetHead(ctx, projectID, eventID)
	if err != nil {
		return journal.HeadChange{}, err
	}
	o.broadcastChange(projectID, store.EventHeadUpdated, change)
	return change, nil
}

// Revert deactivates the given events and everything after them.
func (o *Orchestrator) Revert(ctx context.Context, projectID string, eventIDs []string) (journal.HeadChange, error) {
	if err := o.requireProject(ctx, projectID); err != nil {
		return journal.HeadChange{}, err
	}
	change, err := o.journal.Revert(ctx, projectID, eventIDs)
	if err != nil {
		return journal.HeadChange{}, err
	}
	o.broadcastChange(projectID, store.EventsReverted, change)
	return change, nil
}

func (o *Orchestrator) broadcastChange(projectID string, typ store.EventType, change journal.HeadChange) {
	data, err := json.Marshal(change)
	if err != nil {
		return
	}
	o.broadcast(store.Event{
		ID:        o.journal.NewID(),
		ProjectID: projectID,
		Type:      typ,
		Data:      data,
		CreatedAt: time.Now(),
		IsActive:  true,
	}, "")
}

func (o *Orchestrator) broadcast(event store.Event, specHash string) {
	if o.hub == nil {
		return
	}
	o.hub.Broadcast(event, specHash)
}

// Gaps builds the gap report from the project's newest frozen version.
func (o *Orchestrator) Gaps(ctx context.Context, projectID string) (engine.GapSet, error) {
	if err := o.requireProject(ctx, projectID); err != nil {
		return engine.GapSet{}, err
	}
	versions, err := o.store.ListVersions(ctx, projectID, 1)
	if err != nil {
		return engine.GapSet{}, derrors.StoreError("list versions").WithCause(err).Build()
	}
	if len(versions) == 0 {
		return engine.GenerateGaps(projectID, "", map[string]any{}), nil
	}

	var resolved map[string]any
	if err := json.Unmarshal([]byte(versions[0].ResolvedJSON), &resolved); err != nil {
		return engine.GapSet{}, derrors.InternalError("decode stored version").WithCause(err).Build()
	}
	return engine.GenerateGaps(projectID, versions[0].SpecHash, resolved), nil
}

func (o *Orchestrator) requireProject(ctx context.Context, projectID string) error {
	if projectID == "" {
		return derrors.BadRequestError("project_id is required").Build()
	}
	if _, err := o.store.GetProject(ctx, projectID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return derrors.NotFoundError("project not found").
				WithContext("project_id", projectID).Build()
		}
		return derrors.StoreError("look up project").WithCause(err).Build()
	}
	return nil
}

func (o *Orchestrator) projectLock(projectID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[projectID] = l
	}
	return l
}
