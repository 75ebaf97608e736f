package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/specbench/internal/config"
	"git.home.luguber.info/inful/specbench/internal/engine"
	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/journal"
	"git.home.luguber.info/inful/specbench/internal/store"
	"git.home.luguber.info/inful/specbench/internal/ticket"
	"git.home.luguber.info/inful/specbench/internal/workspace"
)

const passingTool = `#!/bin/sh
case "$1" in
vet) exit 0;;
export) printf '%s' '{"services":{"api":{"description":"d"}}}';;
esac
`

const failingTool = `#!/bin/sh
case "$1" in
vet) echo 'service.port: conflicting values 8080 and "8080"' >&2; exit 1;;
esac
`

type fixture struct {
	orch    *Orchestrator
	store   *store.SQLite
	journal *journal.Journal
	tickets *ticket.Authority
}

func newFixture(t *testing.T, toolScript string, enforceTickets bool) *fixture {
	t.Helper()

	bin := filepath.Join(t.TempDir(), "cue")
	require.NoError(t, os.WriteFile(bin, []byte(toolScript), 0o755))

	st, err := store.NewSQLite(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	ws, err := workspace.NewManager(t.TempDir(), []string{"**/*.cue"})
	require.NoError(t, err)

	eng := engine.New(ws, config.ToolsConfig{
		ValidatorBinary: bin,
		ProjectorBinary: bin,
		FormatterBinary: bin,
		ToolTimeoutMs:   5000,
	}, 2, nil)

	jrn := journal.New(st, nil)
	tickets, err := ticket.NewAuthority("0123456789abcdef0123456789abcdef", 30*time.Minute, nil)
	require.NoError(t, err)

	return &fixture{
		orch:    New(st, eng, jrn, tickets, nil, ws, enforceTickets, nil),
		store:   st,
		journal: jrn,
		tickets: tickets,
	}
}

func eventTypes(events []store.Event) []store.EventType {
	out := make([]store.EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

func TestUpsertFragmentHappyPath(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	res, err := f.orch.UpsertFragment(ctx, UpsertRequest{
		ProjectID: "p1",
		Path:      "services.cue",
		Content:   "services: api: description: \"d\"\n",
		Author:    "alice",
	})
	require.NoError(t, err)

	assert.True(t, res.Created)
	assert.True(t, res.Validation.OK)
	assert.Len(t, res.Validation.SpecHash, 64)
	assert.Equal(t, []store.EventType{
		store.EventFragmentCreated,
		store.EventValidationCompleted,
		store.EventVersionFrozen,
	}, eventTypes(res.Events))

	// Journal ordering matches the returned events.
	journaled, err := f.journal.List(ctx, "p1", store.EventQuery{})
	require.NoError(t, err)
	assert.Equal(t, eventTypes(res.Events), eventTypes(journaled))

	// Version, artifacts, and counters were committed.
	versions, err := f.store.ListVersions(ctx, "p1", 10)
	require.NoError(t, err)
	require.Len(t, versions, 1)

	p, err := f.store.GetProject(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"service": 1}, p.Counters)
}

func TestUpsertFragmentDuplicateHashFreezesOnce(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	req := UpsertRequest{ProjectID: "p1", Path: "a.cue", Content: "a: 1\n"}
	res, err := f.orch.UpsertFragment(ctx, req)
	require.NoError(t, err)
	assert.Contains(t, eventTypes(res.Events), store.EventVersionFrozen)

	res, err = f.orch.UpsertFragment(ctx, req)
	require.NoError(t, err)
	assert.False(t, res.Created)
	assert.Equal(t, []store.EventType{
		store.EventFragmentUpdated,
		store.EventValidationCompleted,
	}, eventTypes(res.Events), "an unchanged spec hash must not freeze a second version")

	versions, err := f.store.ListVersions(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestUpsertFragmentValidationFailureRetainsWrite(t *testing.T) {
	f := newFixture(t, failingTool, false)
	ctx := context.Background()

	res, err := f.orch.UpsertFragment(ctx, UpsertRequest{
		ProjectID: "p1", Path: "bad.cue", Content: "x: 1\nx: 2\n",
	})
	require.NoError(t, err)

	assert.False(t, res.Validation.OK)
	assert.NotEmpty(t, res.Validation.Diagnostics)
	assert.Equal(t, []store.EventType{
		store.EventFragmentCreated,
		store.EventValidationFailed,
	}, eventTypes(res.Events))

	// The fragment write survived the failed validation.
	frag, err := f.store.GetFragment(ctx, "p1", "bad.cue")
	require.NoError(t, err)
	assert.Equal(t, "x: 1\nx: 2\n", frag.Content)

	// No version was frozen.
	versions, err := f.store.ListVersions(ctx, "p1", 10)
	require.NoError(t, err)
	assert.Empty(t, versions)
}

func TestDeleteFragment(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	_, err := f.orch.UpsertFragment(ctx, UpsertRequest{ProjectID: "p1", Path: "a.cue", Content: "a: 1\n"})
	require.NoError(t, err)

	res, err := f.orch.DeleteFragment(ctx, DeleteRequest{ProjectID: "p1", Path: "a.cue"})
	require.NoError(t, err)

	// The remaining set still resolves; the hash is unchanged so no new
	// version freezes.
	assert.True(t, res.Validation.OK)
	assert.Equal(t, []store.EventType{
		store.EventFragmentDeleted,
		store.EventValidationCompleted,
	}, eventTypes(res.Events))

	_, err = f.store.GetFragment(ctx, "p1", "a.cue")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestDeleteFragmentMissing(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	_, err := f.orch.UpsertFragment(ctx, UpsertRequest{ProjectID: "p1", Path: "a.cue", Content: "a: 1\n"})
	require.NoError(t, err)

	_, err = f.orch.DeleteFragment(ctx, DeleteRequest{ProjectID: "p1", Path: "missing.cue"})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryNotFound))
}

func TestUpsertFragmentRejectsBadPath(t *testing.T) {
	f := newFixture(t, passingTool, false)

	_, err := f.orch.UpsertFragment(context.Background(), UpsertRequest{
		ProjectID: "p1", Path: "../../etc/passwd", Content: "x",
	})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryBadPath))

	_, err = f.orch.UpsertFragment(context.Background(), UpsertRequest{
		ProjectID: "p1", Path: "README.md", Content: "x",
	})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryBadPath))
}

func TestUpsertFragmentTicketEnforcement(t *testing.T) {
	f := newFixture(t, passingTool, true)
	ctx := context.Background()

	// No ticket: aborted before any store write.
	_, err := f.orch.UpsertFragment(ctx, UpsertRequest{
		ProjectID: "p1", Path: "a.cue", Content: "a: 1\n",
	})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryTicket))
	_, err = f.store.GetFragment(ctx, "p1", "a.cue")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// Valid ticket admits the write.
	tk, err := f.tickets.Issue(ticket.IssueRequest{PlanHash: "plan-1"})
	require.NoError(t, err)

	res, err := f.orch.UpsertFragment(ctx, UpsertRequest{
		ProjectID: "p1", Path: "a.cue", Content: "a: 1\n",
		TicketID: tk.ID, PlanHash: "plan-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Created)

	// Wrong plan hash is rejected.
	_, err = f.orch.UpsertFragment(ctx, UpsertRequest{
		ProjectID: "p1", Path: "a.cue", Content: "a: 2\n",
		TicketID: tk.ID, PlanHash: "other-plan",
	})
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryTicket))
}

func TestSetHeadAndRevert(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	res, err := f.orch.UpsertFragment(ctx, UpsertRequest{ProjectID: "p1", Path: "a.cue", Content: "a: 1\n"})
	require.NoError(t, err)
	require.Len(t, res.Events, 3)

	change, err := f.orch.SetHead(ctx, "p1", res.Events[0].ID)
	require.NoError(t, err)
	assert.Equal(t, res.Events[0].ID, change.Head)
	assert.Len(t, change.Deactivated, 2)

	head, ok, err := f.journal.Head(ctx, "p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Events[0].ID, head.ID)

	change, err = f.orch.Revert(ctx, "p1", []string{res.Events[0].ID})
	require.NoError(t, err)
	assert.Empty(t, change.Head)
}

func TestSetHeadUnknownProject(t *testing.T) {
	f := newFixture(t, passingTool, false)

	_, err := f.orch.SetHead(context.Background(), "ghost", "01A")
	require.Error(t, err)
	assert.True(t, derrors.HasCategory(err, derrors.CategoryNotFound))
}

func TestGaps(t *testing.T) {
	f := newFixture(t, passingTool, false)
	ctx := context.Background()

	_, err := f.orch.UpsertFragment(ctx, UpsertRequest{ProjectID: "p1", Path: "a.cue", Content: "a: 1\n"})
	require.NoError(t, err)

	set, err := f.orch.Gaps(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", set.ProjectID)
	assert.NotEmpty(t, set.SpecHash)

	// services.api has a description but no language: one informational gap.
	assert.Less(t, set.Completeness, 100)
}
