package ticket

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndVerifyStampedPatch(t *testing.T) {
	a := newTestAuthority(t)
	tk, err := a.Issue(IssueRequest{PlanHash: "plan-1"})
	require.NoError(t, err)

	p, err := a.CreateStampedPatch(tk.ID, "sha-1", "plan-1", "services.cue", "update", "services: {}\n")
	require.NoError(t, err)
	assert.NotEmpty(t, p.PatchID)
	assert.Equal(t, tk.ID, p.TicketID)

	assert.True(t, a.VerifyStampedPatch(p, "sha-1", "plan-1").Ok)

	p.Content = "services: {tampered: true}\n"
	assert.False(t, a.VerifyStampedPatch(p, "sha-1", "plan-1").Ok)
}

func TestRenderAndParseBlockRoundTrip(t *testing.T) {
	a := newTestAuthority(t)
	tk, err := a.Issue(IssueRequest{PlanHash: "plan-1"})
	require.NoError(t, err)

	p, err := a.CreateStampedPatch(tk.ID, "sha-1", "plan-1", "a.cue", "update", "line one\nline two\n")
	require.NoError(t, err)

	text := "prose before\n" + RenderBlock(p) + "prose after\n"
	parsed, err := ParseBlocks(text)
	require.NoError(t, err)
	require.Len(t, parsed, 1)

	assert.Equal(t, p.PatchID, parsed[0].PatchID)
	assert.Equal(t, p.Stamp, parsed[0].Stamp)
	assert.Equal(t, p.Content, parsed[0].Content)

	// The parsed content still verifies against the original stamp.
	assert.True(t, a.VerifyStamp(parsed[0].Stamp, tk.ID, "sha-1", "plan-1", parsed[0].Content).Ok)
}

func TestParseBlocksMultiple(t *testing.T) {
	text := "ARBITER:BEGIN p1 stamp=AAAA\nalpha\nARBITER:END p1\n" +
		"interleaved text\n" +
		"ARBITER:BEGIN p2 stamp=BBBB\nbeta\ngamma\nARBITER:END p2\n"

	parsed, err := ParseBlocks(text)
	require.NoError(t, err)
	require.Len(t, parsed, 2)
	assert.Equal(t, "p1", parsed[0].PatchID)
	assert.Equal(t, "alpha\n", parsed[0].Content)
	assert.Equal(t, "p2", parsed[1].PatchID)
	assert.Equal(t, "beta\ngamma\n", parsed[1].Content)
}

func TestParseBlocksNoBlocks(t *testing.T) {
	parsed, err := ParseBlocks("just some text\nwith no markers\n")
	require.NoError(t, err)
	assert.Empty(t, parsed)
}

func TestParseBlocksUnterminated(t *testing.T) {
	_, err := ParseBlocks("ARBITER:BEGIN p1 stamp=AAAA\ncontent\n")
	assert.Error(t, err)
}

func TestParseBlocksMismatchedEnd(t *testing.T) {
	_, err := ParseBlocks("ARBITER:BEGIN p1 stamp=AAAA\ncontent\nARBITER:END other\n")
	assert.Error(t, err)
}

func TestStampedPatchExpiresWithTicket(t *testing.T) {
	a := newTestAuthority(t)
	base := time.Now()
	a.now = func() time.Time { return base }

	tk, err := a.Issue(IssueRequest{PlanHash: "plan-1"})
	require.NoError(t, err)
	p, err := a.CreateStampedPatch(tk.ID, "sha-1", "plan-1", "a.cue", "create", "x\n")
	require.NoError(t, err)

	a.now = func() time.Time { return tk.ExpiresAt.Add(time.Second) }
	assert.False(t, a.VerifyStampedPatch(p, "sha-1", "plan-1").Ok)
}
