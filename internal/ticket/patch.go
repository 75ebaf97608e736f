package ticket

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
)

// StampedPatch is one file operation whose content is bound to a ticket via
// an HMAC stamp. Patches travel inside text documents as marker blocks.
type StampedPatch struct {
	PatchID   string `json:"patch_id"`
	TicketID  string `json:"ticket_id"`
	FilePath  string `json:"file_path"`
	Operation string `json:"operation"` // "create", "update", "delete"
	Content   string `json:"content"`
	Stamp     string `json:"stamp"`
}

// Block markers for patches embedded in text. Any number of blocks may
// appear; text around and between them is ignored.
const (
	blockBegin = "ARBITER:BEGIN"
	blockEnd   = "ARBITER:END"
)

var beginRe = regexp.MustCompile(`^ARBITER:BEGIN (\S+) stamp=(\S+)\s*$`)

// CreateStampedPatch mints a patch whose stamp binds content to the ticket,
// repo SHA, and plan hash.
func (a *Authority) CreateStampedPatch(ticketID, repoSHA, planHash, filePath, operation, content string) (StampedPatch, error) {
	stamp, err := a.Stamp(ticketID, repoSHA, planHash, content)
	if err != nil {
		return StampedPatch{}, err
	}
	return StampedPatch{
		PatchID:   uuid.NewString(),
		TicketID:  ticketID,
		FilePath:  filePath,
		Operation: operation,
		Content:   content,
		Stamp:     stamp,
	}, nil
}

// VerifyStampedPatch re-checks a patch's stamp against its ticket.
func (a *Authority) VerifyStampedPatch(p StampedPatch, repoSHA, planHash string) Verdict {
	return a.VerifyStamp(p.Stamp, p.TicketID, repoSHA, planHash, p.Content)
}

// RenderBlock serializes a patch as an embedded marker block:
//
//	ARBITER:BEGIN <patchId> stamp=<base64>
//	<content>
//	ARBITER:END <patchId>
//
// Content is normalized to end with a newline so render and parse round-trip.
func RenderBlock(p StampedPatch) string {
	var b strings.Builder
	b.WriteString(blockBegin)
	b.WriteByte(' ')
	b.WriteString(p.PatchID)
	b.WriteString(" stamp=")
	b.WriteString(p.Stamp)
	b.WriteByte('\n')
	b.WriteString(p.Content)
	if !strings.HasSuffix(p.Content, "\n") {
		b.WriteByte('\n')
	}
	b.WriteString(blockEnd)
	b.WriteByte(' ')
	b.WriteString(p.PatchID)
	b.WriteByte('\n')
	return b.String()
}

// ParseBlocks extracts every well-formed marker block from text. Surrounding
// prose is tolerated; a BEGIN whose END never arrives or whose patch id does
// not match is an error.
func ParseBlocks(text string) ([]StampedPatch, error) {
	var out []StampedPatch
	lines := strings.Split(text, "\n")

	for i := 0; i < len(lines); i++ {
		m := beginRe.FindStringSubmatch(strings.TrimRight(lines[i], "\r"))
		if m == nil {
			continue
		}
		patchID, stamp := m[1], m[2]
		endMarker := blockEnd + " " + patchID

		var content []string
		closed := false
		for j := i + 1; j < len(lines); j++ {
			line := strings.TrimRight(lines[j], "\r")
			if line == endMarker {
				out = append(out, StampedPatch{
					PatchID: patchID,
					Content: strings.Join(content, "\n") + "\n",
					Stamp:   stamp,
				})
				i = j
				closed = true
				break
			}
			if strings.HasPrefix(line, blockEnd+" ") {
				return nil, derrors.BadRequestError("stamped block end marker does not match its begin marker").
					WithContext("patch_id", patchID).Build()
			}
			content = append(content, line)
		}
		if !closed {
			return nil, derrors.BadRequestError("stamped block is not terminated").
				WithContext("patch_id", patchID).Build()
		}
	}
	return out, nil
}
