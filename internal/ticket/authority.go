// Package ticket implements the mutation guard: server-issued, HMAC-bound
// tickets plus content stamps that tie a patch to a ticket and repo state.
package ticket

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	derrors "git.home.luguber.info/inful/specbench/internal/foundation/errors"
	"git.home.luguber.info/inful/specbench/internal/metrics"
)

// Ticket authorizes mutations under one plan hash. Tickets live in memory
// only; a restart invalidates all of them.
type Ticket struct {
	ID        string    `json:"ticket_id"`
	PlanHash  string    `json:"plan_hash"`
	RepoSHA   string    `json:"repo_sha,omitempty"`
	Scopes    []string  `json:"scopes,omitempty"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the ticket is past its expiry at the given instant.
func (t Ticket) Expired(now time.Time) bool { return !now.Before(t.ExpiresAt) }

// Verdict is the outcome of a verification. Reason is set when Ok is false.
type Verdict struct {
	Ok     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

const (
	ReasonUnknown  = "unknown_ticket"
	ReasonExpired  = "expired"
	ReasonPlanHash = "plan_hash_mismatch"
	ReasonStamp    = "stamp_mismatch"
)

const (
	keyBytes   = 32
	defaultTTL = 30 * time.Minute
	maxTTL     = 24 * time.Hour
)

// Authority issues and verifies tickets and stamps. Safe for concurrent use.
type Authority struct {
	key     []byte
	ttl     time.Duration
	metrics metrics.Recorder
	now     func() time.Time

	mu      sync.RWMutex
	tickets map[string]Ticket
}

// NewAuthority builds an Authority. serverKey may be hex-encoded or raw; an
// empty key generates an ephemeral one with a warning, since every issued
// ticket then dies with the process.
func NewAuthority(serverKey string, ttl time.Duration, rec metrics.Recorder) (*Authority, error) {
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if ttl > maxTTL {
		return nil, derrors.ConfigError(fmt.Sprintf("ticket TTL %s exceeds maximum %s", ttl, maxTTL)).Build()
	}

	key, err := decodeKey(serverKey)
	if err != nil {
		return nil, err
	}
	if key == nil {
		key = make([]byte, keyBytes)
		if _, err := rand.Read(key); err != nil {
			return nil, derrors.InternalError("generate server key").WithCause(err).Build()
		}
		slog.Warn("No server key configured; generated an ephemeral key. All tickets become invalid on restart.")
	}

	return &Authority{
		key:     key,
		ttl:     ttl,
		metrics: rec,
		now:     time.Now,
		tickets: map[string]Ticket{},
	}, nil
}

func decodeKey(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	if decoded, err := hex.DecodeString(s); err == nil && len(decoded) == keyBytes {
		return decoded, nil
	}
	if len(s) < 16 {
		return nil, derrors.ConfigError("server key must be at least 16 bytes (or 32 hex-encoded bytes)").Build()
	}
	return []byte(s), nil
}

// IssueRequest parameterizes Issue. A zero TTL uses the authority default.
type IssueRequest struct {
	PlanHash string
	RepoSHA  string
	Scopes   []string
	TTL      time.Duration
}

// Issue mints a ticket bound to the request's plan hash.
func (a *Authority) Issue(req IssueRequest) (Ticket, error) {
	if req.PlanHash == "" {
		return Ticket{}, derrors.BadRequestError("plan hash is required to issue a ticket").Build()
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = a.ttl
	}
	if ttl > maxTTL {
		return Ticket{}, derrors.BadRequestError(fmt.Sprintf("requested TTL %s exceeds maximum %s", ttl, maxTTL)).Build()
	}

	now := a.now()
	t := Ticket{
		ID:        uuid.NewString(),
		PlanHash:  req.PlanHash,
		RepoSHA:   req.RepoSHA,
		Scopes:    req.Scopes,
		IssuedAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	a.mu.Lock()
	a.tickets[t.ID] = t
	a.mu.Unlock()

	slog.Info("Issued mutation ticket", "ticket_id", t.ID, "plan_hash", req.PlanHash, "expires_at", t.ExpiresAt)
	return t, nil
}

// Verify checks that a ticket exists, is unexpired, and matches planHash.
// An expired ticket is evicted on the spot, but still reports "expired"
// rather than "unknown_ticket" on this verification.
func (a *Authority) Verify(ticketID, planHash string) Verdict {
	t, reason := a.lookup(ticketID)
	if reason != "" {
		a.metrics.IncTicketVerdict(reason)
		return Verdict{Reason: reason}
	}
	if t.PlanHash != planHash {
		a.metrics.IncTicketVerdict(ReasonPlanHash)
		return Verdict{Reason: ReasonPlanHash}
	}
	a.metrics.IncTicketVerdict("ok")
	return Verdict{Ok: true}
}

// Revoke removes a ticket immediately.
func (a *Authority) Revoke(ticketID string) {
	a.mu.Lock()
	delete(a.tickets, ticketID)
	a.mu.Unlock()
}

// Stamp computes the HMAC tag binding content to a ticket and repo state.
// The ticket must exist and be unexpired.
func (a *Authority) Stamp(ticketID, repoSHA, planHash, content string) (string, error) {
	t, reason := a.lookup(ticketID)
	if reason != "" {
		return "", derrors.TicketError("ticket "+reason).WithContext("ticket_id", ticketID).Build()
	}
	if t.PlanHash != planHash {
		return "", derrors.TicketError("plan hash does not match ticket").WithContext("ticket_id", ticketID).Build()
	}
	return a.computeStamp(repoSHA, planHash, ticketID, content), nil
}

// VerifyStamp checks a stamp with constant-time comparison of the decoded
// MAC bytes. The ticket must still be alive.
func (a *Authority) VerifyStamp(stamp, ticketID, repoSHA, planHash, content string) Verdict {
	if _, reason := a.lookup(ticketID); reason != "" {
		a.metrics.IncTicketVerdict(reason)
		return Verdict{Reason: reason}
	}

	got, err := base64.StdEncoding.DecodeString(stamp)
	if err != nil {
		a.metrics.IncTicketVerdict(ReasonStamp)
		return Verdict{Reason: ReasonStamp}
	}
	want, _ := base64.StdEncoding.DecodeString(a.computeStamp(repoSHA, planHash, ticketID, content))
	if subtle.ConstantTimeCompare(got, want) != 1 {
		a.metrics.IncTicketVerdict(ReasonStamp)
		return Verdict{Reason: ReasonStamp}
	}
	a.metrics.IncTicketVerdict("ok")
	return Verdict{Ok: true}
}

// computeStamp is HMAC-SHA256 over "repoSHA:planHash:ticketId:content", base64.
func (a *Authority) computeStamp(repoSHA, planHash, ticketID, content string) string {
	mac := hmac.New(sha256.New, a.key)
	mac.Write([]byte(repoSHA))
	mac.Write([]byte{':'})
	mac.Write([]byte(planHash))
	mac.Write([]byte{':'})
	mac.Write([]byte(ticketID))
	mac.Write([]byte{':'})
	mac.Write([]byte(content))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// lookup fetches a ticket. The reason is "" for a live ticket, ReasonUnknown
// for a missing one, and ReasonExpired for an expired one, which is also
// evicted on the spot.
func (a *Authority) lookup(ticketID string) (Ticket, string) {
	a.mu.RLock()
	t, ok := a.tickets[ticketID]
	a.mu.RUnlock()
	if !ok {
		return Ticket{}, ReasonUnknown
	}
	if t.Expired(a.now()) {
		a.mu.Lock()
		delete(a.tickets, ticketID)
		a.mu.Unlock()
		return Ticket{}, ReasonExpired
	}
	return t, ""
}

// Sweep evicts expired tickets. Wired to the periodic maintenance job.
func (a *Authority) Sweep() int {
	now := a.now()
	a.mu.Lock()
	defer a.mu.Unlock()

	evicted := 0
	for id, t := range a.tickets {
		if t.Expired(now) {
			delete(a.tickets, id)
			evicted++
		}
	}
	if evicted > 0 {
		slog.Debug("Evicted expired tickets", "count", evicted)
	}
	return evicted
}

// Live returns the number of unexpired tickets currently held.
func (a *Authority) Live() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.tickets)
}
