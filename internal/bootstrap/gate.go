// Package bootstrap implements the confirmation gate that blocks
// mutation on fresh workspaces until a human explicitly confirms.
//
// The gate is a small state machine: reference mode is a terminal deny;
// a workspace holding only bootstrap-seed entries awaits confirmation;
// a confirmation marker (or any non-seed content) unlocks mutation.
// Tokens live in memory only — the cleartext is returned exactly once
// and only its hash is kept, with expiry checked on every access rather
// than swept by a background timer.
package bootstrap

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edictd/edict/internal/fsatomic"
	"github.com/google/uuid"
)

// timeNow is a package-level var for testability.
var timeNow = time.Now

// State names the gate's observable states.
type State string

const (
	StateReferenceMode        State = "reference_mode"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateConfirmed            State = "confirmed"
)

// Denial reason strings, checked by mutation handlers before any write.
const (
	ReasonReferenceMode        = "reference_mode_read_only"
	ReasonConfirmationRequired = "bootstrap_confirmation_required"
)

// Sentinel errors for the finalize path.
var (
	ErrNoPendingToken = errors.New("no_pending_token")
	ErrTokenExpired   = errors.New("token_expired")
	ErrTokenMismatch  = errors.New("token_mismatch")
)

// DeniedError is returned when mutation is not authorized.
type DeniedError struct {
	Reason string
}

func (e *DeniedError) Error() string {
	return e.Reason
}

// CatalogView is the slice of catalog behavior the gate needs: whether
// any non-seed content exists. An existing workspace is assumed
// pre-authorized.
type CatalogView interface {
	HasNonSeedEntries() bool
}

// Confirmation is the persisted marker recording that a human confirmed
// mutation for this workspace. Once written it is never revoked
// programmatically.
type Confirmation struct {
	ConfirmedAt string `json:"confirmedAt"`
	Method      string `json:"method"`
}

type pendingToken struct {
	hash      string
	issuedAt  time.Time
	expiresAt time.Time
	hint      string
}

// Gate owns mutation authorization decisions.
type Gate struct {
	mu            sync.Mutex
	referenceMode bool
	ttl           time.Duration
	confirmPath   string
	files         *fsatomic.Store
	catalog       CatalogView
	pending       *pendingToken
}

// New creates a Gate.
func New(referenceMode bool, ttl time.Duration, confirmPath string, files *fsatomic.Store, catalog CatalogView) *Gate {
	return &Gate{
		referenceMode: referenceMode,
		ttl:           ttl,
		confirmPath:   confirmPath,
		files:         files,
		catalog:       catalog,
	}
}

// State reports the gate's current effective state.
func (g *Gate) State() State {
	if g.referenceMode {
		return StateReferenceMode
	}
	if g.confirmed() || g.catalog.HasNonSeedEntries() {
		return StateConfirmed
	}
	return StateAwaitingConfirmation
}

// CheckMutation returns nil when mutation is allowed, or a DeniedError
// carrying the specific reason string. Handlers call this before any
// write and fail fast.
func (g *Gate) CheckMutation() error {
	switch g.State() {
	case StateReferenceMode:
		return &DeniedError{Reason: ReasonReferenceMode}
	case StateAwaitingConfirmation:
		return &DeniedError{Reason: ReasonConfirmationRequired}
	default:
		return nil
	}
}

// TokenIssue is the one-time view of a freshly issued token.
type TokenIssue struct {
	Token     string `json:"token"`
	Hint      string `json:"hint"`
	ExpiresAt string `json:"expiresAt"`
}

// RequestToken issues a fresh random token, keeping only its hash in
// memory. The cleartext is returned exactly once, here. Issuing a new
// token replaces any previous pending one.
func (g *Gate) RequestToken() (TokenIssue, error) {
	if g.referenceMode {
		return TokenIssue{}, &DeniedError{Reason: ReasonReferenceMode}
	}
	if g.State() == StateConfirmed {
		return TokenIssue{}, fmt.Errorf("workspace is already confirmed")
	}

	token := uuid.NewString() + "-" + uuid.NewString()
	now := timeNow()

	g.mu.Lock()
	g.pending = &pendingToken{
		hash:      hashToken(token),
		issuedAt:  now,
		expiresAt: now.Add(g.ttl),
		hint:      token[:4],
	}
	issue := TokenIssue{
		Token:     token,
		Hint:      g.pending.hint,
		ExpiresAt: g.pending.expiresAt.UTC().Format(time.RFC3339),
	}
	g.mu.Unlock()

	return issue, nil
}

// FinalizeResult reports the outcome of a finalize attempt.
type FinalizeResult struct {
	Confirmed        bool `json:"confirmed"`
	AlreadyConfirmed bool `json:"alreadyConfirmed,omitempty"`
}

// Finalize confirms the workspace against a previously issued token.
// An expired token is discarded; a wrong token leaves the pending token
// valid for another attempt.
func (g *Gate) Finalize(token string) (FinalizeResult, error) {
	if g.referenceMode {
		return FinalizeResult{}, &DeniedError{Reason: ReasonReferenceMode}
	}
	if g.confirmed() {
		return FinalizeResult{AlreadyConfirmed: true}, nil
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending == nil {
		return FinalizeResult{}, ErrNoPendingToken
	}
	if timeNow().After(g.pending.expiresAt) {
		g.pending = nil
		return FinalizeResult{}, ErrTokenExpired
	}
	if hashToken(token) != g.pending.hash {
		return FinalizeResult{}, ErrTokenMismatch
	}

	conf := Confirmation{
		ConfirmedAt: timeNow().UTC().Format(time.RFC3339),
		Method:      "token",
	}
	data, err := json.MarshalIndent(conf, "", "  ")
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("marshaling confirmation: %w", err)
	}
	if err := g.files.WriteFile(g.confirmPath, data); err != nil {
		return FinalizeResult{}, fmt.Errorf("persisting confirmation: %w", err)
	}

	g.pending = nil
	return FinalizeResult{Confirmed: true}, nil
}

func (g *Gate) confirmed() bool {
	_, err := os.Stat(g.confirmPath)
	return err == nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
