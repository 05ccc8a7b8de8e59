package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"propline/internal/domain"
	"propline/internal/repo"
	"propline/internal/stages"
)

// RoleMismatchError indicates the issuer role is not authorized for the stage.
type RoleMismatchError struct {
	StageOrdinal int
	Required     domain.Role
	Got          domain.Role
}

func (e RoleMismatchError) Error() string {
	return fmt.Sprintf("stage %d requires role %s, got %s", e.StageOrdinal, e.Required, e.Got)
}

// StageAlreadyDecidedError indicates a decisive record already exists for the
// (proposal, stage) pair.
type StageAlreadyDecidedError struct {
	StageOrdinal int
	Decision     string
	Progress     domain.DerivedProgress
}

func (e StageAlreadyDecidedError) Error() string {
	return fmt.Sprintf("stage %d already decided (%s)", e.StageOrdinal, e.Decision)
}

// NotAtStageError indicates the proposal's derived stage differs from the
// stage being endorsed.
type NotAtStageError struct {
	Requested int
	Current   int
	Progress  domain.DerivedProgress
}

func (e NotAtStageError) Error() string {
	return fmt.Sprintf("proposal is at stage %d, not %d", e.Current, e.Requested)
}

// Ledger records and reads endorsement decisions. Writes go through RecordTx
// inside a caller-owned transaction so that recording and stage advancement
// commit as one unit.
type Ledger struct {
	Repo repo.Repo
	Now  func() time.Time
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// RecordOptions are the inputs for recording one decision event.
type RecordOptions struct {
	ProposalID   string
	StageOrdinal int
	IssuerRole   domain.Role
	IssuerID     string
	Decision     string
	Comments     string
}

// RecordTx validates and appends a decision. The proposal row must already be
// loaded by the caller; progress is the proposal's derived view before the
// decision and is attached to state-consistency errors so callers can
// resynchronize without a second round trip.
func (l Ledger) RecordTx(ctx context.Context, tx *sql.Tx, opts RecordOptions, progress domain.DerivedProgress, terminal bool) (domain.EndorsementRecord, error) {
	switch opts.Decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionRevisionRequested:
	default:
		return domain.EndorsementRecord{}, fmt.Errorf("invalid decision %q", opts.Decision)
	}
	required, err := stages.AuthorizedRole(opts.StageOrdinal)
	if err != nil {
		return domain.EndorsementRecord{}, err
	}
	if opts.IssuerRole != required {
		return domain.EndorsementRecord{}, RoleMismatchError{StageOrdinal: opts.StageOrdinal, Required: required, Got: opts.IssuerRole}
	}
	// Decided-stage detection runs before the position check: once a stage is
	// decided the derived position has moved past it, and the caller retrying
	// that stage must learn it was decided, not that the stage is wrong.
	existing, err := l.Repo.DecisiveEndorsementTx(ctx, tx, opts.ProposalID, opts.StageOrdinal)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return domain.EndorsementRecord{}, err
	}
	if err == nil {
		return domain.EndorsementRecord{}, StageAlreadyDecidedError{StageOrdinal: opts.StageOrdinal, Decision: existing.Decision, Progress: progress}
	}
	if terminal || progress.CurrentStageOrdinal != opts.StageOrdinal {
		return domain.EndorsementRecord{}, NotAtStageError{Requested: opts.StageOrdinal, Current: progress.CurrentStageOrdinal, Progress: progress}
	}
	rec := domain.EndorsementRecord{
		ID:           uuid.New().String(),
		ProposalID:   opts.ProposalID,
		StageOrdinal: opts.StageOrdinal,
		IssuerRole:   opts.IssuerRole,
		IssuerID:     opts.IssuerID,
		Decision:     opts.Decision,
		Comments:     opts.Comments,
		IssuedAt:     l.now().UTC().Format(time.RFC3339),
	}
	if err := l.Repo.InsertEndorsement(ctx, tx, rec); err != nil {
		return domain.EndorsementRecord{}, err
	}
	return rec, nil
}

// LatestDecision returns the authoritative decision at a stage, or
// repo.ErrNotFound when the stage is undecided.
func (l Ledger) LatestDecision(ctx context.Context, proposalID string, stageOrdinal int) (domain.EndorsementRecord, error) {
	if _, err := stages.StageAt(stageOrdinal); err != nil {
		return domain.EndorsementRecord{}, err
	}
	return l.Repo.DecisiveEndorsement(ctx, proposalID, stageOrdinal)
}

// History returns the full decision history ordered by issued_at; the cursor
// makes the sequence restartable for paging callers.
func (l Ledger) History(ctx context.Context, proposalID string, limit int, cursorIssuedAt, cursorID string) ([]domain.EndorsementRecord, error) {
	return l.Repo.ListEndorsements(ctx, repo.EndorsementFilters{
		ProposalID:     proposalID,
		Limit:          limit,
		CursorIssuedAt: cursorIssuedAt,
		CursorID:       cursorID,
	})
}
