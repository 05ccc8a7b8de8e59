package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"propline/internal/config"
	"propline/internal/domain"
	"propline/internal/events"
	"propline/internal/ledger"
	"propline/internal/repo"
	"propline/internal/stages"
)

// NotYetImplementingError indicates a progress report was submitted before
// the proposal reached the implementation boundary.
type NotYetImplementingError struct {
	CurrentStageOrdinal int
	Progress            domain.DerivedProgress
}

func (e NotYetImplementingError) Error() string {
	return fmt.Sprintf("proposal at stage %d has not reached implementation (stage %d)", e.CurrentStageOrdinal, stages.ImplementationBoundary)
}

// AchievementsTooLongError indicates the achievements text exceeds the word
// limit. The engine never truncates; the caller must resubmit.
type AchievementsTooLongError struct {
	Words int
	Limit int
}

func (e AchievementsTooLongError) Error() string {
	return fmt.Sprintf("achievements has %d words, limit is %d", e.Words, e.Limit)
}

// Engine is the workflow gateway: it owns proposal state transitions and
// composes the endorsement ledger, the progress aggregator, and the audit
// event writer over one store.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Ledger ledger.Ledger
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *log.Logger
}

func New(db *sql.DB, cfg *config.Config) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:     db,
		Repo:   r,
		Ledger: ledger.Ledger{Repo: r},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *log.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return log.Default()
}

// SubmitOptions are parameters for creating a proposal.
type SubmitOptions struct {
	ID             string
	Title          string
	SubmittingUnit string
	Budget         string
	ActorID        string
}

// SubmitProposal creates a proposal at stage 1, under review.
func (e Engine) SubmitProposal(ctx context.Context, opts SubmitOptions) (domain.Proposal, error) {
	if opts.Title == "" {
		return domain.Proposal{}, errors.New("title is required")
	}
	if opts.SubmittingUnit == "" {
		return domain.Proposal{}, errors.New("submitting unit is required")
	}
	budget := opts.Budget
	if budget == "" {
		budget = "0"
	}
	if err := validateBudget(budget); err != nil {
		return domain.Proposal{}, err
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	p := domain.Proposal{
		ID:             id,
		Title:          opts.Title,
		SubmittingUnit: opts.SubmittingUnit,
		Budget:         budget,
		Status:         domain.StatusUnderReview,
		SubmittedAt:    now,
		UpdatedAt:      now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertProposal(ctx, tx, p); err != nil {
		return domain.Proposal{}, fmt.Errorf("insert proposal: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "proposal.submitted", p.ID, "proposal", p.ID, opts.ActorID, events.EventPayload{
		"title": p.Title,
		"unit":  p.SubmittingUnit,
	}); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return p, nil
}

// EndorseOptions are parameters for recording a decision at a stage.
type EndorseOptions struct {
	ProposalID   string
	StageOrdinal int
	IssuerRole   domain.Role
	IssuerID     string
	Decision     string
	Comments     string
}

// RecordEndorsement validates and appends a decision, then advances the
// proposal, committing both as one unit. SQLite serializes writers, so two
// roles racing on the same stage cannot both record a decision.
func (e Engine) RecordEndorsement(ctx context.Context, opts EndorseOptions) (domain.EndorsementRecord, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.EndorsementRecord{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return domain.EndorsementRecord{}, err
	}
	pos, err := e.positionTx(ctx, tx, opts.ProposalID)
	if err != nil {
		return domain.EndorsementRecord{}, err
	}
	terminal := p.Status == domain.StatusRejected || p.Status == domain.StatusCompleted
	led := e.Ledger
	if led.Now == nil {
		led.Now = e.Now
	}
	rec, err := led.RecordTx(ctx, tx, ledger.RecordOptions{
		ProposalID:   opts.ProposalID,
		StageOrdinal: opts.StageOrdinal,
		IssuerRole:   opts.IssuerRole,
		IssuerID:     opts.IssuerID,
		Decision:     opts.Decision,
		Comments:     opts.Comments,
	}, progressFor(pos), terminal)
	if err != nil {
		return domain.EndorsementRecord{}, err
	}
	if err := e.Events.Append(ctx, tx, "endorsement.recorded", p.ID, "endorsement", rec.ID, opts.IssuerID, events.EventPayload{
		"stage":    rec.StageOrdinal,
		"decision": rec.Decision,
		"role":     string(rec.IssuerRole),
	}); err != nil {
		return domain.EndorsementRecord{}, err
	}
	if err := e.advanceTx(ctx, tx, p, rec, opts.IssuerID); err != nil {
		return domain.EndorsementRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.EndorsementRecord{}, err
	}
	return rec, nil
}

// Advance recomputes the canonical status from the ledger and persists it if
// changed. Safe to invoke speculatively: with no new decisive record it is a
// no-op, and terminal states are absorbing.
func (e Engine) Advance(ctx context.Context, proposalID, actorID string) (domain.Proposal, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Proposal{}, err
	}
	defer tx.Rollback()

	p, err := e.Repo.GetProposalTx(ctx, tx, proposalID)
	if err != nil {
		return domain.Proposal{}, err
	}
	if err := e.advanceTx(ctx, tx, p, domain.EndorsementRecord{}, actorID); err != nil {
		return domain.Proposal{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Proposal{}, err
	}
	return e.Repo.GetProposal(ctx, proposalID)
}

func (e Engine) advanceTx(ctx context.Context, tx *sql.Tx, p domain.Proposal, justRecorded domain.EndorsementRecord, actorID string) error {
	if p.Status == domain.StatusRejected || p.Status == domain.StatusCompleted {
		return nil
	}
	decided, err := e.decidedStagesTx(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if justRecorded.ID != "" && justRecorded.Decision != domain.DecisionRevisionRequested {
		decided[justRecorded.StageOrdinal] = justRecorded
	}
	pos := derivePosition(decided)
	next := statusFor(pos)
	if next == p.Status {
		return nil
	}
	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateProposalStatus(ctx, tx, p.ID, next, now); err != nil {
		return err
	}
	evtType := "proposal.advanced"
	switch next {
	case domain.StatusRejected:
		evtType = "proposal.rejected"
	case domain.StatusCompleted:
		evtType = "proposal.completed"
	}
	return e.Events.Append(ctx, tx, evtType, p.ID, "proposal", p.ID, actorID, events.EventPayload{
		"from_status": p.Status,
		"to_status":   next,
		"stage":       progressFor(pos).CurrentStageOrdinal,
	})
}

// DeriveProgress recomputes the derived view from the ledger. Read-only and
// side-effect free apart from logging ledger inconsistencies.
func (e Engine) DeriveProgress(ctx context.Context, proposalID string) (domain.DerivedProgress, error) {
	if _, err := e.Repo.GetProposal(ctx, proposalID); err != nil {
		return domain.DerivedProgress{}, err
	}
	pos, err := e.position(ctx, proposalID)
	if err != nil {
		return domain.DerivedProgress{}, err
	}
	return progressFor(pos), nil
}

func (e Engine) position(ctx context.Context, proposalID string) (stagePosition, error) {
	decided, err := e.decidedStages(ctx, proposalID)
	if err != nil {
		return stagePosition{}, err
	}
	return derivePosition(decided), nil
}

// positionTx derives the stage position reading through an open transaction.
// The write path must not read through e.Repo.DB: with the write lock held by
// tx, a second connection's read would block on our own uncommitted rows.
func (e Engine) positionTx(ctx context.Context, tx *sql.Tx, proposalID string) (stagePosition, error) {
	decided, err := e.decidedStagesTx(ctx, tx, proposalID)
	if err != nil {
		return stagePosition{}, err
	}
	return derivePosition(decided), nil
}

func (e Engine) decidedStages(ctx context.Context, proposalID string) (map[int]domain.EndorsementRecord, error) {
	decided, err := e.Repo.DecidedStages(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	all, err := e.Repo.ListEndorsements(ctx, repo.EndorsementFilters{ProposalID: proposalID})
	if err != nil {
		return nil, err
	}
	e.warnDuplicateDecisions(proposalID, all)
	return decided, nil
}

func (e Engine) decidedStagesTx(ctx context.Context, tx *sql.Tx, proposalID string) (map[int]domain.EndorsementRecord, error) {
	decided, err := e.Repo.DecidedStagesTx(ctx, tx, proposalID)
	if err != nil {
		return nil, err
	}
	all, err := e.Repo.ListEndorsementsTx(ctx, tx, repo.EndorsementFilters{ProposalID: proposalID})
	if err != nil {
		return nil, err
	}
	e.warnDuplicateDecisions(proposalID, all)
	return decided, nil
}

// The partial unique index makes duplicates impossible through this code
// path; a duplicate here means the store was modified out of band. The
// earliest record wins.
func (e Engine) warnDuplicateDecisions(proposalID string, all []domain.EndorsementRecord) {
	seen := map[int]int{}
	for _, rec := range all {
		if rec.Decision == domain.DecisionRevisionRequested {
			continue
		}
		seen[rec.StageOrdinal]++
		if seen[rec.StageOrdinal] == 2 {
			e.logger().Printf("WARNING: proposal %s has multiple decisions at stage %d; using earliest", proposalID, rec.StageOrdinal)
		}
	}
}

// View is the read model served to proponent tracking and role dashboards.
type View struct {
	Proposal domain.Proposal            `json:"proposal"`
	Progress domain.DerivedProgress     `json:"derived_progress"`
	History  []domain.EndorsementRecord `json:"endorsement_history"`
}

func (e Engine) GetProposalView(ctx context.Context, proposalID string) (View, error) {
	p, err := e.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return View{}, err
	}
	pos, err := e.position(ctx, proposalID)
	if err != nil {
		return View{}, err
	}
	history, err := e.Ledger.History(ctx, proposalID, 0, "", "")
	if err != nil {
		return View{}, err
	}
	return View{Proposal: p, Progress: progressFor(pos), History: history}, nil
}

// ReportOptions are parameters for submitting a progress report.
type ReportOptions struct {
	ProposalID    string
	ReportType    string
	Achievements  string
	NextMilestone string
	Attachments   []string
	ActorID       string
}

func (e Engine) wordLimit() int {
	if e.Config != nil && e.Config.Reports.WordLimit > 0 {
		return e.Config.Reports.WordLimit
	}
	return config.DefaultWordLimit
}

// SubmitProgressReport stores a report for an implementing proposal. The
// submitting unit is taken from the proposal, not the caller.
func (e Engine) SubmitProgressReport(ctx context.Context, opts ReportOptions) (domain.ProgressReport, error) {
	switch opts.ReportType {
	case domain.ReportInterim, domain.ReportQuarterly, domain.ReportAnnual, domain.ReportFinal:
	default:
		return domain.ProgressReport{}, fmt.Errorf("invalid report type %q", opts.ReportType)
	}
	p, err := e.Repo.GetProposal(ctx, opts.ProposalID)
	if err != nil {
		return domain.ProgressReport{}, err
	}
	pos, err := e.position(ctx, opts.ProposalID)
	if err != nil {
		return domain.ProgressReport{}, err
	}
	progress := progressFor(pos)
	if progress.CurrentStageOrdinal < stages.ImplementationBoundary || pos.RejectedAt > 0 {
		return domain.ProgressReport{}, NotYetImplementingError{CurrentStageOrdinal: progress.CurrentStageOrdinal, Progress: progress}
	}
	if words := countWords(opts.Achievements); words > e.wordLimit() {
		return domain.ProgressReport{}, AchievementsTooLongError{Words: words, Limit: e.wordLimit()}
	}
	for _, handle := range opts.Attachments {
		if strings.TrimSpace(handle) == "" {
			return domain.ProgressReport{}, errors.New("attachment handles must not be empty")
		}
	}
	rep := domain.ProgressReport{
		ID:             uuid.New().String(),
		ProposalID:     p.ID,
		ReportType:     opts.ReportType,
		SubmittingUnit: p.SubmittingUnit,
		Achievements:   opts.Achievements,
		NextMilestone:  opts.NextMilestone,
		Attachments:    opts.Attachments,
		SubmittedAt:    e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProgressReport{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertProgressReport(ctx, tx, rep); err != nil {
		return domain.ProgressReport{}, err
	}
	if err := e.Events.Append(ctx, tx, "report.submitted", p.ID, "report", rep.ID, opts.ActorID, events.EventPayload{
		"report_type": rep.ReportType,
		"unit":        rep.SubmittingUnit,
	}); err != nil {
		return domain.ProgressReport{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProgressReport{}, err
	}
	return rep, nil
}

// ListUnitProgress folds over all stored reports and summarizes per unit.
// No aggregate state is kept; the summary is recomputed on every call.
func (e Engine) ListUnitProgress(ctx context.Context) ([]domain.UnitProgress, error) {
	reports, err := e.Repo.AllProgressReports(ctx)
	if err != nil {
		return nil, err
	}
	byUnit := map[string]*domain.UnitProgress{}
	for _, rep := range reports {
		summary, ok := byUnit[rep.SubmittingUnit]
		if !ok {
			summary = &domain.UnitProgress{Unit: rep.SubmittingUnit}
			byUnit[rep.SubmittingUnit] = summary
		}
		summary.ReportCount++
		if summary.MostRecentReport == nil || rep.SubmittedAt > summary.MostRecentReport.SubmittedAt {
			r := rep
			summary.MostRecentReport = &r
		}
	}
	res := make([]domain.UnitProgress, 0, len(byUnit))
	for _, summary := range byUnit {
		res = append(res, *summary)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].Unit < res[j].Unit })
	return res, nil
}

// AssignReviewer grants a portal role to an actor.
func (e Engine) AssignReviewer(ctx context.Context, actorID string, role domain.Role) (domain.ReviewerAssignment, error) {
	if actorID == "" {
		return domain.ReviewerAssignment{}, errors.New("actor id is required")
	}
	if !knownRole(role) {
		return domain.ReviewerAssignment{}, fmt.Errorf("unknown role %q", role)
	}
	now := e.now().UTC().Format(time.RFC3339)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewerAssignment{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.EnsureActor(ctx, tx, actorID, now); err != nil {
		return domain.ReviewerAssignment{}, err
	}
	if err := e.Repo.AssignReviewerRole(ctx, tx, actorID, role, now); err != nil {
		return domain.ReviewerAssignment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewerAssignment{}, err
	}
	return domain.ReviewerAssignment{ActorID: actorID, Role: role, CreatedAt: now}, nil
}

func knownRole(role domain.Role) bool {
	for _, def := range stages.All() {
		if def.AuthorizingRole == role {
			return true
		}
	}
	return false
}

// validateBudget accepts plain decimal amounts only. The value is stored as
// the submitted string, so exponent and hex float forms are rejected up front.
func validateBudget(budget string) error {
	for i, r := range budget {
		if r == '-' && i == 0 {
			continue
		}
		if (r < '0' || r > '9') && r != '.' {
			return fmt.Errorf("invalid budget %q: must be a non-negative decimal amount", budget)
		}
	}
	v, err := strconv.ParseFloat(budget, 64)
	if err != nil {
		return fmt.Errorf("invalid budget %q: must be a non-negative decimal amount", budget)
	}
	if v < 0 {
		return errors.New("budget must not be negative")
	}
	return nil
}

// countWords counts maximal runs of non-whitespace characters.
func countWords(s string) int {
	return len(strings.Fields(s))
}
