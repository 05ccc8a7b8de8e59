package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"propline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func (r Repo) InsertProposal(ctx context.Context, tx *sql.Tx, p domain.Proposal) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO proposals(id,title,submitting_unit,budget,status,submitted_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Title, p.SubmittingUnit, p.Budget, p.Status, p.SubmittedAt, p.UpdatedAt)
	return err
}

func (r Repo) GetProposal(ctx context.Context, id string) (domain.Proposal, error) {
	return scanProposal(r.DB.QueryRowContext(ctx, `SELECT id,title,submitting_unit,budget,status,submitted_at,updated_at FROM proposals WHERE id=?`, id))
}

func (r Repo) GetProposalTx(ctx context.Context, tx *sql.Tx, id string) (domain.Proposal, error) {
	return scanProposal(tx.QueryRowContext(ctx, `SELECT id,title,submitting_unit,budget,status,submitted_at,updated_at FROM proposals WHERE id=?`, id))
}

func scanProposal(row *sql.Row) (domain.Proposal, error) {
	var p domain.Proposal
	err := row.Scan(&p.ID, &p.Title, &p.SubmittingUnit, &p.Budget, &p.Status, &p.SubmittedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	return p, err
}

// UpdateProposalStatus is the only mutation allowed on a proposal row after
// insertion; the row is otherwise owned by the workflow engine.
func (r Repo) UpdateProposalStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE proposals SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type ProposalFilters struct {
	Status          string
	SubmittingUnit  string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListProposals(ctx context.Context, f ProposalFilters) ([]domain.Proposal, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SubmittingUnit != "" {
		clauses = append(clauses, "submitting_unit=?")
		args = append(args, f.SubmittingUnit)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(submitted_at < ? OR (submitted_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,title,submitting_unit,budget,status,submitted_at,updated_at FROM proposals ` + where + ` ORDER BY submitted_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Proposal
	for rows.Next() {
		var p domain.Proposal
		if err := rows.Scan(&p.ID, &p.Title, &p.SubmittingUnit, &p.Budget, &p.Status, &p.SubmittedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) InsertEndorsement(ctx context.Context, tx *sql.Tx, rec domain.EndorsementRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO endorsements(id,proposal_id,stage_ordinal,issuer_role,issuer_id,decision,comments,issued_at) VALUES (?,?,?,?,?,?,?,?)`,
		rec.ID, rec.ProposalID, rec.StageOrdinal, string(rec.IssuerRole), rec.IssuerID, rec.Decision, nullable(rec.Comments), rec.IssuedAt)
	return err
}

// DecisiveEndorsement returns the earliest approved/rejected record for a
// stage, or ErrNotFound when the stage is undecided.
func (r Repo) DecisiveEndorsement(ctx context.Context, proposalID string, stageOrdinal int) (domain.EndorsementRecord, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,proposal_id,stage_ordinal,issuer_role,issuer_id,decision,COALESCE(comments,''),issued_at
FROM endorsements WHERE proposal_id=? AND stage_ordinal=? AND decision IN ('approved','rejected')
ORDER BY issued_at ASC, id ASC LIMIT 1`, proposalID, stageOrdinal)
	return scanEndorsement(row)
}

func (r Repo) DecisiveEndorsementTx(ctx context.Context, tx *sql.Tx, proposalID string, stageOrdinal int) (domain.EndorsementRecord, error) {
	row := tx.QueryRowContext(ctx, `SELECT id,proposal_id,stage_ordinal,issuer_role,issuer_id,decision,COALESCE(comments,''),issued_at
FROM endorsements WHERE proposal_id=? AND stage_ordinal=? AND decision IN ('approved','rejected')
ORDER BY issued_at ASC, id ASC LIMIT 1`, proposalID, stageOrdinal)
	return scanEndorsement(row)
}

func scanEndorsement(row *sql.Row) (domain.EndorsementRecord, error) {
	var rec domain.EndorsementRecord
	var role string
	err := row.Scan(&rec.ID, &rec.ProposalID, &rec.StageOrdinal, &role, &rec.IssuerID, &rec.Decision, &rec.Comments, &rec.IssuedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	rec.IssuerRole = domain.Role(role)
	return rec, err
}

const decidedStagesQuery = `SELECT id,proposal_id,stage_ordinal,issuer_role,issuer_id,decision,COALESCE(comments,''),issued_at
FROM endorsements WHERE proposal_id=? AND decision IN ('approved','rejected') ORDER BY issued_at ASC, id ASC`

// DecidedStages returns the decision per stage ordinal, taking the earliest
// decisive record when duplicates exist.
func (r Repo) DecidedStages(ctx context.Context, proposalID string) (map[int]domain.EndorsementRecord, error) {
	rows, err := r.DB.QueryContext(ctx, decidedStagesQuery, proposalID)
	if err != nil {
		return nil, err
	}
	return collectDecidedStages(rows)
}

// DecidedStagesTx is DecidedStages reading through an open transaction. The
// write path must use it: reading through r.DB while the caller's tx holds the
// write lock would block against our own uncommitted changes.
func (r Repo) DecidedStagesTx(ctx context.Context, tx *sql.Tx, proposalID string) (map[int]domain.EndorsementRecord, error) {
	rows, err := tx.QueryContext(ctx, decidedStagesQuery, proposalID)
	if err != nil {
		return nil, err
	}
	return collectDecidedStages(rows)
}

func collectDecidedStages(rows *sql.Rows) (map[int]domain.EndorsementRecord, error) {
	defer rows.Close()
	res := map[int]domain.EndorsementRecord{}
	for rows.Next() {
		var rec domain.EndorsementRecord
		var role string
		if err := rows.Scan(&rec.ID, &rec.ProposalID, &rec.StageOrdinal, &role, &rec.IssuerID, &rec.Decision, &rec.Comments, &rec.IssuedAt); err != nil {
			return nil, err
		}
		rec.IssuerRole = domain.Role(role)
		if _, seen := res[rec.StageOrdinal]; !seen {
			res[rec.StageOrdinal] = rec
		}
	}
	return res, rows.Err()
}

type EndorsementFilters struct {
	ProposalID     string
	StageOrdinal   int
	Limit          int
	CursorIssuedAt string
	CursorID       string
}

// ListEndorsements returns history ordered by issued_at ascending, resumable
// via a composite cursor.
func (r Repo) ListEndorsements(ctx context.Context, f EndorsementFilters) ([]domain.EndorsementRecord, error) {
	query, args := buildEndorsementQuery(f)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEndorsements(rows)
}

// ListEndorsementsTx is ListEndorsements reading through an open transaction.
func (r Repo) ListEndorsementsTx(ctx context.Context, tx *sql.Tx, f EndorsementFilters) ([]domain.EndorsementRecord, error) {
	query, args := buildEndorsementQuery(f)
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectEndorsements(rows)
}

func buildEndorsementQuery(f EndorsementFilters) (string, []any) {
	clauses := []string{"proposal_id=?"}
	args := []any{f.ProposalID}
	if f.StageOrdinal > 0 {
		clauses = append(clauses, "stage_ordinal=?")
		args = append(args, f.StageOrdinal)
	}
	if f.CursorIssuedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(issued_at > ? OR (issued_at = ? AND id > ?))")
		args = append(args, f.CursorIssuedAt, f.CursorIssuedAt, f.CursorID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := `SELECT id,proposal_id,stage_ordinal,issuer_role,issuer_id,decision,COALESCE(comments,''),issued_at FROM endorsements ` + where + ` ORDER BY issued_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return query, args
}

func collectEndorsements(rows *sql.Rows) ([]domain.EndorsementRecord, error) {
	defer rows.Close()
	var res []domain.EndorsementRecord
	for rows.Next() {
		var rec domain.EndorsementRecord
		var role string
		if err := rows.Scan(&rec.ID, &rec.ProposalID, &rec.StageOrdinal, &role, &rec.IssuerID, &rec.Decision, &rec.Comments, &rec.IssuedAt); err != nil {
			return nil, err
		}
		rec.IssuerRole = domain.Role(role)
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) InsertProgressReport(ctx context.Context, tx *sql.Tx, rep domain.ProgressReport) error {
	attachments, err := marshalStringSlice(rep.Attachments)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO progress_reports(id,proposal_id,report_type,submitting_unit,achievements,next_milestone,attachments_json,submitted_at) VALUES (?,?,?,?,?,?,?,?)`,
		rep.ID, rep.ProposalID, rep.ReportType, rep.SubmittingUnit, rep.Achievements, nullable(rep.NextMilestone), attachments, rep.SubmittedAt)
	return err
}

func (r Repo) ListProgressReports(ctx context.Context, proposalID string) ([]domain.ProgressReport, error) {
	query := `SELECT id,proposal_id,report_type,submitting_unit,achievements,COALESCE(next_milestone,''),attachments_json,submitted_at FROM progress_reports`
	var args []any
	if proposalID != "" {
		query += ` WHERE proposal_id=?`
		args = append(args, proposalID)
	}
	query += ` ORDER BY submitted_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProgressReport
	for rows.Next() {
		rep, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rep)
	}
	return res, rows.Err()
}

// AllProgressReports returns every stored report ordered by submission time.
func (r Repo) AllProgressReports(ctx context.Context) ([]domain.ProgressReport, error) {
	return r.ListProgressReports(ctx, "")
}

func scanReport(rows *sql.Rows) (domain.ProgressReport, error) {
	var rep domain.ProgressReport
	var attachments sql.NullString
	if err := rows.Scan(&rep.ID, &rep.ProposalID, &rep.ReportType, &rep.SubmittingUnit, &rep.Achievements, &rep.NextMilestone, &attachments, &rep.SubmittedAt); err != nil {
		return rep, err
	}
	if attachments.Valid && attachments.String != "" {
		if err := json.Unmarshal([]byte(attachments.String), &rep.Attachments); err != nil {
			return rep, fmt.Errorf("decode attachments for report %s: %w", rep.ID, err)
		}
	}
	return rep, nil
}

// CountProposalsByStatus returns proposal counts keyed by canonical status.
func (r Repo) CountProposalsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM proposals GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[string]int{}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (r Repo) LatestEvents(ctx context.Context, limit int, proposalID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if proposalID != "" {
		clauses = append(clauses, "proposal_id=?")
		args = append(args, proposalID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(proposal_id,''),entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.ProposalID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (any, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
