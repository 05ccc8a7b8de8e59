package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"propline/internal/config"
	"propline/internal/db"
	"propline/internal/domain"
	"propline/internal/engine"
	"propline/internal/ledger"
	"propline/internal/migrate"
	"propline/internal/stages"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func submitProposal(t *testing.T, env testEnv, title, unit string) domain.Proposal {
	t.Helper()
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitOptions{
		Title:          title,
		SubmittingUnit: unit,
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("submit proposal: %v", err)
	}
	return p
}

func endorse(t *testing.T, env testEnv, proposalID string, stage int, decision string) (domain.EndorsementRecord, error) {
	t.Helper()
	role, err := stages.AuthorizedRole(stage)
	if err != nil {
		t.Fatalf("stage role: %v", err)
	}
	return env.Engine.RecordEndorsement(env.Ctx, engine.EndorseOptions{
		ProposalID:   proposalID,
		StageOrdinal: stage,
		IssuerRole:   role,
		IssuerID:     "reviewer-" + string(role),
		Decision:     decision,
	})
}

func approveThrough(t *testing.T, env testEnv, proposalID string, last int) {
	t.Helper()
	for stage := 1; stage <= last; stage++ {
		if _, err := endorse(t, env, proposalID, stage, domain.DecisionApproved); err != nil {
			t.Fatalf("approve stage %d: %v", stage, err)
		}
	}
}

func TestSubmitBudgetValidation(t *testing.T) {
	env := newTestEnv(t)
	for _, bad := range []string{"abc", "12.3.4", "-5", "1e6", "PHP 100"} {
		_, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitOptions{
			Title:          "Budgeted",
			SubmittingUnit: "Unit K",
			Budget:         bad,
			ActorID:        "tester",
		})
		if err == nil {
			t.Fatalf("budget %q should be rejected", bad)
		}
	}
	p, err := env.Engine.SubmitProposal(env.Ctx, engine.SubmitOptions{
		Title:          "Budgeted",
		SubmittingUnit: "Unit K",
		Budget:         "149999.50",
		ActorID:        "tester",
	})
	if err != nil {
		t.Fatalf("valid budget rejected: %v", err)
	}
	if p.Budget != "149999.50" {
		t.Fatalf("budget stored as %q", p.Budget)
	}
}

func TestStageOneApprovalProgress(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Soil sensors", "College of Agriculture")
	if _, err := endorse(t, env, p.ID, 1, domain.DecisionApproved); err != nil {
		t.Fatalf("endorse: %v", err)
	}
	progress, err := env.Engine.DeriveProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if progress.CompletionPercent != 10 {
		t.Fatalf("expected 10%%, got %d", progress.CompletionPercent)
	}
	if progress.CurrentStageOrdinal != 2 {
		t.Fatalf("expected stage 2, got %d", progress.CurrentStageOrdinal)
	}
	if progress.StageStates[0].State != domain.StageCompleted {
		t.Fatalf("stage 1 not completed: %s", progress.StageStates[0].State)
	}
	if progress.StageStates[1].State != domain.StageCurrent {
		t.Fatalf("stage 2 not current: %s", progress.StageStates[1].State)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusUnderReview {
		t.Fatalf("expected under_review, got %s", got.Status)
	}
}

func TestStatusThresholdsAcrossPipeline(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Full run", "CS Department")
	expected := map[int]string{
		5:  domain.StatusUnderReview,
		6:  domain.StatusApproved,
		7:  domain.StatusOngoing,
		9:  domain.StatusOngoing,
		10: domain.StatusCompleted,
	}
	for stage := 1; stage <= stages.Count; stage++ {
		if _, err := endorse(t, env, p.ID, stage, domain.DecisionApproved); err != nil {
			t.Fatalf("approve stage %d: %v", stage, err)
		}
		want, check := expected[stage]
		if !check {
			continue
		}
		got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != want {
			t.Fatalf("after stage %d: expected %s, got %s", stage, want, got.Status)
		}
	}
	progress, err := env.Engine.DeriveProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.CompletionPercent != 100 {
		t.Fatalf("expected 100%%, got %d", progress.CompletionPercent)
	}
	if progress.CurrentStageOrdinal != stages.Count {
		t.Fatalf("expected stage %d, got %d", stages.Count, progress.CurrentStageOrdinal)
	}
}

func TestRoleGating(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Role gated", "Unit A")
	_, err := env.Engine.RecordEndorsement(env.Ctx, engine.EndorseOptions{
		ProposalID:   p.ID,
		StageOrdinal: 1,
		IssuerRole:   domain.RolePresident,
		IssuerID:     "president-1",
		Decision:     domain.DecisionApproved,
	})
	var rm ledger.RoleMismatchError
	if !errors.As(err, &rm) {
		t.Fatalf("expected role mismatch, got %v", err)
	}
	if rm.Required != domain.RoleCollegeCommittee {
		t.Fatalf("expected CollegeCommittee required, got %s", rm.Required)
	}
	// rejected attempt must leave no trace in the ledger
	history, err := env.Engine.Ledger.History(env.Ctx, p.ID, 0, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 0 {
		t.Fatalf("expected empty history, got %d records", len(history))
	}
}

func TestEndorsementOutOfOrder(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Out of order", "Unit B")
	_, err := endorse(t, env, p.ID, 3, domain.DecisionApproved)
	var ns ledger.NotAtStageError
	if !errors.As(err, &ns) {
		t.Fatalf("expected not-at-stage error, got %v", err)
	}
	if ns.Current != 1 || ns.Requested != 3 {
		t.Fatalf("unexpected stages: current %d requested %d", ns.Current, ns.Requested)
	}
	if ns.Progress.CurrentStageOrdinal != 1 {
		t.Fatalf("error should carry derived progress, got stage %d", ns.Progress.CurrentStageOrdinal)
	}
}

func TestRevisionRequestedDoesNotAdvance(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Needs revision", "Unit C")
	if _, err := endorse(t, env, p.ID, 1, domain.DecisionRevisionRequested); err != nil {
		t.Fatalf("revision: %v", err)
	}
	progress, err := env.Engine.DeriveProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.CurrentStageOrdinal != 1 || progress.CompletionPercent != 0 {
		t.Fatalf("revision must not advance: stage %d percent %d", progress.CurrentStageOrdinal, progress.CompletionPercent)
	}
	// the same stage can still be approved afterwards
	if _, err := endorse(t, env, p.ID, 1, domain.DecisionApproved); err != nil {
		t.Fatalf("approve after revision: %v", err)
	}
	progress, err = env.Engine.DeriveProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.CurrentStageOrdinal != 2 {
		t.Fatalf("expected stage 2, got %d", progress.CurrentStageOrdinal)
	}
	history, err := env.Engine.Ledger.History(env.Ctx, p.ID, 0, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("expected both records retained, got %d", len(history))
	}
}

func TestRejectionIsAbsorbing(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Rejected early", "Unit D")
	approveThrough(t, env, p.ID, 1)
	if _, err := endorse(t, env, p.ID, 2, domain.DecisionRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	got, err := env.Engine.Repo.GetProposal(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %s", got.Status)
	}
	progress, err := env.Engine.DeriveProgress(env.Ctx, p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if progress.CompletionPercent != 0 {
		t.Fatalf("rejected proposal must report 0%%, got %d", progress.CompletionPercent)
	}
	if progress.StageStates[1].State != domain.StageRejected {
		t.Fatalf("stage 2 should be rejected, got %s", progress.StageStates[1].State)
	}
	// no further decisions are accepted on a rejected proposal: retrying the
	// rejected stage reports the standing decision, later stages are unreachable
	_, err = endorse(t, env, p.ID, 2, domain.DecisionApproved)
	var ad ledger.StageAlreadyDecidedError
	if !errors.As(err, &ad) {
		t.Fatalf("expected already-decided on the rejected stage, got %v", err)
	}
	if ad.Decision != domain.DecisionRejected {
		t.Fatalf("expected the standing rejection, got %s", ad.Decision)
	}
	_, err = endorse(t, env, p.ID, 3, domain.DecisionApproved)
	var ns ledger.NotAtStageError
	if !errors.As(err, &ns) {
		t.Fatalf("expected not-at-stage past rejection, got %v", err)
	}
}

func TestSecondDecisionAtDecidedStage(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Single authority", "Unit J")
	approveThrough(t, env, p.ID, 1)
	_, err := endorse(t, env, p.ID, 1, domain.DecisionRejected)
	var ad ledger.StageAlreadyDecidedError
	if !errors.As(err, &ad) {
		t.Fatalf("expected already-decided, got %v", err)
	}
	if ad.StageOrdinal != 1 || ad.Decision != domain.DecisionApproved {
		t.Fatalf("expected standing approval at stage 1, got stage %d %s", ad.StageOrdinal, ad.Decision)
	}
	if ad.Progress.CurrentStageOrdinal != 2 {
		t.Fatalf("error should carry derived progress, got stage %d", ad.Progress.CurrentStageOrdinal)
	}
	// the first decision stands untouched
	rec, err := env.Engine.Ledger.LatestDecision(env.Ctx, p.ID, 1)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Decision != domain.DecisionApproved {
		t.Fatalf("expected approved to stand, got %s", rec.Decision)
	}
}

func TestAdvanceIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Idempotent", "Unit E")
	approveThrough(t, env, p.ID, 6)
	first, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	second, err := env.Engine.Advance(env.Ctx, p.ID, "tester")
	if err != nil {
		t.Fatalf("advance again: %v", err)
	}
	if first.Status != second.Status || second.Status != domain.StatusApproved {
		t.Fatalf("advance not idempotent: %s vs %s", first.Status, second.Status)
	}
}

func TestReportGatedBeforeImplementation(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Early report", "Unit F")
	approveThrough(t, env, p.ID, 6)
	_, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
		ProposalID:   p.ID,
		ReportType:   domain.ReportQuarterly,
		Achievements: "ahead of schedule",
		ActorID:      "tester",
	})
	var ni engine.NotYetImplementingError
	if !errors.As(err, &ni) {
		t.Fatalf("expected gating error, got %v", err)
	}
	if ni.CurrentStageOrdinal != 7 {
		t.Fatalf("expected stage 7 in error, got %d", ni.CurrentStageOrdinal)
	}
	// once stage 7 is approved the proposal is implementing
	approveThrough(t, env, p.ID, 7)
	rep, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
		ProposalID:   p.ID,
		ReportType:   domain.ReportQuarterly,
		Achievements: "instrument procurement complete",
		ActorID:      "tester",
	})
	if err != nil {
		t.Fatalf("report at implementation: %v", err)
	}
	if rep.SubmittingUnit != "Unit F" {
		t.Fatalf("unit must come from the proposal, got %s", rep.SubmittingUnit)
	}
}

func TestReportRefusedAfterRejection(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Rejected at implementation", "Unit G")
	approveThrough(t, env, p.ID, 7)
	if _, err := endorse(t, env, p.ID, 8, domain.DecisionRejected); err != nil {
		t.Fatalf("reject: %v", err)
	}
	_, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
		ProposalID:   p.ID,
		ReportType:   domain.ReportInterim,
		Achievements: "n/a",
		ActorID:      "tester",
	})
	var ni engine.NotYetImplementingError
	if !errors.As(err, &ni) {
		t.Fatalf("rejected proposal must not accept reports, got %v", err)
	}
}

func TestReportWordLimit(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Wordy", "Unit H")
	approveThrough(t, env, p.ID, 7)
	over := strings.TrimSpace(strings.Repeat("word ", config.DefaultWordLimit+1))
	_, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
		ProposalID:   p.ID,
		ReportType:   domain.ReportAnnual,
		Achievements: over,
		ActorID:      "tester",
	})
	var tl engine.AchievementsTooLongError
	if !errors.As(err, &tl) {
		t.Fatalf("expected word limit error, got %v", err)
	}
	if tl.Words != config.DefaultWordLimit+1 || tl.Limit != config.DefaultWordLimit {
		t.Fatalf("unexpected counts: %d/%d", tl.Words, tl.Limit)
	}
	exact := strings.TrimSpace(strings.Repeat("word ", config.DefaultWordLimit))
	if _, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
		ProposalID:   p.ID,
		ReportType:   domain.ReportAnnual,
		Achievements: exact,
		ActorID:      "tester",
	}); err != nil {
		t.Fatalf("exactly at the limit should pass: %v", err)
	}
}

func TestUnitProgressSummaries(t *testing.T) {
	env := newTestEnv(t)
	a := submitProposal(t, env, "Project A", "Unit Alpha")
	b := submitProposal(t, env, "Project B", "Unit Beta")
	approveThrough(t, env, a.ID, 7)
	approveThrough(t, env, b.ID, 7)
	stamps := []time.Time{
		time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}
	i := 0
	env.Engine.Now = func() time.Time { ts := stamps[i]; i++; return ts }
	for _, rep := range []struct {
		proposalID   string
		achievements string
	}{
		{a.ID, "first unit alpha report"},
		{a.ID, "second unit alpha report"},
		{b.ID, "only unit beta report"},
	} {
		if _, err := env.Engine.SubmitProgressReport(env.Ctx, engine.ReportOptions{
			ProposalID:   rep.proposalID,
			ReportType:   domain.ReportQuarterly,
			Achievements: rep.achievements,
			ActorID:      "tester",
		}); err != nil {
			t.Fatalf("report: %v", err)
		}
	}
	units, err := env.Engine.ListUnitProgress(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(units) != 2 {
		t.Fatalf("expected two units, got %d", len(units))
	}
	if units[0].Unit != "Unit Alpha" || units[1].Unit != "Unit Beta" {
		t.Fatalf("expected sorted units, got %s, %s", units[0].Unit, units[1].Unit)
	}
	if units[0].ReportCount != 2 || units[1].ReportCount != 1 {
		t.Fatalf("unexpected counts: %d, %d", units[0].ReportCount, units[1].ReportCount)
	}
	if units[0].MostRecentReport == nil || units[0].MostRecentReport.Achievements != "second unit alpha report" {
		t.Fatalf("expected most recent report for Unit Alpha")
	}
}

func TestEventsAppendedAcrossLifecycle(t *testing.T) {
	env := newTestEnv(t)
	p := submitProposal(t, env, "Audited", "Unit I")
	approveThrough(t, env, p.ID, 1)
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 50, p.ID, "", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	types := map[string]bool{}
	for _, evt := range events {
		types[evt.Type] = true
	}
	for _, want := range []string{"proposal.submitted", "endorsement.recorded"} {
		if !types[want] {
			t.Fatalf("missing event %s in %v", want, types)
		}
	}
}
