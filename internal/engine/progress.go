package engine

import (
	"propline/internal/domain"
	"propline/internal/stages"
)

// stagePosition is the ledger-derived position of a proposal in the pipeline.
type stagePosition struct {
	Completed  int // contiguous approved stages counted from 1
	RejectedAt int // 0 when no rejection
}

// derivePosition folds the decided-stage map into a pipeline position.
// Approval chains must be contiguous from stage 1; the first gap ends the
// chain, and a rejection at the stage after the chain is absorbing.
func derivePosition(decided map[int]domain.EndorsementRecord) stagePosition {
	var pos stagePosition
	for ordinal := 1; ordinal <= stages.Count; ordinal++ {
		rec, ok := decided[ordinal]
		if !ok {
			break
		}
		if rec.Decision == domain.DecisionRejected {
			pos.RejectedAt = ordinal
			break
		}
		pos.Completed++
	}
	return pos
}

// statusFor maps a pipeline position onto the five-value canonical status.
func statusFor(pos stagePosition) string {
	switch {
	case pos.RejectedAt > 0:
		return domain.StatusRejected
	case pos.Completed >= stages.Count:
		return domain.StatusCompleted
	case pos.Completed >= stages.ImplementationBoundary-1:
		return domain.StatusOngoing
	case pos.Completed >= 6:
		return domain.StatusApproved
	default:
		return domain.StatusUnderReview
	}
}

// progressFor builds the derived view for a position. Completion moves in 10%
// steps per completed stage and is pinned to 0 for rejected proposals.
func progressFor(pos stagePosition) domain.DerivedProgress {
	current := pos.Completed + 1
	terminal := pos.RejectedAt > 0 || pos.Completed >= stages.Count
	if pos.RejectedAt > 0 {
		current = pos.RejectedAt
	} else if pos.Completed >= stages.Count {
		current = stages.Count
	}
	percent := pos.Completed * 100 / stages.Count
	if pos.RejectedAt > 0 {
		percent = 0
	}
	views := make([]domain.StageView, 0, stages.Count)
	for _, def := range stages.All() {
		state := domain.StagePending
		switch {
		case def.Ordinal <= pos.Completed:
			state = domain.StageCompleted
		case def.Ordinal == pos.RejectedAt:
			state = domain.StageRejected
		case def.Ordinal == current && !terminal:
			state = domain.StageCurrent
		}
		views = append(views, domain.StageView{Ordinal: def.Ordinal, Name: def.Name, State: state})
	}
	return domain.DerivedProgress{
		CurrentStageOrdinal: current,
		StageStates:         views,
		CompletionPercent:   percent,
	}
}
