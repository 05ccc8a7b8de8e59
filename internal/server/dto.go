package server

import (
	"encoding/json"

	"propline/internal/domain"
	"propline/internal/stages"
)

// Request payloads

type SubmitProposalRequest struct {
	ID             *string `json:"id,omitempty"`
	Title          string  `json:"title"`
	SubmittingUnit string  `json:"submitting_unit"`
	Budget         *string `json:"budget,omitempty"`
}

type RecordEndorsementRequest struct {
	StageOrdinal int     `json:"stage_ordinal" minimum:"1" maximum:"10"`
	IssuerRole   string  `json:"issuer_role"`
	Decision     string  `json:"decision" enum:"approved,rejected,revision_requested"`
	Comments     *string `json:"comments,omitempty"`
}

type SubmitReportRequest struct {
	ReportType    string   `json:"report_type" enum:"interim,quarterly,annual,final"`
	Achievements  string   `json:"achievements"`
	NextMilestone *string  `json:"next_milestone,omitempty"`
	Attachments   []string `json:"attachments,omitempty"`
}

type AssignReviewerRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
}

// Response payloads

type ProposalResponse struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	SubmittingUnit string `json:"submitting_unit"`
	Budget         string `json:"budget"`
	Status         string `json:"status" enum:"under_review,approved,rejected,ongoing,completed"`
	SubmittedAt    string `json:"submitted_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type EndorsementResponse struct {
	ID           string `json:"id"`
	ProposalID   string `json:"proposal_id"`
	StageOrdinal int    `json:"stage_ordinal"`
	IssuerRole   string `json:"issuer_role"`
	IssuerID     string `json:"issuer_id"`
	Decision     string `json:"decision" enum:"approved,rejected,revision_requested"`
	Comments     string `json:"comments,omitempty"`
	IssuedAt     string `json:"issued_at" format:"date-time"`
}

type ProgressResponse struct {
	CurrentStageOrdinal int                `json:"current_stage_ordinal"`
	StageStates         []domain.StageView `json:"stage_states"`
	CompletionPercent   int                `json:"completion_percent"`
}

type ProposalViewResponse struct {
	Proposal ProposalResponse      `json:"proposal"`
	Progress ProgressResponse      `json:"derived_progress"`
	History  []EndorsementResponse `json:"endorsement_history"`
}

type ReportResponse struct {
	ID             string   `json:"id"`
	ProposalID     string   `json:"proposal_id"`
	ReportType     string   `json:"report_type" enum:"interim,quarterly,annual,final"`
	SubmittingUnit string   `json:"submitting_unit"`
	Achievements   string   `json:"achievements"`
	NextMilestone  string   `json:"next_milestone,omitempty"`
	Attachments    []string `json:"attachments"`
	SubmittedAt    string   `json:"submitted_at" format:"date-time"`
}

type UnitProgressResponse struct {
	Unit             string          `json:"unit"`
	ReportCount      int             `json:"report_count"`
	MostRecentReport *ReportResponse `json:"most_recent_report,omitempty"`
}

type StageResponse struct {
	Ordinal                int    `json:"ordinal"`
	Name                   string `json:"name"`
	AuthorizingRole        string `json:"authorizing_role"`
	ImplementationBoundary bool   `json:"implementation_boundary"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	ProposalID string         `json:"proposal_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type paginatedProposals struct {
	Items      []ProposalResponse `json:"items"`
	NextCursor string             `json:"next_cursor,omitempty"`
}

// Conversion helpers

func proposalResponse(p domain.Proposal) ProposalResponse {
	return ProposalResponse(p)
}

func mapProposals(in []domain.Proposal) []ProposalResponse {
	out := make([]ProposalResponse, 0, len(in))
	for _, p := range in {
		out = append(out, proposalResponse(p))
	}
	return out
}

func endorsementResponse(rec domain.EndorsementRecord) EndorsementResponse {
	return EndorsementResponse{
		ID:           rec.ID,
		ProposalID:   rec.ProposalID,
		StageOrdinal: rec.StageOrdinal,
		IssuerRole:   string(rec.IssuerRole),
		IssuerID:     rec.IssuerID,
		Decision:     rec.Decision,
		Comments:     rec.Comments,
		IssuedAt:     rec.IssuedAt,
	}
}

func mapEndorsements(in []domain.EndorsementRecord) []EndorsementResponse {
	out := make([]EndorsementResponse, 0, len(in))
	for _, rec := range in {
		out = append(out, endorsementResponse(rec))
	}
	return out
}

func progressResponse(p domain.DerivedProgress) ProgressResponse {
	return ProgressResponse{
		CurrentStageOrdinal: p.CurrentStageOrdinal,
		StageStates:         p.StageStates,
		CompletionPercent:   p.CompletionPercent,
	}
}

func reportResponse(rep domain.ProgressReport) ReportResponse {
	return ReportResponse{
		ID:             rep.ID,
		ProposalID:     rep.ProposalID,
		ReportType:     rep.ReportType,
		SubmittingUnit: rep.SubmittingUnit,
		Achievements:   rep.Achievements,
		NextMilestone:  rep.NextMilestone,
		Attachments:    nonNilSlice(rep.Attachments),
		SubmittedAt:    rep.SubmittedAt,
	}
}

func unitProgressResponse(u domain.UnitProgress) UnitProgressResponse {
	res := UnitProgressResponse{Unit: u.Unit, ReportCount: u.ReportCount}
	if u.MostRecentReport != nil {
		rep := reportResponse(*u.MostRecentReport)
		res.MostRecentReport = &rep
	}
	return res
}

func stageResponse(def stages.Definition) StageResponse {
	return StageResponse{
		Ordinal:                def.Ordinal,
		Name:                   def.Name,
		AuthorizingRole:        string(def.AuthorizingRole),
		ImplementationBoundary: stages.IsImplementationBoundary(def.Ordinal),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		ProposalID: e.ProposalID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(in *string) string {
	if in == nil {
		return ""
	}
	return *in
}
