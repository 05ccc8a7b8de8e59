package domain

// Role identifies an organizational reviewing role in the portal.
type Role string

const (
	RoleCollegeCommittee Role = "CollegeCommittee"
	RoleRDDivision       Role = "RDDivision"
	RoleCenterManager    Role = "CenterManager"
	RoleEthicsBoard      Role = "EthicsBoard"
	RoleOVPRDE           Role = "OVPRDE"
	RolePresident        Role = "President"
	RoleOSOURU           Role = "OSOURU"
)

// Status values for Proposal.Status.
const (
	StatusUnderReview = "under_review"
	StatusApproved    = "approved"
	StatusRejected    = "rejected"
	StatusOngoing     = "ongoing"
	StatusCompleted   = "completed"
)

// Decision values for EndorsementRecord.Decision.
const (
	DecisionApproved          = "approved"
	DecisionRejected          = "rejected"
	DecisionRevisionRequested = "revision_requested"
)

type Proposal struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	SubmittingUnit string `json:"submitting_unit"`
	Budget         string `json:"budget"`
	Status         string `json:"status" enum:"under_review,approved,rejected,ongoing,completed"`
	SubmittedAt    string `json:"submitted_at" format:"date-time"`
	UpdatedAt      string `json:"updated_at" format:"date-time"`
}

type EndorsementRecord struct {
	ID           string `json:"id"`
	ProposalID   string `json:"proposal_id"`
	StageOrdinal int    `json:"stage_ordinal"`
	IssuerRole   Role   `json:"issuer_role"`
	IssuerID     string `json:"issuer_id"`
	Decision     string `json:"decision" enum:"approved,rejected,revision_requested"`
	Comments     string `json:"comments,omitempty"`
	IssuedAt     string `json:"issued_at" format:"date-time"`
}

// StageState classifies one stage in a proposal's derived view.
type StageState string

const (
	StageCompleted StageState = "completed"
	StageCurrent   StageState = "current"
	StageRejected  StageState = "rejected"
	StagePending   StageState = "pending"
)

// DerivedProgress is recomputed from the proposal status plus its ledger;
// it is never stored.
type DerivedProgress struct {
	CurrentStageOrdinal int         `json:"current_stage_ordinal"`
	StageStates         []StageView `json:"stage_states"`
	CompletionPercent   int         `json:"completion_percent" minimum:"0" maximum:"100"`
}

type StageView struct {
	Ordinal int        `json:"ordinal"`
	Name    string     `json:"name"`
	State   StageState `json:"state" enum:"completed,current,rejected,pending"`
}

// Report types for ProgressReport.ReportType.
const (
	ReportInterim   = "interim"
	ReportQuarterly = "quarterly"
	ReportAnnual    = "annual"
	ReportFinal     = "final"
)

type ProgressReport struct {
	ID             string   `json:"id"`
	ProposalID     string   `json:"proposal_id"`
	ReportType     string   `json:"report_type" enum:"interim,quarterly,annual,final"`
	SubmittingUnit string   `json:"submitting_unit"`
	Achievements   string   `json:"achievements"`
	NextMilestone  string   `json:"next_milestone,omitempty"`
	Attachments    []string `json:"attachments,omitempty"`
	SubmittedAt    string   `json:"submitted_at" format:"date-time"`
}

// UnitProgress summarizes progress reporting for one submitting unit.
type UnitProgress struct {
	Unit             string          `json:"unit"`
	ReportCount      int             `json:"report_count"`
	MostRecentReport *ProgressReport `json:"most_recent_report,omitempty"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	ProposalID string `json:"proposal_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// ReviewerAssignment binds an authenticated actor to a portal role.
type ReviewerAssignment struct {
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
