package domain

// TaskStatus is the lifecycle state of a workflow task.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusBlocked    TaskStatus = "blocked"
	StatusCancelled  TaskStatus = "cancelled"
)

// Actionable reports whether a task in this status accepts new work.
func (s TaskStatus) Actionable() bool {
	return s == StatusPending || s == StatusInProgress
}

// Terminal reports whether the status can never change again outside a
// workflow reset.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// TaskType is a closed enumeration of the kinds of work a task represents.
type TaskType string

const (
	TypeQuiz                TaskType = "quiz"
	TypeDocumentUpload      TaskType = "document_upload"
	TypeDocumentReview      TaskType = "document_review"
	TypeInvitation          TaskType = "invitation"
	TypeDocumentSigning     TaskType = "document_signing"
	TypeAppraisalRequest    TaskType = "appraisal_request"
	TypeAppraisalSubmission TaskType = "appraisal_submission"
	TypeAppraisalReview     TaskType = "appraisal_review"
	TypeCommitmentDecision  TaskType = "commitment_decision"
	TypeEquityTransfer      TaskType = "equity_transfer"
	TypeTaxDocumentation    TaskType = "tax_documentation"
	TypeLegalReview         TaskType = "legal_review"
	TypePaymentProcessing   TaskType = "payment_processing"
	TypeOther               TaskType = "other"
)

var knownTypes = map[TaskType]bool{
	TypeQuiz: true, TypeDocumentUpload: true, TypeDocumentReview: true,
	TypeInvitation: true, TypeDocumentSigning: true,
	TypeAppraisalRequest: true, TypeAppraisalSubmission: true,
	TypeAppraisalReview: true, TypeCommitmentDecision: true,
	TypeEquityTransfer: true, TypeTaxDocumentation: true,
	TypeLegalReview: true, TypePaymentProcessing: true, TypeOther: true,
}

// Known reports whether t is part of the task type enumeration.
func (t TaskType) Known() bool { return knownTypes[t] }

// Role is the capability required to act on a task.
type Role string

const (
	RoleDonor          Role = "donor"
	RoleNonprofitAdmin Role = "nonprofit_admin"
	RoleAppraiser      Role = "appraiser"
	// RoleAdmin is the elevated role for reset and stats operations; it is
	// never assigned to workflow tasks.
	RoleAdmin Role = "admin"
)

// Priority is informational only and never affects scheduling.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// AssigneeAny is the sentinel meaning "any actor holding AssignedRole".
const AssigneeAny = "any"

// Task is the unit of work in an approval workflow.
type Task struct {
	ID            string     `json:"id"`
	DonationID    *string    `json:"donation_id,omitempty"`
	ParticipantID *string    `json:"participant_id,omitempty"`
	CampaignID    string     `json:"campaign_id"`
	DonorID       string     `json:"donor_id"`
	Type          TaskType   `json:"type"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	AssignedTo    *string    `json:"assigned_to,omitempty"`
	AssignedRole  Role       `json:"assigned_role"`
	Status        TaskStatus `json:"status" enum:"pending,in_progress,completed,blocked,cancelled"`
	Priority      Priority   `json:"priority"`
	Order         int        `json:"order"`
	Dependencies  []string   `json:"dependencies,omitempty"`
	Metadata      Metadata   `json:"metadata"`
	Completion    *string    `json:"completion,omitempty"`
	CreatedAt     string     `json:"created_at" format:"date-time"`
	UpdatedAt     string     `json:"updated_at" format:"date-time"`
	CompletedAt   *string    `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy   *string    `json:"completed_by,omitempty"`
}

// Scope identifies the workflow instance a task belongs to. Exactly one of
// the two id families is set per task.
type Scope struct {
	DonationID    string
	ParticipantID string
}

// ScopeOf returns the task's workflow scope.
func ScopeOf(t Task) Scope {
	var s Scope
	if t.DonationID != nil {
		s.DonationID = *t.DonationID
	}
	if t.ParticipantID != nil {
		s.ParticipantID = *t.ParticipantID
	}
	return s
}

// Key returns the scope id used for deterministic task ids.
func (s Scope) Key() string {
	if s.DonationID != "" {
		return s.DonationID
	}
	return s.ParticipantID
}

// Valid reports whether exactly one id family is set.
func (s Scope) Valid() bool {
	return (s.DonationID == "") != (s.ParticipantID == "")
}

// Actor is the identity acting on tasks, as resolved by the identity
// provider. The core trusts this mapping.
type Actor struct {
	ID             string `json:"id"`
	Role           Role   `json:"role"`
	OrganizationID string `json:"organization_id,omitempty"`
}

// Comment is an append-only user remark on a task.
type Comment struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Campaign owns participants and donations.
type Campaign struct {
	ID        string `json:"id"`
	OrgID     string `json:"org_id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

// Participant is the legacy workflow scope record.
type Participant struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// Donation is the current workflow scope record.
type Donation struct {
	ID         string `json:"id"`
	CampaignID string `json:"campaign_id"`
	DonorID    string `json:"donor_id"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at" format:"date-time"`
}

// CampaignStats are aggregate counters recomputed by the admin sync
// operation, never maintained incrementally.
type CampaignStats struct {
	CampaignID         string  `json:"campaign_id"`
	DonationsCompleted int     `json:"donations_completed"`
	TasksCompleted     int     `json:"tasks_completed"`
	TotalValuation     float64 `json:"total_valuation"`
	SyncedAt           string  `json:"synced_at" format:"date-time"`
}

// Event is an append-only audit record.
type Event struct {
	ID       int64  `json:"id"`
	TS       string `json:"ts" format:"date-time"`
	Type     string `json:"type"`
	ScopeKey string `json:"scope_key,omitempty"`
	TaskID   string `json:"task_id,omitempty"`
	ActorID  string `json:"actor_id"`
	Payload  string `json:"payload_json"`
}

// APIKey authenticates automation callers (webhook operators, CLI scripts).
type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      Role   `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
