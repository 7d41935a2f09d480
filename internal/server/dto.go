package server

import (
	"encoding/json"

	"giftflow/internal/domain"
)

// Request payloads

type CreateCampaignRequest struct {
	ID    *string `json:"id,omitempty"`
	OrgID string  `json:"org_id,omitempty"`
	Name  string  `json:"name"`
}

type CreateParticipantRequest struct {
	ID         *string `json:"id,omitempty"`
	CampaignID string  `json:"campaign_id"`
	DonorID    string  `json:"donor_id"`
}

type CreateDonationRequest struct {
	ID         *string `json:"id,omitempty"`
	CampaignID string  `json:"campaign_id"`
	DonorID    string  `json:"donor_id"`
}

type CompleteTaskRequest struct {
	Completion map[string]any `json:"completion,omitempty"`
}

type AddCommentRequest struct {
	Body string `json:"body"`
}

type AppraisalRequestBody struct {
	Payload map[string]any `json:"payload,omitempty"`
}

type SigningWebhookRequest struct {
	EnvelopeID string `json:"envelope_id,omitempty"`
	Status     string `json:"status,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"donor,nonprofit_admin,appraiser,admin"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
	OrgID   string `json:"org_id,omitempty"`
	Role    string `json:"role" enum:"donor,nonprofit_admin,appraiser,admin"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

// Response payloads

type TaskResponse struct {
	ID            string         `json:"id"`
	DonationID    *string        `json:"donation_id,omitempty"`
	ParticipantID *string        `json:"participant_id,omitempty"`
	CampaignID    string         `json:"campaign_id"`
	DonorID       string         `json:"donor_id"`
	Type          string         `json:"type"`
	Title         string         `json:"title"`
	Description   string         `json:"description,omitempty"`
	AssignedTo    *string        `json:"assigned_to,omitempty"`
	AssignedRole  string         `json:"assigned_role"`
	Status        string         `json:"status" enum:"pending,in_progress,completed,blocked,cancelled"`
	Priority      string         `json:"priority"`
	Order         int            `json:"order"`
	Dependencies  []string       `json:"dependencies"`
	Metadata      map[string]any `json:"metadata,omitempty" jsonschema:"type=object,additionalProperties=true"`
	Completion    map[string]any `json:"completion,omitempty" jsonschema:"type=object,additionalProperties=true"`
	CreatedAt     string         `json:"created_at" format:"date-time"`
	UpdatedAt     string         `json:"updated_at" format:"date-time"`
	CompletedAt   *string        `json:"completed_at,omitempty" format:"date-time"`
	CompletedBy   *string        `json:"completed_by,omitempty"`
}

type CompleteTaskResponse struct {
	Task      TaskResponse `json:"task"`
	Unblocked []string     `json:"unblocked"`
}

type WorkflowStatusResponse struct {
	ScopeID     string         `json:"scope_id"`
	ScopeStatus string         `json:"scope_status"`
	TaskCounts  map[string]int `json:"task_counts"`
	Tasks       []TaskResponse `json:"tasks"`
}

type CommentResponse struct {
	ID        string `json:"id"`
	TaskID    string `json:"task_id"`
	AuthorID  string `json:"author_id"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type EventResponse struct {
	ID       int64          `json:"id"`
	TS       string         `json:"ts" format:"date-time"`
	Type     string         `json:"type"`
	ScopeKey string         `json:"scope_key,omitempty"`
	TaskID   string         `json:"task_id,omitempty"`
	ActorID  string         `json:"actor_id"`
	Payload  map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	// Key is returned once at creation and never stored in clear.
	Key string `json:"key,omitempty"`
}

type WhoAmIResponse struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role"`
	OrgID   string `json:"org_id,omitempty"`
	Source  string `json:"source"`
}

type WebhookAckResponse struct {
	Received  bool   `json:"received"`
	Matched   bool   `json:"matched"`
	Completed bool   `json:"completed"`
	TaskID    string `json:"task_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Conversion helpers

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		DonationID:    t.DonationID,
		ParticipantID: t.ParticipantID,
		CampaignID:    t.CampaignID,
		DonorID:       t.DonorID,
		Type:          string(t.Type),
		Title:         t.Title,
		Description:   t.Description,
		AssignedTo:    t.AssignedTo,
		AssignedRole:  string(t.AssignedRole),
		Status:        string(t.Status),
		Priority:      string(t.Priority),
		Order:         t.Order,
		Dependencies:  nonNilSlice(t.Dependencies),
		Metadata:      metadataMap(t.Metadata),
		Completion:    decodeJSONMap(t.Completion),
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
		CompletedAt:   t.CompletedAt,
		CompletedBy:   t.CompletedBy,
	}
}

func commentResponse(c domain.Comment) CommentResponse {
	return CommentResponse(c)
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:       e.ID,
		TS:       e.TS,
		Type:     e.Type,
		ScopeKey: e.ScopeKey,
		TaskID:   e.TaskID,
		ActorID:  e.ActorID,
		Payload:  decodeJSONMap(&e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey) APIKeyResponse {
	return APIKeyResponse{
		ID:        k.ID,
		ActorID:   k.ActorID,
		Role:      string(k.Role),
		Name:      k.Name,
		CreatedAt: k.CreatedAt,
	}
}

func mapTasks(items []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		res = append(res, taskResponse(t))
	}
	return res
}

func mapComments(items []domain.Comment) []CommentResponse {
	res := make([]CommentResponse, 0, len(items))
	for _, c := range items {
		res = append(res, commentResponse(c))
	}
	return res
}

func mapEvents(items []domain.Event) []EventResponse {
	res := make([]EventResponse, 0, len(items))
	for _, e := range items {
		res = append(res, eventResponse(e))
	}
	return res
}

// JSON helpers

func metadataMap(m domain.Metadata) map[string]any {
	data, err := json.Marshal(m)
	if err != nil {
		return nil
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil || len(out) == 0 {
		return nil
	}
	return out
}

func decodeJSONMap(raw *string) map[string]any {
	if raw == nil || *raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(*raw), &tmp); err != nil {
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
