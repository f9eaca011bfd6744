package server

import (
	"encoding/json"

	"settleline/internal/domain"
)

type MilestoneSpec struct {
	ShareBP               int64  `json:"share_bp" doc:"Basis-point share of the total; all shares sum to 10000"`
	DeadlineOffsetSeconds int64  `json:"deadline_offset_seconds" doc:"Relative deadline, anchored at payment"`
	Title                 string `json:"title,omitempty"`
	Description           string `json:"description,omitempty"`
}

type CreateEngagementRequest struct {
	ID                    string          `json:"id,omitempty"`
	BuyerID               string          `json:"buyer_id,omitempty" doc:"Omit to leave the engagement open to the first payer"`
	Title                 string          `json:"title,omitempty"`
	Total                 int64           `json:"total"`
	Stake                 int64           `json:"stake,omitempty"`
	ResponseWindowSeconds int64           `json:"response_window_seconds,omitempty"`
	MaxRevisions          int             `json:"max_revisions,omitempty"`
	Milestones            []MilestoneSpec `json:"milestones"`
}

type PayRequest struct {
	Amount int64 `json:"amount"`
}

type SubmitRequest struct {
	Note string `json:"note,omitempty"`
}

type RevisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

type DepositRequest struct {
	PartyID string `json:"party_id,omitempty" doc:"Defaults to the authenticated actor"`
	Amount  int64  `json:"amount"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id,omitempty"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string `json:"actor_id"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type EngagementResponse struct {
	ID             string `json:"id"`
	SellerID       string `json:"seller_id"`
	BuyerID        string `json:"buyer_id,omitempty"`
	Title          string `json:"title,omitempty"`
	Total          int64  `json:"total"`
	Stake          int64  `json:"stake"`
	StakeReleased  bool   `json:"stake_released"`
	Status         string `json:"status"`
	ResponseWindow int64  `json:"response_window"`
	MaxRevisions   int    `json:"max_revisions"`
	CurrentIdx     int    `json:"current_idx"`
	CreatedAt      int64  `json:"created_at"`
	PaidAt         int64  `json:"paid_at,omitempty"`
}

type MilestoneResponse struct {
	EngagementID string `json:"engagement_id"`
	Idx          int    `json:"idx"`
	ShareBP      int64  `json:"share_bp"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	Deadline     int64  `json:"deadline,omitempty"`
	SubmittedAt  int64  `json:"submitted_at,omitempty"`
	Note         string `json:"note,omitempty"`
	Revisions    int    `json:"revisions"`
	Consent      string `json:"consent"`
	Title        string `json:"title,omitempty"`
	Description  string `json:"description,omitempty"`
}

type EngagementDetailResponse struct {
	Engagement EngagementResponse  `json:"engagement"`
	Milestones []MilestoneResponse `json:"milestones"`
}

type AccountResponse struct {
	PartyID   string `json:"party_id"`
	Balance   int64  `json:"balance"`
	UpdatedAt int64  `json:"updated_at,omitempty"`
}

type EventResponse struct {
	ID           int64           `json:"id"`
	TS           string          `json:"ts"`
	Type         string          `json:"type"`
	EngagementID string          `json:"engagement_id,omitempty"`
	EntityKind   string          `json:"entity_kind"`
	EntityID     string          `json:"entity_id,omitempty"`
	ActorID      string          `json:"actor_id"`
	Payload      json.RawMessage `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at"`
}

type APIKeyCreatedResponse struct {
	ID      string `json:"id"`
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key" doc:"Plaintext key, shown once"`
}

func engagementResponse(e domain.Engagement) EngagementResponse {
	return EngagementResponse{
		ID:             e.ID,
		SellerID:       e.SellerID,
		BuyerID:        e.BuyerID,
		Title:          e.Title,
		Total:          e.Total,
		Stake:          e.Stake,
		StakeReleased:  e.StakeReleased,
		Status:         e.Status,
		ResponseWindow: e.ResponseWindow,
		MaxRevisions:   e.MaxRevisions,
		CurrentIdx:     e.CurrentIdx,
		CreatedAt:      e.CreatedAt,
		PaidAt:         e.PaidAt,
	}
}

func mapEngagements(items []domain.Engagement) []EngagementResponse {
	res := make([]EngagementResponse, 0, len(items))
	for _, e := range items {
		res = append(res, engagementResponse(e))
	}
	return res
}

func milestoneResponse(m domain.Milestone) MilestoneResponse {
	return MilestoneResponse{
		EngagementID: m.EngagementID,
		Idx:          m.Idx,
		ShareBP:      m.ShareBP,
		Amount:       m.Amount,
		Status:       m.Status,
		Deadline:     m.Deadline,
		SubmittedAt:  m.SubmittedAt,
		Note:         m.Note,
		Revisions:    m.Revisions,
		Consent:      m.Consent,
		Title:        m.Title,
		Description:  m.Description,
	}
}

func mapMilestones(items []domain.Milestone) []MilestoneResponse {
	res := make([]MilestoneResponse, 0, len(items))
	for _, m := range items {
		res = append(res, milestoneResponse(m))
	}
	return res
}

func accountResponse(a domain.Account) AccountResponse {
	return AccountResponse{PartyID: a.PartyID, Balance: a.Balance, UpdatedAt: a.UpdatedAt}
}

func eventResponse(e domain.Event) EventResponse {
	payload := json.RawMessage([]byte("{}"))
	if e.Payload != "" && json.Valid([]byte(e.Payload)) {
		payload = json.RawMessage([]byte(e.Payload))
	}
	return EventResponse{
		ID:           e.ID,
		TS:           e.TS,
		Type:         e.Type,
		EngagementID: e.EngagementID,
		EntityKind:   e.EntityKind,
		EntityID:     e.EntityID,
		ActorID:      e.ActorID,
		Payload:      payload,
	}
}
