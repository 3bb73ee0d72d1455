package server

import (
	"github.com/ChristChad-mv/careflow-sub000/internal/domain"
)

// Request payloads

type RunRoundRequest struct {
	// ScheduleSlotKey wins over Date+Slot when both are given.
	ScheduleSlotKey string `json:"schedule_slot_key,omitempty" example:"2026-01-24_08"`
	Date            string `json:"date,omitempty" format:"date" example:"2026-01-24"`
	Slot            string `json:"slot,omitempty" example:"08"`
}

type RunRetryRequest struct {
	RecipientID     string         `json:"recipient_id"`
	ScheduleSlotKey string         `json:"schedule_slot_key"`
	AttemptNumber   int            `json:"attempt_number" minimum:"2"`
	Reason          domain.Outcome `json:"reason,omitempty" enum:"no-answer,busy,failed"`
}

type CompleteAttemptRequest struct {
	Outcome      domain.Outcome `json:"outcome" enum:"completed,no-answer,busy,failed"`
	RiskFindings []string       `json:"risk_findings,omitempty"`
}

type ResolveAlertRequest struct {
	Note string `json:"note,omitempty"`
}

type RecipientRequest struct {
	Name            string                 `json:"name,omitempty"`
	ContactMethod   domain.ContactMethod   `json:"contact_method" enum:"voice,text"`
	ContactAddress  string                 `json:"contact_address"`
	ScheduleSlots   []string               `json:"schedule_slots"`
	CriticalSignals []string               `json:"critical_signals,omitempty"`
	WarningSignals  []string               `json:"warning_signals,omitempty"`
	Status          domain.RecipientStatus `json:"status,omitempty" enum:"active,completed,transferred"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Tenants []string `json:"tenants"`
	Roles   []string `json:"roles"`
}

// Response payloads

type RecipientResponse struct {
	domain.Recipient
	Assessment *domain.Assessment `json:"assessment,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Tenants []string `json:"tenants"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func (r RecipientRequest) toDomain(tenantID, id string) domain.Recipient {
	return domain.Recipient{
		ID:              id,
		TenantID:        tenantID,
		Name:            r.Name,
		ContactMethod:   r.ContactMethod,
		ContactAddress:  r.ContactAddress,
		ScheduleSlots:   nonNilSlice(r.ScheduleSlots),
		CriticalSignals: r.CriticalSignals,
		WarningSignals:  r.WarningSignals,
		Status:          r.Status,
	}
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
