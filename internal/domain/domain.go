package domain

import (
	"fmt"
	"strings"
	"time"
)

type ContactMethod string

const (
	ContactVoice ContactMethod = "voice"
	ContactText  ContactMethod = "text"
)

type RecipientStatus string

const (
	RecipientActive      RecipientStatus = "active"
	RecipientCompleted   RecipientStatus = "completed"
	RecipientTransferred RecipientStatus = "transferred"
)

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeCompleted Outcome = "completed"
	OutcomeNoAnswer  Outcome = "no-answer"
	OutcomeBusy      Outcome = "busy"
	OutcomeFailed    Outcome = "failed"
)

// Valid reports whether o is a known outcome, pending included.
func (o Outcome) Valid() bool {
	switch o {
	case OutcomePending, OutcomeCompleted, OutcomeNoAnswer, OutcomeBusy, OutcomeFailed:
		return true
	}
	return false
}

// Terminal reports whether o closes an attempt.
func (o Outcome) Terminal() bool {
	return o.Valid() && o != OutcomePending
}

// Unreachable is true for outcomes that leave the recipient uncontacted.
func (o Outcome) Unreachable() bool {
	return o == OutcomeNoAnswer || o == OutcomeBusy || o == OutcomeFailed
}

// RiskLevel is ordered: SAFE < WARNING < CRITICAL.
type RiskLevel string

const (
	RiskSafe     RiskLevel = "SAFE"
	RiskWarning  RiskLevel = "WARNING"
	RiskCritical RiskLevel = "CRITICAL"
)

func (l RiskLevel) Rank() int {
	switch l {
	case RiskWarning:
		return 1
	case RiskCritical:
		return 2
	default:
		return 0
	}
}

type AlertStatus string

const (
	AlertActive     AlertStatus = "active"
	AlertInProgress AlertStatus = "in_progress"
	AlertResolved   AlertStatus = "resolved"
)

func (s AlertStatus) Open() bool {
	return s == AlertActive || s == AlertInProgress
}

type Recipient struct {
	ID              string          `json:"id"`
	TenantID        string          `json:"tenant_id"`
	Name            string          `json:"name,omitempty"`
	ContactMethod   ContactMethod   `json:"contact_method" enum:"voice,text"`
	ContactAddress  string          `json:"contact_address"`
	ScheduleSlots   []string        `json:"schedule_slots"`
	CriticalSignals []string        `json:"critical_signals,omitempty"`
	WarningSignals  []string        `json:"warning_signals,omitempty"`
	Status          RecipientStatus `json:"status" enum:"active,completed,transferred"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
}

// HasSlot reports whether the recipient is scheduled at the given marker.
func (r Recipient) HasSlot(marker string) bool {
	for _, s := range r.ScheduleSlots {
		if s == marker {
			return true
		}
	}
	return false
}

type ContactAttempt struct {
	ID            string   `json:"id"`
	TenantID      string   `json:"tenant_id"`
	RecipientID   string   `json:"recipient_id"`
	SlotKey       string   `json:"schedule_slot_key"`
	AttemptNumber int      `json:"attempt_number"`
	Outcome       Outcome  `json:"outcome" enum:"pending,completed,no-answer,busy,failed"`
	RiskFindings  []string `json:"risk_findings,omitempty"`
	Retry         bool     `json:"retry"`
	FailureReason string   `json:"failure_reason,omitempty"`
	CreatedAt     string   `json:"created_at" format:"date-time"`
	CompletedAt   *string  `json:"completed_at,omitempty" format:"date-time"`
}

type RiskClassification struct {
	Level      RiskLevel `json:"level" enum:"SAFE,WARNING,CRITICAL"`
	Reason     string    `json:"reason"`
	Confidence float64   `json:"confidence"`
	Findings   []string  `json:"findings,omitempty"`
}

type Alert struct {
	ID               string      `json:"id"`
	TenantID         string      `json:"tenant_id"`
	RecipientID      string      `json:"recipient_id"`
	Level            RiskLevel   `json:"level" enum:"SAFE,WARNING,CRITICAL"`
	Trigger          string      `json:"trigger"`
	Status           AlertStatus `json:"status" enum:"active,in_progress,resolved"`
	AssignedReviewer *string     `json:"assigned_reviewer,omitempty"`
	ResolutionNote   string      `json:"resolution_note,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`
	ResolvedAt       *string     `json:"resolved_at,omitempty" format:"date-time"`
}

type RetryTask struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	RecipientID   string    `json:"recipient_id"`
	SlotKey       string    `json:"schedule_slot_key"`
	AttemptNumber int       `json:"attempt_number"`
	NotBefore     time.Time `json:"not_before"`
	Reason        Outcome   `json:"reason" enum:"no-answer,busy,failed"`
}

// Assessment is the most recent classification recorded for a recipient.
type Assessment struct {
	TenantID      string    `json:"tenant_id"`
	RecipientID   string    `json:"recipient_id"`
	Level         RiskLevel `json:"level"`
	Reason        string    `json:"reason"`
	SlotKey       string    `json:"schedule_slot_key"`
	AttemptNumber int       `json:"attempt_number"`
	UpdatedAt     string    `json:"updated_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	TenantID   string `json:"tenant_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenant_id"`
	ActorID   string `json:"actor_id"`
	Role      string `json:"role"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type RoundSummary struct {
	TenantID   string `json:"tenant_id"`
	SlotKey    string `json:"schedule_slot_key"`
	Processed  int    `json:"processed"`
	Dispatched int    `json:"dispatched"`
	Skipped    int    `json:"skipped"`
	Errors     int    `json:"errors"`
}

const slotDateLayout = "2006-01-02"

// SlotKey builds the deterministic key for a slot marker on a calendar date,
// e.g. "2026-01-24_08".
func SlotKey(date time.Time, marker string) string {
	return date.Format(slotDateLayout) + "_" + marker
}

// ParseSlotKey splits a slot key into its date and slot marker.
func ParseSlotKey(key string) (time.Time, string, error) {
	idx := strings.Index(key, "_")
	if idx <= 0 || idx == len(key)-1 {
		return time.Time{}, "", fmt.Errorf("invalid slot key %q", key)
	}
	date, err := time.Parse(slotDateLayout, key[:idx])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("invalid slot key %q: %w", key, err)
	}
	return date, key[idx+1:], nil
}
