package services

import (
	"github.com/duangjit/backend/internal/ledger"
)

// EventType names an inbound platform event.
type EventType string

const (
	EventUsageRequested EventType = "usage_requested"
	EventImageUploaded  EventType = "image_uploaded"
	EventShareClicked   EventType = "share_clicked"
	EventFollow         EventType = "follow"
	EventAdminAction    EventType = "admin_action"
)

// BalanceCommand asks for the current usage and quota without consuming.
const BalanceCommand = "/ดูสิทธิ์"

// Admin actions carried by EventAdminAction.
const (
	AdminActionApprove = "approve"
	AdminActionReject  = "reject"
)

// Event is one inbound notification from the chat platform. Delivery is
// at least once.
type Event struct {
	Type          EventType `json:"type"`
	AccountKey    string    `json:"account_key"`
	DisplayName   string    `json:"display_name,omitempty"`
	Text          string    `json:"text,omitempty"`
	Image         []byte    `json:"image,omitempty"`
	Referrer      string    `json:"referrer,omitempty"`
	Action        string    `json:"action,omitempty"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Amount        *int64    `json:"amount,omitempty"`
	Redelivery    bool      `json:"redelivery,omitempty"`
}

// Outcome statuses.
const (
	StatusSkipped   = "skipped"
	StatusBalance   = "balance"
	StatusConsumed  = "consumed"
	StatusExhausted = "exhausted"
	StatusQueued    = "queued"
	StatusWelcomed  = "welcomed"
	StatusReferred  = "referred"
	StatusDuplicate = "duplicate"
	StatusSettled   = "settled"
)

// Outcome is what Dispatch did with one event.
type Outcome struct {
	Type        EventType           `json:"type"`
	Status      string              `json:"status"`
	Consumption *ledger.Consumption `json:"consumption,omitempty"`
	Slip        *SlipResult         `json:"slip,omitempty"`
}
