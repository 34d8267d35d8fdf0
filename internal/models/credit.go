package models

import (
	"time"
)

// CreditSource enumerates the independent credit channels.
type CreditSource string

const (
	CreditSourceSlip         CreditSource = "slip"
	CreditSourceReferral     CreditSource = "referral"
	CreditSourceAdminApprove CreditSource = "admin_approve"
)

// Valid reports whether s is one of the known sources.
func (s CreditSource) Valid() bool {
	switch s {
	case CreditSourceSlip, CreditSourceReferral, CreditSourceAdminApprove:
		return true
	}
	return false
}

// Event log action names. The first two keep the labels already present in
// existing Logs sheets so reports over old rows stay correct.
const (
	ActionUse           = "ใช้สิทธิ์"
	ActionSlipUpload    = "แนบสลิป"
	ActionCreditSlip    = "credit-slip"
	ActionCreditRef     = "credit-referral"
	ActionCreditAdmin   = "credit-admin"
	ActionAdminApprove  = "admin-approve"
	ActionAdminReject   = "admin-reject"
	ActionAdminReset    = "admin-reset"
	ActionSlipSupersede = "slip-superseded"
)

// CreditAction returns the log action used for a credit from source.
func CreditAction(s CreditSource) string {
	switch s {
	case CreditSourceSlip:
		return ActionCreditSlip
	case CreditSourceReferral:
		return ActionCreditRef
	default:
		return ActionCreditAdmin
	}
}

// CreditEvent is one applied balance increase.
type CreditEvent struct {
	AccountKey    string       `json:"account_key"`
	Timestamp     time.Time    `json:"timestamp"`
	Source        CreditSource `json:"source"`
	Amount        int          `json:"amount"`
	CorrelationID string       `json:"correlation_id"`
}

// DedupKey is unique per (account, source, correlation id).
func (e CreditEvent) DedupKey() string {
	return CreditDedupKey(e.AccountKey, e.Source, e.CorrelationID)
}

// CreditDedupKey builds the idempotency key stored with credit log rows.
func CreditDedupKey(accountKey string, source CreditSource, correlationID string) string {
	return accountKey + "|" + string(source) + "|" + correlationID
}

// UsageEvent is one consumed unit of quota.
type UsageEvent struct {
	ID         string    `json:"id"`
	AccountKey string    `json:"account_key"`
	Timestamp  time.Time `json:"timestamp"`
	Prompt     string    `json:"prompt"`
}
