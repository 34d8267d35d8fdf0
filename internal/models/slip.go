package models

import "time"

// SlipStatus is the settlement state of an uploaded payment slip.
type SlipStatus string

const (
	SlipStatusPending  SlipStatus = "pending"
	SlipStatusApproved SlipStatus = "approved"
	SlipStatusRejected SlipStatus = "rejected"
)

// Terminal reports whether no further transition may leave s.
func (s SlipStatus) Terminal() bool {
	return s == SlipStatusApproved || s == SlipStatusRejected
}

// Reasons recorded with a slip transition.
const (
	SlipReasonNoAmountFound  = "NoAmountFound"
	SlipReasonSuperseded     = "SupersededByNewUpload"
	SlipReasonAutoApproved   = "AutoApproved"
	SlipReasonAdminApproved  = "AdminApproved"
	SlipReasonAdminRejected  = "AdminRejected"
	SlipReasonAwaitingReview = "AwaitingReview"
)

// SlipSubmission is a payment-proof image and what OCR made of it.
// ExtractedAmount is nil when no usable amount was found.
type SlipSubmission struct {
	CorrelationID   string     `json:"correlation_id"`
	AccountKey      string     `json:"account_key"`
	RawOCRText      string     `json:"raw_ocr_text"`
	ExtractedAmount *int64     `json:"extracted_amount,omitempty"`
	PayerName       string     `json:"payer_name,omitempty"`
	Status          SlipStatus `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// ReferralEdge records that Referrer was rewarded for bringing Referee.
type ReferralEdge struct {
	Referrer  string    `json:"referrer"`
	Referee   string    `json:"referee"`
	CreatedAt time.Time `json:"created_at"`
}

// Key is the edge's natural key and the referral credit correlation id.
func (e ReferralEdge) Key() string {
	return ReferralKey(e.Referrer, e.Referee)
}

// ReferralKey formats the "<referrer>:<referee>" pair.
func ReferralKey(referrer, referee string) string {
	return referrer + ":" + referee
}
