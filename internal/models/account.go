package models

import (
	"time"
)

// DefaultDisplayName is written for accounts created before the platform
// reported a profile name.
const DefaultDisplayName = "new"

// Account is the ledger record for one end user, keyed by the
// platform-assigned user id.
type Account struct {
	Key          string    `json:"account_key"`
	DisplayName  string    `json:"display_name"`
	Usage        int       `json:"usage"`
	Quota        int       `json:"quota"`
	LastSlipFile string    `json:"last_slip_file,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
	// LastCredit marks the most recent credit committed to the row. It lets
	// the ledger restore the matching log entry if the append was lost.
	LastCredit *CreditMark `json:"-"`
}

// Remaining is the unconsumed part of the quota, never negative.
func (a *Account) Remaining() int {
	if a.Quota <= a.Usage {
		return 0
	}
	return a.Quota - a.Usage
}

// CreditMark identifies one applied credit on the account row.
type CreditMark struct {
	Source        CreditSource
	CorrelationID string
	Amount        int
}
