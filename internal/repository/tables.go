// Package repository maps sheet rows to ledger models.
package repository

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/duangjit/backend/internal/sheet"
)

var (
	ErrNotFound        = sheet.ErrNotFound
	ErrDuplicate       = sheet.ErrDuplicateKey
	ErrVersionConflict = sheet.ErrVersionConflict
	ErrCorruptRow      = errors.New("repository: corrupt row")
)

// Column positions. Columns are only ever appended so existing sheets keep
// their layout.
const (
	userColKey = iota
	userColName
	userColUsage
	userColQuota
	userColSlip
	userColUpdated
	userColLastCredit
)

const (
	logColTimestamp = iota
	logColAccount
	logColAction
	logColDetail
	logColDedup
)

const (
	slipColID = iota
	slipColAccount
	slipColStatus
	slipColAmount
	slipColPayer
	slipColOCR
	slipColReason
	slipColCreated
	slipColUpdated
)

const (
	refColKey = iota
	refColReferrer
	refColReferee
	refColCreated
)

var UsersSchema = sheet.Schema{
	Name:      "Users",
	Columns:   []string{"user_id", "name", "usage", "paid_quota", "slip", "updated", "last_credit"},
	KeyColumn: userColKey,
}

// LogsSchema keys rows by dedup key; only credit rows carry one.
var LogsSchema = sheet.Schema{
	Name:      "Logs",
	Columns:   []string{"timestamp", "user_id", "action", "detail", "dedup_key"},
	KeyColumn: logColDedup,
}

var SlipsSchema = sheet.Schema{
	Name:      "Slips",
	Columns:   []string{"correlation_id", "user_id", "status", "amount", "payer_name", "ocr_text", "reason", "created", "updated"},
	KeyColumn: slipColID,
}

var ReferralsSchema = sheet.Schema{
	Name:      "Referrals",
	Columns:   []string{"edge", "referrer", "referee", "created"},
	KeyColumn: refColKey,
}

const timeLayout = time.RFC3339

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

// parseTime accepts RFC 3339 and the "2006-01-02 15:04:05" stamps found in
// older sheets. Blank or unreadable cells yield the zero time.
func parseTime(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	if t, err := time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC); err == nil {
		return t
	}
	return time.Time{}
}

// parseCount reads a counter cell; blank means zero.
func parseCount(row sheet.Row, column int) (int, error) {
	s := row.Cell(column)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: column %d: %v", ErrCorruptRow, column, err)
	}
	return n, nil
}
