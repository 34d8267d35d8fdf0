package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/sheet"
)

// EventRepo is the append-only Logs table.
type EventRepo struct {
	table sheet.Table
}

func NewEventRepo(table sheet.Table) *EventRepo {
	return &EventRepo{table: table}
}

// Append writes a free-form log row with no dedup key.
func (r *EventRepo) Append(ctx context.Context, at time.Time, accountKey, action, detail string) error {
	_, err := r.table.AppendRow(ctx, []string{formatTime(at), accountKey, action, detail, ""})
	return err
}

func (r *EventRepo) AppendUsage(ctx context.Context, e models.UsageEvent) error {
	return r.Append(ctx, e.Timestamp, e.AccountKey, models.ActionUse, e.Prompt)
}

// AppendCredit writes a credit row keyed by its dedup key. It reports false,
// without error, when the row is already present.
func (r *EventRepo) AppendCredit(ctx context.Context, e models.CreditEvent) (bool, error) {
	detail := fmt.Sprintf("+%d %s", e.Amount, e.CorrelationID)
	_, err := r.table.AppendRow(ctx, []string{
		formatTime(e.Timestamp), e.AccountKey, models.CreditAction(e.Source), detail, e.DedupKey(),
	})
	if errors.Is(err, sheet.ErrDuplicateKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *EventRepo) HasCredit(ctx context.Context, dedupKey string) (bool, error) {
	_, err := r.table.FindRow(ctx, dedupKey)
	if errors.Is(err, sheet.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// DailyCount is the number of log rows of one action on one date.
type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

// UsageByDate counts usage rows per calendar date (the first ten characters
// of the timestamp cell), oldest first.
func (r *EventRepo) UsageByDate(ctx context.Context) ([]DailyCount, error) {
	counts := make(map[string]int)
	err := r.table.Scan(ctx, func(row sheet.Row) error {
		if row.Cell(logColAction) != models.ActionUse {
			return nil
		}
		ts := row.Cell(logColTimestamp)
		if len(ts) < 10 {
			return nil
		}
		counts[ts[:10]]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	out := make([]DailyCount, 0, len(counts))
	for date, n := range counts {
		out = append(out, DailyCount{Date: date, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out, nil
}

// CountByAction tallies log rows per action, optionally for one account.
func (r *EventRepo) CountByAction(ctx context.Context, accountKey string) (map[string]int, error) {
	counts := make(map[string]int)
	err := r.table.Scan(ctx, func(row sheet.Row) error {
		if accountKey != "" && row.Cell(logColAccount) != accountKey {
			return nil
		}
		counts[row.Cell(logColAction)]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return counts, nil
}
