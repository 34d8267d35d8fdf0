package repository

import (
	"context"
	"errors"

	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/sheet"
)

type ReferralRepo struct {
	table sheet.Table
}

func NewReferralRepo(table sheet.Table) *ReferralRepo {
	return &ReferralRepo{table: table}
}

func (r *ReferralRepo) Exists(ctx context.Context, referrer, referee string) (bool, error) {
	_, err := r.table.FindRow(ctx, models.ReferralKey(referrer, referee))
	if errors.Is(err, sheet.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create records the edge. An existing edge is not an error; created
// reports whether this call added it.
func (r *ReferralRepo) Create(ctx context.Context, e models.ReferralEdge) (bool, error) {
	_, err := r.table.AppendRow(ctx, []string{e.Key(), e.Referrer, e.Referee, formatTime(e.CreatedAt)})
	if errors.Is(err, sheet.ErrDuplicateKey) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
