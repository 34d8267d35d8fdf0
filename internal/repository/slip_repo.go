package repository

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/sheet"
)

type SlipRecord struct {
	models.SlipSubmission
	handle  sheet.Handle
	Version int64
}

type SlipRepo struct {
	table sheet.Table
}

func NewSlipRepo(table sheet.Table) *SlipRepo {
	return &SlipRepo{table: table}
}

func (r *SlipRepo) Get(ctx context.Context, correlationID string) (*SlipRecord, error) {
	row, err := r.table.FindRow(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	return decodeSlip(row)
}

func (r *SlipRepo) Create(ctx context.Context, s *models.SlipSubmission) (*SlipRecord, error) {
	row, err := r.table.AppendRow(ctx, encodeSlip(s))
	if err != nil {
		return nil, err
	}
	return decodeSlip(row)
}

// Transition moves rec to status if the row is unchanged since it was read.
// A non-nil amount replaces the extracted amount in the same write. The
// caller validates the move itself.
func (r *SlipRepo) Transition(ctx context.Context, rec *SlipRecord, status models.SlipStatus, reason string, amount *int64, at time.Time) (*SlipRecord, error) {
	update := map[int]string{
		slipColStatus:  string(status),
		slipColReason:  reason,
		slipColUpdated: formatTime(at),
	}
	if amount != nil {
		update[slipColAmount] = strconv.FormatInt(*amount, 10)
	}
	version, err := r.table.UpdateCells(ctx, rec.handle, rec.Version, update)
	if err != nil {
		return nil, err
	}
	next := *rec
	next.Status = status
	next.Reason = reason
	next.UpdatedAt = at.UTC()
	if amount != nil {
		v := *amount
		next.ExtractedAmount = &v
	}
	next.Version = version
	return &next, nil
}

// ListByStatus returns submissions in upload order.
func (r *SlipRepo) ListByStatus(ctx context.Context, status models.SlipStatus) ([]*models.SlipSubmission, error) {
	var list []*models.SlipSubmission
	err := r.table.Scan(ctx, func(row sheet.Row) error {
		if models.SlipStatus(row.Cell(slipColStatus)) != status {
			return nil
		}
		rec, err := decodeSlip(row)
		if err != nil {
			return err
		}
		s := rec.SlipSubmission
		list = append(list, &s)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func encodeSlip(s *models.SlipSubmission) []string {
	cells := make([]string, SlipsSchema.Width())
	cells[slipColID] = s.CorrelationID
	cells[slipColAccount] = s.AccountKey
	cells[slipColStatus] = string(s.Status)
	if s.ExtractedAmount != nil {
		cells[slipColAmount] = strconv.FormatInt(*s.ExtractedAmount, 10)
	}
	cells[slipColPayer] = s.PayerName
	cells[slipColOCR] = s.RawOCRText
	cells[slipColReason] = s.Reason
	cells[slipColCreated] = formatTime(s.CreatedAt)
	cells[slipColUpdated] = formatTime(s.UpdatedAt)
	return cells
}

func decodeSlip(row sheet.Row) (*SlipRecord, error) {
	var amount *int64
	if s := row.Cell(slipColAmount); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("slip %s: %w: amount %q", row.Cell(slipColID), ErrCorruptRow, s)
		}
		amount = &v
	}
	return &SlipRecord{
		SlipSubmission: models.SlipSubmission{
			CorrelationID:   row.Cell(slipColID),
			AccountKey:      row.Cell(slipColAccount),
			Status:          models.SlipStatus(row.Cell(slipColStatus)),
			ExtractedAmount: amount,
			PayerName:       row.Cell(slipColPayer),
			RawOCRText:      row.Cell(slipColOCR),
			Reason:          row.Cell(slipColReason),
			CreatedAt:       parseTime(row.Cell(slipColCreated)),
			UpdatedAt:       parseTime(row.Cell(slipColUpdated)),
		},
		handle:  row.Handle,
		Version: row.Version,
	}, nil
}
