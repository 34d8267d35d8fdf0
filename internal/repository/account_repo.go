package repository

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/sheet"
)

// AccountRecord is an account together with the row version it was read at.
type AccountRecord struct {
	models.Account
	handle  sheet.Handle
	Version int64
}

type AccountRepo struct {
	table sheet.Table
}

func NewAccountRepo(table sheet.Table) *AccountRepo {
	return &AccountRepo{table: table}
}

func (r *AccountRepo) Get(ctx context.Context, key string) (*AccountRecord, error) {
	row, err := r.table.FindRow(ctx, key)
	if err != nil {
		return nil, err
	}
	return decodeAccount(row)
}

// Create appends a new account row. ErrDuplicate means another writer got
// there first; callers reload.
func (r *AccountRepo) Create(ctx context.Context, a *models.Account) (*AccountRecord, error) {
	row, err := r.table.AppendRow(ctx, encodeAccount(a))
	if err != nil {
		return nil, err
	}
	return decodeAccount(row)
}

// CompareAndSwap writes next over rec if the row has not changed since rec
// was read. It returns ErrVersionConflict otherwise.
func (r *AccountRepo) CompareAndSwap(ctx context.Context, rec *AccountRecord, next *models.Account) (*AccountRecord, error) {
	cells := encodeAccount(next)
	update := make(map[int]string, len(cells)-1)
	for i, v := range cells {
		if i != userColKey {
			update[i] = v
		}
	}
	version, err := r.table.UpdateCells(ctx, rec.handle, rec.Version, update)
	if err != nil {
		return nil, err
	}
	out := &AccountRecord{Account: *next, handle: rec.handle, Version: version}
	out.Key = rec.Key
	return out, nil
}

// SetDisplayName overwrites the name cell without a version check. The
// name is informational and never read back by the ledger.
func (r *AccountRepo) SetDisplayName(ctx context.Context, rec *AccountRecord, name string) error {
	return r.table.UpdateCell(ctx, rec.handle, userColName, name)
}

func (r *AccountRepo) List(ctx context.Context) ([]*models.Account, error) {
	var list []*models.Account
	err := r.table.Scan(ctx, func(row sheet.Row) error {
		rec, err := decodeAccount(row)
		if err != nil {
			return err
		}
		a := rec.Account
		list = append(list, &a)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return list, nil
}

func encodeAccount(a *models.Account) []string {
	cells := make([]string, UsersSchema.Width())
	cells[userColKey] = a.Key
	cells[userColName] = a.DisplayName
	cells[userColUsage] = strconv.Itoa(a.Usage)
	cells[userColQuota] = strconv.Itoa(a.Quota)
	cells[userColSlip] = a.LastSlipFile
	if !a.UpdatedAt.IsZero() {
		cells[userColUpdated] = formatTime(a.UpdatedAt)
	}
	cells[userColLastCredit] = EncodeCreditMark(a.LastCredit)
	return cells
}

func decodeAccount(row sheet.Row) (*AccountRecord, error) {
	usage, err := parseCount(row, userColUsage)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", row.Cell(userColKey), err)
	}
	quota, err := parseCount(row, userColQuota)
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", row.Cell(userColKey), err)
	}
	mark, err := DecodeCreditMark(row.Cell(userColLastCredit))
	if err != nil {
		return nil, fmt.Errorf("account %s: %w", row.Cell(userColKey), err)
	}
	return &AccountRecord{
		Account: models.Account{
			Key:          row.Cell(userColKey),
			DisplayName:  row.Cell(userColName),
			Usage:        usage,
			Quota:        quota,
			LastSlipFile: row.Cell(userColSlip),
			UpdatedAt:    parseTime(row.Cell(userColUpdated)),
			LastCredit:   mark,
		},
		handle:  row.Handle,
		Version: row.Version,
	}, nil
}

// EncodeCreditMark renders "source|amount|correlationId"; nil is "".
func EncodeCreditMark(m *models.CreditMark) string {
	if m == nil {
		return ""
	}
	return string(m.Source) + "|" + strconv.Itoa(m.Amount) + "|" + m.CorrelationID
}

// DecodeCreditMark parses EncodeCreditMark output. The correlation id is
// the remainder and may itself contain '|'.
func DecodeCreditMark(s string) (*models.CreditMark, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.SplitN(s, "|", 3)
	if len(parts) != 3 {
		return nil, fmt.Errorf("%w: credit mark %q", ErrCorruptRow, s)
	}
	amount, err := strconv.Atoi(parts[1])
	if err != nil {
		return nil, fmt.Errorf("%w: credit mark %q", ErrCorruptRow, s)
	}
	return &models.CreditMark{
		Source:        models.CreditSource(parts[0]),
		Amount:        amount,
		CorrelationID: parts[2],
	}, nil
}
