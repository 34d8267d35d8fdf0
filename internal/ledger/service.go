// Package ledger owns every change to an account's usage and quota.
//
// Each mutation runs under a per-account lock and commits with a
// compare-and-swap on the account row's version, so the row write is the
// single commit point. Credits also stamp the row with a marker of the last
// applied credit; if the matching log row was lost the next credit for the
// account restores it before deduplicating.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/duangjit/backend/internal/lock"
	"github.com/duangjit/backend/internal/metrics"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/repository"
)

const DefaultMaxAttempts = 5

// AccountStore is the account table as the ledger needs it.
type AccountStore interface {
	Get(ctx context.Context, key string) (*repository.AccountRecord, error)
	Create(ctx context.Context, a *models.Account) (*repository.AccountRecord, error)
	CompareAndSwap(ctx context.Context, rec *repository.AccountRecord, next *models.Account) (*repository.AccountRecord, error)
	SetDisplayName(ctx context.Context, rec *repository.AccountRecord, name string) error
}

// EventLog is the append-only audit log.
type EventLog interface {
	Append(ctx context.Context, at time.Time, accountKey, action, detail string) error
	AppendUsage(ctx context.Context, e models.UsageEvent) error
	AppendCredit(ctx context.Context, e models.CreditEvent) (bool, error)
	HasCredit(ctx context.Context, dedupKey string) (bool, error)
}

// Consumption is the outcome of TryConsume. OK=false with a nil error
// means the quota is exhausted.
type Consumption struct {
	OK        bool `json:"ok"`
	Remaining int  `json:"remaining"`
	Usage     int  `json:"usage"`
}

type Service interface {
	EnsureAccount(ctx context.Context, key, displayName string) (*models.Account, error)
	TryConsume(ctx context.Context, key string) (Consumption, error)
	TryConsumeWithPrompt(ctx context.Context, key, prompt string) (Consumption, error)
	Credit(ctx context.Context, key string, source models.CreditSource, correlationID string, amount int) (bool, error)
	Balance(ctx context.Context, key string) (usage, quota int, err error)
	SetLastSlip(ctx context.Context, key, file string) error
	ClearLastSlip(ctx context.Context, key, file string) error
	Reset(ctx context.Context, key string) error
}

type Option func(*service)

func WithMaxAttempts(n int) Option {
	return func(s *service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// WithInitialQuota sets the quota given to accounts on creation.
func WithInitialQuota(q int) Option {
	return func(s *service) {
		if q >= 0 {
			s.initialQuota = q
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *service) {
		if l != nil {
			s.log = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *service) { s.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(s *service) { s.now = now }
}

type service struct {
	accounts     AccountStore
	events       EventLog
	locker       lock.Locker
	maxAttempts  int
	initialQuota int
	log          *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

func NewService(accounts AccountStore, events EventLog, locker lock.Locker, opts ...Option) Service {
	s := &service{
		accounts:    accounts,
		events:      events,
		locker:      locker,
		maxAttempts: DefaultMaxAttempts,
		log:         slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	if s.locker == nil {
		s.locker = lock.NewKeyed()
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

var _ Service = (*service)(nil)

func (s *service) EnsureAccount(ctx context.Context, key, displayName string) (*models.Account, error) {
	if key == "" {
		return nil, ErrEmptyAccountKey
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return nil, storeErr("lock", err)
	}
	defer unlock()

	rec, err := s.load(ctx, key, displayName)
	if err != nil {
		return nil, err
	}
	if displayName != "" && rec.DisplayName != displayName {
		if err := s.accounts.SetDisplayName(ctx, rec, displayName); err != nil {
			return nil, storeErr("set display name", err)
		}
		rec.DisplayName = displayName
	}
	a := rec.Account
	return &a, nil
}

func (s *service) TryConsume(ctx context.Context, key string) (Consumption, error) {
	return s.TryConsumeWithPrompt(ctx, key, "")
}

// TryConsumeWithPrompt is TryConsume recording prompt on the usage event.
func (s *service) TryConsumeWithPrompt(ctx context.Context, key, prompt string) (Consumption, error) {
	if key == "" {
		return Consumption{}, ErrEmptyAccountKey
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		s.metrics.Consume(metrics.ConsumeError)
		return Consumption{}, storeErr("lock", err)
	}
	defer unlock()

	var res Consumption
	_, err = s.update(ctx, key, func(cur *repository.AccountRecord) (*models.Account, error) {
		if !Eligible(cur.Usage, cur.Quota) {
			res = Consumption{OK: false, Remaining: cur.Remaining(), Usage: cur.Usage}
			return nil, nil
		}
		next := cur.Account
		next.Usage++
		next.UpdatedAt = s.now()
		res = Consumption{OK: true, Remaining: next.Remaining(), Usage: next.Usage}
		return &next, nil
	})
	if err != nil {
		s.metrics.Consume(metrics.ConsumeError)
		return Consumption{}, err
	}
	if !res.OK {
		s.metrics.Consume(metrics.ConsumeExhausted)
		return res, nil
	}
	s.metrics.Consume(metrics.ConsumeOK)

	// The unit is spent once the row is written; a lost audit row does not
	// undo it.
	ev := models.UsageEvent{AccountKey: key, Timestamp: s.now(), Prompt: prompt}
	if err := s.events.AppendUsage(ctx, ev); err != nil {
		s.metrics.AuditError()
		s.log.Warn("usage event not recorded", "account", key, "usage", res.Usage, "error", err)
	}
	return res, nil
}

func (s *service) Credit(ctx context.Context, key string, source models.CreditSource, correlationID string, amount int) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidCreditAmount
	}
	if !source.Valid() {
		return false, fmt.Errorf("%w: %q", ErrInvalidCreditSource, source)
	}
	if correlationID == "" {
		return false, ErrMissingCorrelation
	}
	if key == "" {
		return false, ErrEmptyAccountKey
	}

	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		s.metrics.Credit(string(source), metrics.CreditError, 0)
		return false, storeErr("lock", err)
	}
	defer unlock()

	dedupKey := models.CreditDedupKey(key, source, correlationID)
	var applied bool
	_, err = s.update(ctx, key, func(cur *repository.AccountRecord) (*models.Account, error) {
		applied = false
		if err := s.repair(ctx, cur); err != nil {
			return nil, err
		}
		seen, err := s.events.HasCredit(ctx, dedupKey)
		if err != nil {
			return nil, err
		}
		if seen {
			return nil, nil
		}
		next := cur.Account
		next.Quota += amount
		next.UpdatedAt = s.now()
		next.LastCredit = &models.CreditMark{Source: source, CorrelationID: correlationID, Amount: amount}
		applied = true
		return &next, nil
	})
	if err != nil {
		s.metrics.Credit(string(source), metrics.CreditError, 0)
		return false, err
	}
	if !applied {
		s.metrics.Credit(string(source), metrics.CreditDuplicate, 0)
		s.log.Info("credit already applied", "account", key, "source", source, "correlation_id", correlationID)
		return false, nil
	}
	s.metrics.Credit(string(source), metrics.CreditApplied, amount)

	ev := models.CreditEvent{AccountKey: key, Timestamp: s.now(), Source: source, Amount: amount, CorrelationID: correlationID}
	if _, err := s.events.AppendCredit(ctx, ev); err != nil {
		// The row marker still names this credit; the next credit on the
		// account writes the log row before it deduplicates.
		s.metrics.AuditError()
		s.log.Warn("credit event not recorded", "account", key, "dedup_key", dedupKey, "error", err)
	}
	s.log.Info("credit applied", "account", key, "source", source, "amount", amount, "correlation_id", correlationID)
	return true, nil
}

// repair appends the log row for the credit marked on cur if it is missing.
func (s *service) repair(ctx context.Context, cur *repository.AccountRecord) error {
	m := cur.LastCredit
	if m == nil {
		return nil
	}
	ev := models.CreditEvent{
		AccountKey:    cur.Key,
		Timestamp:     cur.UpdatedAt,
		Source:        m.Source,
		Amount:        m.Amount,
		CorrelationID: m.CorrelationID,
	}
	seen, err := s.events.HasCredit(ctx, ev.DedupKey())
	if err != nil || seen {
		return err
	}
	if _, err := s.events.AppendCredit(ctx, ev); err != nil {
		return err
	}
	s.metrics.Credit(string(m.Source), metrics.CreditRepaired, 0)
	s.log.Warn("restored missing credit event", "account", cur.Key, "dedup_key", ev.DedupKey())
	return nil
}

func (s *service) Balance(ctx context.Context, key string) (int, int, error) {
	rec, err := s.accounts.Get(ctx, key)
	if errors.Is(err, repository.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, storeErr("balance", err)
	}
	return rec.Usage, rec.Quota, nil
}

func (s *service) SetLastSlip(ctx context.Context, key, file string) error {
	return s.mutate(ctx, key, func(a *models.Account) bool {
		if a.LastSlipFile == file {
			return false
		}
		a.LastSlipFile = file
		return true
	})
}

// ClearLastSlip clears the slip reference only while it still names file.
func (s *service) ClearLastSlip(ctx context.Context, key, file string) error {
	return s.mutate(ctx, key, func(a *models.Account) bool {
		if a.LastSlipFile == "" || a.LastSlipFile != file {
			return false
		}
		a.LastSlipFile = ""
		return true
	})
}

// Reset zeroes usage and quota. It is the only path that lowers either.
func (s *service) Reset(ctx context.Context, key string) error {
	var before models.Account
	err := s.mutate(ctx, key, func(a *models.Account) bool {
		before = *a
		a.Usage = 0
		a.Quota = 0
		return true
	})
	if err != nil {
		return err
	}
	detail := fmt.Sprintf("usage %d->0 quota %d->0", before.Usage, before.Quota)
	if err := s.events.Append(ctx, s.now(), key, models.ActionAdminReset, detail); err != nil {
		s.log.Warn("reset event not recorded", "account", key, "error", err)
	}
	s.log.Info("account reset", "account", key, "usage", before.Usage, "quota", before.Quota)
	return nil
}

// mutate runs a simple field change under the account lock. fn reports
// whether anything changed.
func (s *service) mutate(ctx context.Context, key string, fn func(a *models.Account) bool) error {
	if key == "" {
		return ErrEmptyAccountKey
	}
	unlock, err := s.locker.Lock(ctx, key)
	if err != nil {
		return storeErr("lock", err)
	}
	defer unlock()

	_, err = s.update(ctx, key, func(cur *repository.AccountRecord) (*models.Account, error) {
		next := cur.Account
		if !fn(&next) {
			return nil, nil
		}
		next.UpdatedAt = s.now()
		return &next, nil
	})
	return err
}

// update loads the row, asks change for the next state and writes it by
// compare-and-swap, starting over on a version conflict. A nil next state
// means there is nothing to write. The caller holds the account lock.
func (s *service) update(ctx context.Context, key string, change func(cur *repository.AccountRecord) (*models.Account, error)) (*repository.AccountRecord, error) {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		cur, err := s.load(ctx, key, "")
		if err != nil {
			return nil, err
		}
		next, err := change(cur)
		if err != nil {
			return nil, storeErr("prepare update", err)
		}
		if next == nil {
			return cur, nil
		}
		rec, err := s.accounts.CompareAndSwap(ctx, cur, next)
		if err == nil {
			return rec, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, storeErr("write account", err)
		}
		s.metrics.CASRetry()
		s.log.Debug("account row changed, retrying", "account", key, "attempt", attempt)
	}
	return nil, fmt.Errorf("%w: %s after %d attempts", ErrLedgerContention, key, s.maxAttempts)
}

// load returns the account row, creating it on first sight. Concurrent
// creators converge on whichever row landed first.
func (s *service) load(ctx context.Context, key, displayName string) (*repository.AccountRecord, error) {
	rec, err := s.accounts.Get(ctx, key)
	if err == nil {
		return rec, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, storeErr("read account", err)
	}
	if displayName == "" {
		displayName = models.DefaultDisplayName
	}
	rec, err = s.accounts.Create(ctx, &models.Account{
		Key:         key,
		DisplayName: displayName,
		Quota:       s.initialQuota,
		UpdatedAt:   s.now(),
	})
	if errors.Is(err, repository.ErrDuplicate) {
		rec, err = s.accounts.Get(ctx, key)
	}
	if err != nil {
		return nil, storeErr("create account", err)
	}
	s.log.Info("account created", "account", key)
	return rec, nil
}
