package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/lock"
	"github.com/duangjit/backend/internal/metrics"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/notify"
	"github.com/duangjit/backend/internal/ocr"
	"github.com/duangjit/backend/internal/repository"
	"github.com/duangjit/backend/internal/slip"
)

const maxSlipWriteAttempts = 5

var (
	ErrSlipNotFound      = errors.New("slip not found")
	ErrNoExtractedAmount = errors.New("slip has no extracted amount")
	ErrEmptyImage        = errors.New("empty slip image")
)

// SlipPolicy decides whether a readable slip is credited on upload or left
// for an administrator.
type SlipPolicy string

const (
	SlipPolicyAuto   SlipPolicy = "auto"
	SlipPolicyManual SlipPolicy = "manual"
)

// SlipStore is the slip table as the reconciler needs it.
type SlipStore interface {
	Get(ctx context.Context, correlationID string) (*repository.SlipRecord, error)
	Create(ctx context.Context, s *models.SlipSubmission) (*repository.SlipRecord, error)
	Transition(ctx context.Context, rec *repository.SlipRecord, status models.SlipStatus, reason string, amount *int64, at time.Time) (*repository.SlipRecord, error)
	ListByStatus(ctx context.Context, status models.SlipStatus) ([]*models.SlipSubmission, error)
}

// AuditLog is the free-form side of the event log.
type AuditLog interface {
	Append(ctx context.Context, at time.Time, accountKey, action, detail string) error
}

// SlipResult describes where a submission ended up after a call.
type SlipResult struct {
	CorrelationID string            `json:"correlation_id"`
	AccountKey    string            `json:"account_key"`
	Status        models.SlipStatus `json:"status"`
	Reason        string            `json:"reason,omitempty"`
	Amount        *int64            `json:"amount,omitempty"`
	PayerName     string            `json:"payer_name,omitempty"`
	Applied       bool              `json:"applied"`
	NeedsResubmit bool              `json:"needs_resubmit"`
	Redelivered   bool              `json:"redelivered"`
}

// SlipReconciler turns uploaded payment slips into credits.
type SlipReconciler struct {
	Ledger    ledger.Service
	Slips     SlipStore
	Audit     AuditLog
	Extractor ocr.Extractor
	Policy    SlipPolicy
	// Locker serialises uploads per account. Nil means an in-process lock.
	Locker lock.Locker
	// Notifier, when set, tells users about administrator decisions.
	Notifier notify.Notifier
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
	Now      func() time.Time

	lockOnce sync.Once
}

// uploadKey is distinct from the ledger's account key so the ledger calls
// made while it is held do not wait on it.
func uploadKey(accountKey string) string { return "slip-upload:" + accountKey }

func (r *SlipReconciler) locker() lock.Locker {
	r.lockOnce.Do(func() {
		if r.Locker == nil {
			r.Locker = lock.NewKeyed()
		}
	})
	return r.Locker
}

func (r *SlipReconciler) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().UTC()
}

func (r *SlipReconciler) log() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

// SlipCorrelationID derives the slip's id from its content, so the same
// image always maps to the same submission.
func SlipCorrelationID(image []byte) string {
	sum := sha256.Sum256(image)
	return "slip_" + hex.EncodeToString(sum[:])[:16]
}

// Submit records an uploaded slip, reads it and, under the auto policy,
// credits the amount found. Uploading the same image again settles the
// existing submission instead of creating a new one.
func (r *SlipReconciler) Submit(ctx context.Context, accountKey string, image []byte) (SlipResult, error) {
	if len(image) == 0 {
		return SlipResult{}, ErrEmptyImage
	}
	cid := SlipCorrelationID(image)

	rec, err := r.Slips.Get(ctx, cid)
	if err == nil {
		return r.redelivered(ctx, rec)
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return SlipResult{}, storeError("load slip", err)
	}

	text, err := r.Extractor.ExtractText(ctx, image)
	if err != nil {
		// Treated as unreadable; the user resubmits.
		r.log().Warn("ocr failed", "account", accountKey, "correlation_id", cid, "error", err)
		text = ""
	}
	info := ocr.ParsePaymentInfo(text)

	// Supersede, create and repoint lastSlipFile as one step per account,
	// otherwise two uploads can both miss each other and leave one pending.
	unlock, err := r.locker().Lock(ctx, uploadKey(accountKey))
	if err != nil {
		return SlipResult{}, fmt.Errorf("%w: %v", ledger.ErrLedgerContention, err)
	}
	defer unlock()

	acct, err := r.Ledger.EnsureAccount(ctx, accountKey, "")
	if err != nil {
		return SlipResult{}, err
	}
	if prev := acct.LastSlipFile; prev != "" && prev != cid {
		if err := r.supersede(ctx, prev); err != nil {
			return SlipResult{}, err
		}
	}

	now := r.now()
	reason := models.SlipReasonAwaitingReview
	if info.Amount == nil {
		reason = models.SlipReasonNoAmountFound
	}
	rec, err = r.Slips.Create(ctx, &models.SlipSubmission{
		CorrelationID:   cid,
		AccountKey:      accountKey,
		RawOCRText:      text,
		ExtractedAmount: info.Amount,
		PayerName:       info.Name,
		Status:          models.SlipStatusPending,
		Reason:          reason,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if errors.Is(err, repository.ErrDuplicate) {
		// A concurrent delivery of the same image won.
		rec, err = r.Slips.Get(ctx, cid)
		if err != nil {
			return SlipResult{}, storeError("reload slip", err)
		}
		return r.redelivered(ctx, rec)
	}
	if err != nil {
		return SlipResult{}, storeError("create slip", err)
	}

	if err := r.Ledger.SetLastSlip(ctx, accountKey, cid); err != nil {
		return SlipResult{}, err
	}
	detail := fmt.Sprintf("%s OCR: amount=%s name=%q", cid, formatAmount(info.Amount), info.Name)
	if err := r.Audit.Append(ctx, now, accountKey, models.ActionSlipUpload, detail); err != nil {
		r.log().Warn("slip upload not logged", "correlation_id", cid, "error", err)
	}

	res, err := r.settle(ctx, rec)
	if err == nil {
		r.Metrics.SlipOutcome(outcomeLabel(res))
	}
	return res, err
}

func (r *SlipReconciler) redelivered(ctx context.Context, rec *repository.SlipRecord) (SlipResult, error) {
	res, err := r.settle(ctx, rec)
	res.Redelivered = true
	return res, err
}

// settle moves a pending slip forward under the auto policy and re-issues
// the credit for an approved one. Re-issuing is a no-op once applied.
func (r *SlipReconciler) settle(ctx context.Context, rec *repository.SlipRecord) (SlipResult, error) {
	for attempt := 0; attempt < maxSlipWriteAttempts; attempt++ {
		switch rec.Status {
		case models.SlipStatusApproved:
			return r.reissue(ctx, rec)
		case models.SlipStatusRejected:
			return resultOf(rec), nil
		}
		if rec.ExtractedAmount == nil {
			res := resultOf(rec)
			res.NeedsResubmit = true
			return res, nil
		}
		if r.Policy == SlipPolicyManual {
			return resultOf(rec), nil
		}
		next, err := r.Slips.Transition(ctx, rec, models.SlipStatusApproved, models.SlipReasonAutoApproved, nil, r.now())
		if errors.Is(err, repository.ErrVersionConflict) {
			if rec, err = r.reload(ctx, rec.CorrelationID); err != nil {
				return SlipResult{}, err
			}
			continue
		}
		if err != nil {
			return SlipResult{}, storeError("approve slip", err)
		}
		return r.reissue(ctx, next)
	}
	return SlipResult{}, fmt.Errorf("%w: slip %s", ledger.ErrLedgerContention, rec.CorrelationID)
}

// reissue applies (or confirms) the credit for an approved slip using the
// source its approval was made under.
func (r *SlipReconciler) reissue(ctx context.Context, rec *repository.SlipRecord) (SlipResult, error) {
	res := resultOf(rec)
	if rec.ExtractedAmount == nil {
		return res, ErrNoExtractedAmount
	}
	source := models.CreditSourceAdminApprove
	if rec.Reason == models.SlipReasonAutoApproved {
		source = models.CreditSourceSlip
	}
	applied, err := r.Ledger.Credit(ctx, rec.AccountKey, source, rec.CorrelationID, int(*rec.ExtractedAmount))
	if err != nil {
		return res, err
	}
	res.Applied = applied
	return res, nil
}

// Approve settles a pending slip with the amount OCR found.
func (r *SlipReconciler) Approve(ctx context.Context, correlationID string) (SlipResult, error) {
	return r.approve(ctx, correlationID, nil)
}

// ApproveAmount settles a pending slip with an amount entered by the
// administrator, for slips OCR could not read.
func (r *SlipReconciler) ApproveAmount(ctx context.Context, correlationID string, amount int64) (SlipResult, error) {
	if amount <= 0 || amount > math.MaxInt32 {
		return SlipResult{}, ledger.ErrInvalidCreditAmount
	}
	return r.approve(ctx, correlationID, &amount)
}

func (r *SlipReconciler) approve(ctx context.Context, correlationID string, override *int64) (SlipResult, error) {
	for attempt := 0; attempt < maxSlipWriteAttempts; attempt++ {
		rec, err := r.reload(ctx, correlationID)
		if err != nil {
			return SlipResult{}, err
		}
		err = slip.Transition(rec.Status, models.SlipStatusApproved)
		if errors.Is(err, slip.ErrAlreadySettled) {
			// Retried approval: heal a credit that may not have landed.
			return r.reissue(ctx, rec)
		}
		if err != nil {
			return resultOf(rec), err
		}
		if override == nil && rec.ExtractedAmount == nil {
			return resultOf(rec), ErrNoExtractedAmount
		}
		next, err := r.Slips.Transition(ctx, rec, models.SlipStatusApproved, models.SlipReasonAdminApproved, override, r.now())
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return SlipResult{}, storeError("approve slip", err)
		}
		res, err := r.reissue(ctx, next)
		if err != nil {
			return res, err
		}
		detail := fmt.Sprintf("%s amount=%s", correlationID, formatAmount(next.ExtractedAmount))
		if err := r.Audit.Append(ctx, r.now(), next.AccountKey, models.ActionAdminApprove, detail); err != nil {
			r.log().Warn("approval not logged", "correlation_id", correlationID, "error", err)
		}
		r.Metrics.SlipOutcome("admin_approved")
		r.tell(ctx, next.AccountKey, notify.SlipCreditedText(int(*next.ExtractedAmount)))
		return res, nil
	}
	return SlipResult{}, fmt.Errorf("%w: slip %s", ledger.ErrLedgerContention, correlationID)
}

// Reject settles a pending slip without credit and frees the account to
// upload again.
func (r *SlipReconciler) Reject(ctx context.Context, correlationID string) (SlipResult, error) {
	for attempt := 0; attempt < maxSlipWriteAttempts; attempt++ {
		rec, err := r.reload(ctx, correlationID)
		if err != nil {
			return SlipResult{}, err
		}
		err = slip.Transition(rec.Status, models.SlipStatusRejected)
		if errors.Is(err, slip.ErrAlreadySettled) {
			return resultOf(rec), nil
		}
		if err != nil {
			return resultOf(rec), err
		}
		next, err := r.Slips.Transition(ctx, rec, models.SlipStatusRejected, models.SlipReasonAdminRejected, nil, r.now())
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return SlipResult{}, storeError("reject slip", err)
		}
		if err := r.Ledger.ClearLastSlip(ctx, next.AccountKey, correlationID); err != nil {
			return resultOf(next), err
		}
		if err := r.Audit.Append(ctx, r.now(), next.AccountKey, models.ActionAdminReject, correlationID); err != nil {
			r.log().Warn("rejection not logged", "correlation_id", correlationID, "error", err)
		}
		r.Metrics.SlipOutcome("admin_rejected")
		r.tell(ctx, next.AccountKey, notify.TextSlipRejected)
		return resultOf(next), nil
	}
	return SlipResult{}, fmt.Errorf("%w: slip %s", ledger.ErrLedgerContention, correlationID)
}

// Pending lists slips awaiting a decision, oldest first.
func (r *SlipReconciler) Pending(ctx context.Context) ([]*models.SlipSubmission, error) {
	list, err := r.Slips.ListByStatus(ctx, models.SlipStatusPending)
	if err != nil {
		return nil, storeError("list slips", err)
	}
	return list, nil
}

// supersede retires the account's previous pending slip when a new one
// arrives. Settled slips are left alone.
func (r *SlipReconciler) supersede(ctx context.Context, correlationID string) error {
	for attempt := 0; attempt < maxSlipWriteAttempts; attempt++ {
		rec, err := r.Slips.Get(ctx, correlationID)
		if errors.Is(err, repository.ErrNotFound) {
			return nil
		}
		if err != nil {
			return storeError("load previous slip", err)
		}
		if rec.Status != models.SlipStatusPending {
			return nil
		}
		_, err = r.Slips.Transition(ctx, rec, models.SlipStatusRejected, models.SlipReasonSuperseded, nil, r.now())
		if errors.Is(err, repository.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return storeError("supersede slip", err)
		}
		if err := r.Audit.Append(ctx, r.now(), rec.AccountKey, models.ActionSlipSupersede, correlationID); err != nil {
			r.log().Warn("supersede not logged", "correlation_id", correlationID, "error", err)
		}
		r.Metrics.SlipOutcome("superseded")
		return nil
	}
	return fmt.Errorf("%w: slip %s", ledger.ErrLedgerContention, correlationID)
}

func (r *SlipReconciler) reload(ctx context.Context, correlationID string) (*repository.SlipRecord, error) {
	rec, err := r.Slips.Get(ctx, correlationID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSlipNotFound, correlationID)
	}
	if err != nil {
		return nil, storeError("load slip", err)
	}
	return rec, nil
}

func (r *SlipReconciler) tell(ctx context.Context, accountKey, text string) {
	if r.Notifier == nil {
		return
	}
	if err := r.Notifier.Push(ctx, accountKey, notify.Text(text)); err != nil {
		r.log().Warn("notify failed", "account", accountKey, "error", err)
	}
}

func resultOf(rec *repository.SlipRecord) SlipResult {
	return SlipResult{
		CorrelationID: rec.CorrelationID,
		AccountKey:    rec.AccountKey,
		Status:        rec.Status,
		Reason:        rec.Reason,
		Amount:        rec.ExtractedAmount,
		PayerName:     rec.PayerName,
	}
}

func outcomeLabel(res SlipResult) string {
	switch {
	case res.NeedsResubmit:
		return "no_amount"
	case res.Status == models.SlipStatusApproved:
		return "auto_approved"
	default:
		return string(res.Status)
	}
}

func formatAmount(a *int64) string {
	if a == nil {
		return "none"
	}
	return fmt.Sprint(*a)
}

// storeError maps repository failures onto the ledger's error taxonomy.
func storeError(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ledger.ErrStoreUnavailable, op, err)
}
