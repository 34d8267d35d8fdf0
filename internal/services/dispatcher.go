package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/metrics"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/notify"
)

var (
	ErrUnknownEvent = errors.New("unknown event type")
	ErrNotAdmin     = errors.New("account is not an administrator")
	ErrUnknownAdmin = errors.New("unknown admin action")
)

// Dispatcher routes inbound events to the ledger and reconcilers and runs
// the background tasks they queue.
type Dispatcher struct {
	Ledger    ledger.Service
	Slips     *SlipReconciler
	Referrals *ReferralReconciler
	Notifier  notify.Notifier
	Replies   notify.ReplyGenerator
	// Queue is bound after construction; it usually needs the dispatcher
	// as its runner.
	Queue       TaskQueue
	InviteEvery int
	Admins      map[string]bool
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

func NewDispatcher(
	ledgerSvc ledger.Service,
	slips *SlipReconciler,
	referrals *ReferralReconciler,
	notifier notify.Notifier,
	replies notify.ReplyGenerator,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		Ledger:    ledgerSvc,
		Slips:     slips,
		Referrals: referrals,
		Notifier:  notifier,
		Replies:   replies,
		Logger:    logger,
	}
}

var _ TaskRunner = (*Dispatcher)(nil)

// Dispatch handles one event. A redelivered usage request is skipped
// because consumption carries no dedup key. Every other event type is
// re-run on redelivery: its credits are keyed by correlation id and its
// slip and referral writes are idempotent.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) (Outcome, error) {
	out := Outcome{Type: ev.Type}
	if ev.Redelivery && ev.Type == EventUsageRequested {
		out.Status = StatusSkipped
		return out, nil
	}
	var err error
	switch ev.Type {
	case EventUsageRequested:
		err = d.usage(ctx, ev, &out)
	case EventImageUploaded:
		err = d.image(ctx, ev, &out)
	case EventShareClicked:
		err = d.share(ctx, ev, &out)
	case EventFollow:
		err = d.follow(ctx, ev, &out)
	case EventAdminAction:
		err = d.admin(ctx, ev, &out)
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownEvent, ev.Type)
	}
	if err != nil {
		d.Logger.Warn("event failed", "type", ev.Type, "account", ev.AccountKey, "error", err)
	}
	return out, err
}

func (d *Dispatcher) usage(ctx context.Context, ev Event, out *Outcome) error {
	if strings.EqualFold(strings.TrimSpace(ev.Text), BalanceCommand) {
		out.Status = StatusBalance
		usage, quota, err := d.Ledger.Balance(ctx, ev.AccountKey)
		if err != nil {
			d.push(ctx, ev.AccountKey, notify.TextUnavailable)
			return err
		}
		if usage == 0 && quota == 0 {
			d.push(ctx, ev.AccountKey, notify.TextNoAccount)
			return nil
		}
		d.push(ctx, ev.AccountKey, notify.BalanceText(usage, quota))
		return nil
	}

	res, err := d.Ledger.TryConsumeWithPrompt(ctx, ev.AccountKey, ev.Text)
	if err != nil {
		d.push(ctx, ev.AccountKey, notify.TextUnavailable)
		return err
	}
	out.Consumption = &res
	if !res.OK {
		out.Status = StatusExhausted
		d.push(ctx, ev.AccountKey, notify.TextPaymentPrompt)
		return nil
	}
	out.Status = StatusConsumed

	task := ReplyTask{AccountKey: ev.AccountKey, Prompt: ev.Text}
	if err := d.enqueueReply(ctx, task); err != nil {
		// The unit is already spent; answer on this goroutine instead.
		d.Logger.Warn("reply not queued, sending inline", "account", ev.AccountKey, "error", err)
		if err := d.SendReply(ctx, task); err != nil {
			return err
		}
	}
	if ledger.ShouldInvite(res.Usage, d.InviteEvery) {
		d.push(ctx, ev.AccountKey, notify.TextInvitePrompt)
	}
	return nil
}

func (d *Dispatcher) image(ctx context.Context, ev Event, out *Outcome) error {
	if len(ev.Image) == 0 {
		return ErrEmptyImage
	}
	task := SlipTask{AccountKey: ev.AccountKey, Image: ev.Image}
	if d.Queue == nil {
		res, err := d.processSlip(ctx, task)
		if err != nil {
			return err
		}
		out.Status = StatusSettled
		out.Slip = &res
		return nil
	}
	if err := d.Queue.EnqueueSlip(ctx, task); err != nil {
		d.push(ctx, ev.AccountKey, notify.TextUnavailable)
		return fmt.Errorf("queue slip: %w", err)
	}
	out.Status = StatusQueued
	return nil
}

func (d *Dispatcher) share(ctx context.Context, ev Event, out *Outcome) error {
	applied, err := d.Referrals.Refer(ctx, ev.Referrer, ev.AccountKey)
	if err != nil {
		return err
	}
	out.Status = StatusReferred
	if !applied {
		out.Status = StatusDuplicate
	}
	return nil
}

func (d *Dispatcher) follow(ctx context.Context, ev Event, out *Outcome) error {
	if _, err := d.Ledger.EnsureAccount(ctx, ev.AccountKey, ev.DisplayName); err != nil {
		return err
	}
	d.push(ctx, ev.AccountKey, notify.TextWelcome)
	out.Status = StatusWelcomed
	if ev.Referrer == "" {
		return nil
	}
	applied, err := d.Referrals.Refer(ctx, ev.Referrer, ev.AccountKey)
	if err != nil {
		return err
	}
	if applied {
		out.Status = StatusReferred
	}
	return nil
}

func (d *Dispatcher) admin(ctx context.Context, ev Event, out *Outcome) error {
	if !d.Admins[ev.AccountKey] {
		return ErrNotAdmin
	}
	var (
		res SlipResult
		err error
	)
	switch ev.Action {
	case AdminActionApprove:
		if ev.Amount != nil {
			res, err = d.Slips.ApproveAmount(ctx, ev.CorrelationID, *ev.Amount)
		} else {
			res, err = d.Slips.Approve(ctx, ev.CorrelationID)
		}
	case AdminActionReject:
		res, err = d.Slips.Reject(ctx, ev.CorrelationID)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAdmin, ev.Action)
	}
	if err != nil {
		return err
	}
	out.Status = StatusSettled
	out.Slip = &res
	return nil
}

func (d *Dispatcher) enqueueReply(ctx context.Context, t ReplyTask) error {
	if d.Queue == nil {
		return d.SendReply(ctx, t)
	}
	return d.Queue.EnqueueReply(ctx, t)
}

// ProcessSlip reads and settles a slip, then tells the user the result.
func (d *Dispatcher) ProcessSlip(ctx context.Context, t SlipTask) error {
	_, err := d.processSlip(ctx, t)
	return err
}

func (d *Dispatcher) processSlip(ctx context.Context, t SlipTask) (SlipResult, error) {
	res, err := d.Slips.Submit(ctx, t.AccountKey, t.Image)
	if err != nil {
		d.push(ctx, t.AccountKey, notify.TextUnavailable)
		return res, err
	}
	if text := slipMessage(res); text != "" {
		d.push(ctx, t.AccountKey, text)
	}
	return res, nil
}

func slipMessage(res SlipResult) string {
	switch {
	case res.NeedsResubmit:
		return notify.TextSlipResubmit
	case res.Applied && res.Amount != nil:
		return notify.SlipCreditedText(int(*res.Amount))
	case res.Status == models.SlipStatusRejected:
		return notify.TextSlipRejected
	case res.Redelivered:
		return ""
	case res.Status == models.SlipStatusPending:
		return notify.TextSlipUnderReview
	}
	return ""
}

// SendReply generates the answer for a consumed prompt and pushes it. A
// failed generation is answered with an apology rather than retried: the
// unit was spent when the prompt was accepted.
func (d *Dispatcher) SendReply(ctx context.Context, t ReplyTask) error {
	text := notify.TextReplyFallback
	if d.Replies != nil {
		reply, err := d.Replies.GenerateReply(ctx, t.Prompt)
		if err != nil {
			d.Metrics.TaskFailed("generate_reply")
			d.Logger.Warn("reply generation failed", "account", t.AccountKey, "error", err)
		} else {
			text = reply
		}
	}
	if d.Notifier == nil {
		return nil
	}
	return d.Notifier.Push(ctx, t.AccountKey, notify.Text(text))
}

func (d *Dispatcher) push(ctx context.Context, to, text string) {
	if d.Notifier == nil {
		return
	}
	if err := d.Notifier.Push(ctx, to, notify.Text(text)); err != nil {
		d.Logger.Warn("notify failed", "account", to, "error", err)
	}
}
