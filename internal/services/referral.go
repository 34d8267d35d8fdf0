package services

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/notify"
)

var (
	ErrInvalidReferral    = errors.New("referral needs both referrer and referee")
	ErrSelfReferralDenied = errors.New("self-referral denied")
)

type ReferralStore interface {
	Exists(ctx context.Context, referrer, referee string) (bool, error)
	Create(ctx context.Context, e models.ReferralEdge) (bool, error)
}

// ReferralReconciler rewards a referrer once per referee.
type ReferralReconciler struct {
	Ledger    ledger.Service
	Referrals ReferralStore
	Reward    int
	Notifier  notify.Notifier
	Logger    *slog.Logger
	Now       func() time.Time
}

// Refer credits referrer for bringing referee. It returns false without
// error when the pair was already rewarded.
//
// The credit is applied before the edge is written: its correlation id is
// the pair itself, so a crash in between is healed by re-issuing.
func (r *ReferralReconciler) Refer(ctx context.Context, referrer, referee string) (bool, error) {
	referrer = strings.TrimSpace(referrer)
	referee = strings.TrimSpace(referee)
	if referrer == "" || referee == "" {
		return false, ErrInvalidReferral
	}
	if referrer == referee {
		return false, ErrSelfReferralDenied
	}
	log := r.Logger
	if log == nil {
		log = slog.Default()
	}

	exists, err := r.Referrals.Exists(ctx, referrer, referee)
	if err != nil {
		return false, storeError("load referral", err)
	}
	if exists {
		return false, nil
	}

	applied, err := r.Ledger.Credit(ctx, referrer, models.CreditSourceReferral, models.ReferralKey(referrer, referee), r.Reward)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	if r.Now != nil {
		now = r.Now()
	}
	if _, err := r.Referrals.Create(ctx, models.ReferralEdge{Referrer: referrer, Referee: referee, CreatedAt: now}); err != nil {
		return applied, storeError("record referral", err)
	}
	if applied {
		log.Info("referral rewarded", "referrer", referrer, "referee", referee, "amount", r.Reward)
		if r.Notifier != nil {
			if err := r.Notifier.Push(ctx, referrer, notify.Text(notify.ReferralCreditedText(r.Reward))); err != nil {
				log.Warn("notify failed", "account", referrer, "error", err)
			}
		}
	}
	return applied, nil
}
