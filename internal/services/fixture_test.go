package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/lock"
	"github.com/duangjit/backend/internal/notify"
	"github.com/duangjit/backend/internal/ocr"
	"github.com/duangjit/backend/internal/repository"
	"github.com/duangjit/backend/internal/sheet"
)

// ---------------------------------------------------------------------------
// Shared fixture: real ledger and repositories over in-memory sheets, a fake
// OCR engine that returns the image bytes as text, and a recording notifier.
// ---------------------------------------------------------------------------

type recordingNotifier struct {
	mu   sync.Mutex
	sent map[string][]string
}

func (n *recordingNotifier) Push(_ context.Context, to string, messages ...notify.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sent == nil {
		n.sent = make(map[string][]string)
	}
	for _, m := range messages {
		n.sent[to] = append(n.sent[to], m.Text)
	}
	return nil
}

func (n *recordingNotifier) last(to string) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.sent[to]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (n *recordingNotifier) all(to string) []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent[to]...)
}

// textOCR treats the image bytes as the OCR result. Images starting with
// "FAIL" make the engine error.
var textOCR = ocr.ExtractorFunc(func(_ context.Context, image []byte) (string, error) {
	if strings.HasPrefix(string(image), "FAIL") {
		return "", errors.New("tesseract crashed")
	}
	return string(image), nil
})

type fixture struct {
	ledger    ledger.Service
	accounts  *repository.AccountRepo
	events    *repository.EventRepo
	slips     *repository.SlipRepo
	referrals *repository.ReferralRepo
	notifier  *recordingNotifier
	slipRec   *SlipReconciler
	refRec    *ReferralReconciler
}

func newFixture(t *testing.T, policy SlipPolicy) *fixture {
	t.Helper()
	f := &fixture{
		accounts:  repository.NewAccountRepo(sheet.NewMemory(repository.UsersSchema)),
		events:    repository.NewEventRepo(sheet.NewMemory(repository.LogsSchema)),
		slips:     repository.NewSlipRepo(sheet.NewMemory(repository.SlipsSchema)),
		referrals: repository.NewReferralRepo(sheet.NewMemory(repository.ReferralsSchema)),
		notifier:  &recordingNotifier{},
	}
	f.ledger = ledger.NewService(f.accounts, f.events, lock.NewKeyed())
	f.slipRec = &SlipReconciler{
		Ledger:    f.ledger,
		Slips:     f.slips,
		Audit:     f.events,
		Extractor: textOCR,
		Policy:    policy,
		Notifier:  f.notifier,
	}
	f.refRec = &ReferralReconciler{
		Ledger:    f.ledger,
		Referrals: f.referrals,
		Reward:    3,
		Notifier:  f.notifier,
	}
	return f
}

func (f *fixture) balance(t *testing.T, key string) (int, int) {
	t.Helper()
	u, q, err := f.ledger.Balance(context.Background(), key)
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return u, q
}
