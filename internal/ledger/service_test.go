package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/duangjit/backend/internal/lock"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/repository"
	"github.com/duangjit/backend/internal/sheet"
)

// ---------------------------------------------------------------------------
// faultyTable wraps an in-memory sheet and injects failures so the ledger
// can be exercised against store outages and lost writes.
// ---------------------------------------------------------------------------

type faultyTable struct {
	*sheet.Memory
	calls atomic.Int64

	mu          sync.Mutex
	findErr     error
	failAppends int
	conflicts   bool
}

func newFaultyTable(schema sheet.Schema) *faultyTable {
	return &faultyTable{Memory: sheet.NewMemory(schema)}
}

func (f *faultyTable) FindRow(ctx context.Context, key string) (sheet.Row, error) {
	f.calls.Add(1)
	f.mu.Lock()
	err := f.findErr
	f.mu.Unlock()
	if err != nil {
		return sheet.Row{}, err
	}
	return f.Memory.FindRow(ctx, key)
}

func (f *faultyTable) AppendRow(ctx context.Context, values []string) (sheet.Row, error) {
	f.calls.Add(1)
	f.mu.Lock()
	if f.failAppends > 0 {
		f.failAppends--
		f.mu.Unlock()
		return sheet.Row{}, fmt.Errorf("%w: quota exceeded", sheet.ErrUnavailable)
	}
	f.mu.Unlock()
	return f.Memory.AppendRow(ctx, values)
}

func (f *faultyTable) UpdateCells(ctx context.Context, h sheet.Handle, v int64, cells map[int]string) (int64, error) {
	f.calls.Add(1)
	f.mu.Lock()
	conflict := f.conflicts
	f.mu.Unlock()
	if conflict {
		return 0, sheet.ErrVersionConflict
	}
	return f.Memory.UpdateCells(ctx, h, v, cells)
}

type fixture struct {
	users  *faultyTable
	logs   *faultyTable
	events *repository.EventRepo
	svc    Service
}

func newFixture(opts ...Option) *fixture {
	users := newFaultyTable(repository.UsersSchema)
	logs := newFaultyTable(repository.LogsSchema)
	events := repository.NewEventRepo(logs)
	return &fixture{
		users:  users,
		logs:   logs,
		events: events,
		svc:    NewService(repository.NewAccountRepo(users), events, lock.NewKeyed(), opts...),
	}
}

func mustBalance(t *testing.T, svc Service, key string) (int, int) {
	t.Helper()
	u, q, err := svc.Balance(context.Background(), key)
	if err != nil {
		t.Fatalf("Balance(%s): %v", key, err)
	}
	return u, q
}

// ---- 1. TestEndToEnd_SlipCreditThenConsume
func TestEndToEnd_SlipCreditThenConsume(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	res, err := f.svc.TryConsume(ctx, "U1")
	if err != nil {
		t.Fatalf("TryConsume: %v", err)
	}
	if res.OK || res.Remaining != 0 {
		t.Fatalf("first consume = %+v, want not ok, 0 remaining", res)
	}

	applied, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 350)
	if err != nil || !applied {
		t.Fatalf("Credit = %v, %v", applied, err)
	}
	if u, q := mustBalance(t, f.svc, "U1"); u != 0 || q != 350 {
		t.Fatalf("balance = %d/%d, want 0/350", u, q)
	}

	for i := 1; i <= 350; i++ {
		res, err := f.svc.TryConsume(ctx, "U1")
		if err != nil || !res.OK {
			t.Fatalf("consume %d = %+v, %v", i, res, err)
		}
		if res.Remaining != 350-i {
			t.Fatalf("consume %d remaining = %d, want %d", i, res.Remaining, 350-i)
		}
	}
	res, err = f.svc.TryConsume(ctx, "U1")
	if err != nil || res.OK || res.Remaining != 0 {
		t.Fatalf("351st consume = %+v, %v", res, err)
	}
	if u, q := mustBalance(t, f.svc, "U1"); u != 350 || q != 350 {
		t.Fatalf("final balance = %d/%d", u, q)
	}

	counts, err := f.events.CountByAction(ctx, "U1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[models.ActionUse] != 350 || counts[models.ActionCreditSlip] != 1 {
		t.Errorf("log counts = %v", counts)
	}
}

// ---- 2. TestTryConsume_ConcurrentExactlyMinNK
func TestTryConsume_ConcurrentExactlyMinNK(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.svc.Credit(ctx, "U1", models.CreditSourceReferral, "A:U1", 5); err != nil {
		t.Fatal(err)
	}

	const n = 25
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.TryConsume(ctx, "U1")
			if err != nil {
				t.Errorf("TryConsume: %v", err)
				return
			}
			if res.OK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 5 {
		t.Fatalf("successful consumes = %d, want 5", ok.Load())
	}
	if u, q := mustBalance(t, f.svc, "U1"); u != 5 || q != 5 {
		t.Fatalf("balance = %d/%d, want 5/5", u, q)
	}
}

// ---- 3. TestTryConsume_ReplicasShareRowsViaCAS
func TestTryConsume_ReplicasShareRowsViaCAS(t *testing.T) {
	ctx := context.Background()
	users := sheet.NewMemory(repository.UsersSchema)
	logs := sheet.NewMemory(repository.LogsSchema)
	newReplica := func() Service {
		// Separate lockers: only the row version protects the counters.
		return NewService(repository.NewAccountRepo(users), repository.NewEventRepo(logs), lock.NewKeyed(), WithMaxAttempts(1000))
	}
	a, b := newReplica(), newReplica()
	if _, err := a.Credit(ctx, "U1", models.CreditSourceSlip, "slip_x", 7); err != nil {
		t.Fatal(err)
	}

	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		svc := a
		if i%2 == 1 {
			svc = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.TryConsume(ctx, "U1")
			if err != nil {
				t.Errorf("TryConsume: %v", err)
				return
			}
			if res.OK {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	if ok.Load() != 7 {
		t.Fatalf("successful consumes across replicas = %d, want 7", ok.Load())
	}
}

// ---- 4. TestCredit_SameCorrelationAppliesOnce
func TestCredit_SameCorrelationAppliesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	var applied atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 100)
			if err != nil {
				t.Errorf("Credit: %v", err)
				return
			}
			if ok {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()
	if applied.Load() != 1 {
		t.Fatalf("applied = %d, want 1", applied.Load())
	}
	if _, q := mustBalance(t, f.svc, "U1"); q != 100 {
		t.Fatalf("quota = %d, want 100", q)
	}

	// Same correlation id from a different source is a different credit.
	ok, err := f.svc.Credit(ctx, "U1", models.CreditSourceAdminApprove, "slipA", 100)
	if err != nil || !ok {
		t.Fatalf("admin credit = %v, %v", ok, err)
	}
	if _, q := mustBalance(t, f.svc, "U1"); q != 200 {
		t.Fatalf("quota = %d, want 200", q)
	}
}

// ---- 5. TestCredit_InvalidArgumentsTouchNothing
func TestCredit_InvalidArgumentsTouchNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	for _, amount := range []int{0, -5} {
		if _, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "s", amount); !errors.Is(err, ErrInvalidCreditAmount) {
			t.Errorf("amount %d: want ErrInvalidCreditAmount, got %v", amount, err)
		}
	}
	if _, err := f.svc.Credit(ctx, "U1", "gift", "s", 1); !errors.Is(err, ErrInvalidCreditSource) {
		t.Errorf("want ErrInvalidCreditSource, got %v", err)
	}
	if _, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "", 1); !errors.Is(err, ErrMissingCorrelation) {
		t.Errorf("want ErrMissingCorrelation, got %v", err)
	}
	if n := f.users.calls.Load() + f.logs.calls.Load(); n != 0 {
		t.Errorf("store calls = %d, want 0", n)
	}
}

// ---- 6. TestUpdate_ContentionAfterMaxAttempts
func TestUpdate_ContentionAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(WithMaxAttempts(3))
	if _, err := f.svc.EnsureAccount(ctx, "U1", ""); err != nil {
		t.Fatal(err)
	}
	f.users.conflicts = true
	before := f.users.calls.Load()

	_, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 10)
	if !errors.Is(err, ErrLedgerContention) {
		t.Fatalf("want ErrLedgerContention, got %v", err)
	}
	// Three attempts, each a read and a conditional write.
	if got := f.users.calls.Load() - before; got != 6 {
		t.Errorf("account table calls = %d, want 6", got)
	}
	f.users.conflicts = false
	if _, q := mustBalance(t, f.svc, "U1"); q != 0 {
		t.Errorf("quota = %d after contention, want 0", q)
	}
	// Re-issuing after contention applies normally.
	ok, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 10)
	if err != nil || !ok {
		t.Fatalf("re-issued Credit = %v, %v", ok, err)
	}
}

// ---- 7. TestStoreUnavailableSurfaces
func TestStoreUnavailableSurfaces(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	f.users.findErr = fmt.Errorf("%w: 503 from sheets API", sheet.ErrUnavailable)

	if _, err := f.svc.TryConsume(ctx, "U1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("TryConsume: want ErrStoreUnavailable, got %v", err)
	}
	if _, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "s", 1); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Credit: want ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := f.svc.Balance(ctx, "U1"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("Balance: want ErrStoreUnavailable, got %v", err)
	}
	if _, _, err := f.svc.Balance(ctx, "U1"); !errors.Is(err, sheet.ErrUnavailable) {
		t.Errorf("Balance: underlying error lost: %v", err)
	}
}

// ---- 8. TestCredit_LostEventIsRestoredOnReissue
func TestCredit_LostEventIsRestoredOnReissue(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.svc.EnsureAccount(ctx, "U1", "Somchai"); err != nil {
		t.Fatal(err)
	}

	f.logs.failAppends = 1
	ok, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 350)
	if err != nil || !ok {
		t.Fatalf("Credit with lost event = %v, %v", ok, err)
	}
	dedup := models.CreditDedupKey("U1", models.CreditSourceSlip, "slipA")
	if seen, _ := f.events.HasCredit(ctx, dedup); seen {
		t.Fatal("event unexpectedly present")
	}

	ok, err = f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 350)
	if err != nil || ok {
		t.Fatalf("re-issued Credit = %v, %v; want false, nil", ok, err)
	}
	if seen, _ := f.events.HasCredit(ctx, dedup); !seen {
		t.Error("event not restored")
	}
	if _, q := mustBalance(t, f.svc, "U1"); q != 350 {
		t.Errorf("quota = %d, want 350", q)
	}
}

// ---- 9. TestTryConsume_AuditFailureKeepsConsumption
func TestTryConsume_AuditFailureKeepsConsumption(t *testing.T) {
	ctx := context.Background()
	f := newFixture(WithInitialQuota(2))
	if _, err := f.svc.EnsureAccount(ctx, "U1", ""); err != nil {
		t.Fatal(err)
	}
	f.logs.failAppends = 1
	res, err := f.svc.TryConsume(ctx, "U1")
	if err != nil || !res.OK || res.Remaining != 1 {
		t.Fatalf("TryConsume = %+v, %v", res, err)
	}
	if u, _ := mustBalance(t, f.svc, "U1"); u != 1 {
		t.Errorf("usage = %d, want 1", u)
	}
}

// ---- 10. TestBalance_UnknownAccountIsZeroAndReadOnly
func TestBalance_UnknownAccountIsZeroAndReadOnly(t *testing.T) {
	f := newFixture()
	if u, q := mustBalance(t, f.svc, "ghost"); u != 0 || q != 0 {
		t.Fatalf("balance = %d/%d", u, q)
	}
	if n := f.users.Len(); n != 0 {
		t.Errorf("rows created = %d, want 0", n)
	}
}

// ---- 11. TestEnsureAccount_LazyCreateAndRename
func TestEnsureAccount_LazyCreateAndRename(t *testing.T) {
	ctx := context.Background()
	f := newFixture(WithInitialQuota(3))

	a, err := f.svc.EnsureAccount(ctx, "U1", "")
	if err != nil {
		t.Fatal(err)
	}
	if a.DisplayName != models.DefaultDisplayName || a.Quota != 3 || a.Usage != 0 {
		t.Fatalf("created %+v", a)
	}
	a, err = f.svc.EnsureAccount(ctx, "U1", "Somchai")
	if err != nil {
		t.Fatal(err)
	}
	if a.DisplayName != "Somchai" || a.Quota != 3 {
		t.Fatalf("renamed %+v", a)
	}
	if n := f.users.Len(); n != 1 {
		t.Errorf("rows = %d, want 1", n)
	}
}

// ---- 12. TestReset_ZeroesCountersAndLogs
func TestReset_ZeroesCountersAndLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	if _, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 4); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.TryConsume(ctx, "U1"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.Reset(ctx, "U1"); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if u, q := mustBalance(t, f.svc, "U1"); u != 0 || q != 0 {
		t.Fatalf("balance after reset = %d/%d", u, q)
	}
	// The old credit stays deduplicated after a reset.
	ok, err := f.svc.Credit(ctx, "U1", models.CreditSourceSlip, "slipA", 4)
	if err != nil || ok {
		t.Fatalf("replayed credit after reset = %v, %v", ok, err)
	}
	counts, _ := f.events.CountByAction(ctx, "U1")
	if counts[models.ActionAdminReset] != 1 {
		t.Errorf("reset events = %d, want 1", counts[models.ActionAdminReset])
	}
}

// ---- 13. TestLastSlipReference
func TestLastSlipReference(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	accounts := repository.NewAccountRepo(f.users)

	if err := f.svc.SetLastSlip(ctx, "U1", "slip_a"); err != nil {
		t.Fatal(err)
	}
	if err := f.svc.ClearLastSlip(ctx, "U1", "slip_other"); err != nil {
		t.Fatal(err)
	}
	rec, _ := accounts.Get(ctx, "U1")
	if rec.LastSlipFile != "slip_a" {
		t.Fatalf("lastSlipFile = %q, want slip_a", rec.LastSlipFile)
	}
	if err := f.svc.ClearLastSlip(ctx, "U1", "slip_a"); err != nil {
		t.Fatal(err)
	}
	rec, _ = accounts.Get(ctx, "U1")
	if rec.LastSlipFile != "" {
		t.Fatalf("lastSlipFile = %q, want empty", rec.LastSlipFile)
	}
}

// ---- 14. TestPolicy
func TestPolicy(t *testing.T) {
	if Eligible(3, 3) || !Eligible(2, 3) || Eligible(0, 0) {
		t.Error("Eligible must be strict usage < quota")
	}
	for _, tc := range []struct {
		usage, every int
		want         bool
	}{
		{5, 5, true}, {10, 5, true}, {4, 5, false}, {0, 5, false}, {5, 0, false},
	} {
		if got := ShouldInvite(tc.usage, tc.every); got != tc.want {
			t.Errorf("ShouldInvite(%d, %d) = %v, want %v", tc.usage, tc.every, got, tc.want)
		}
	}
}
