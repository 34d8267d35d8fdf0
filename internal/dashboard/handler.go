// Package dashboard serves the operator endpoints: account balances, the
// slip review queue and usage reports.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/duangjit/backend/internal/handlers"
	"github.com/duangjit/backend/internal/middleware"
	"github.com/duangjit/backend/internal/models"
	"github.com/duangjit/backend/internal/repository"
	"github.com/duangjit/backend/internal/services"
)

// Ledger is the part of ledger.Service the dashboard uses.
type Ledger interface {
	Balance(ctx context.Context, key string) (int, int, error)
	Reset(ctx context.Context, key string) error
}

// SlipReview is implemented by services.SlipReconciler.
type SlipReview interface {
	Pending(ctx context.Context) ([]*models.SlipSubmission, error)
	Approve(ctx context.Context, correlationID string) (services.SlipResult, error)
	ApproveAmount(ctx context.Context, correlationID string, amount int64) (services.SlipResult, error)
	Reject(ctx context.Context, correlationID string) (services.SlipResult, error)
}

// Reports is implemented by repository.EventRepo.
type Reports interface {
	UsageByDate(ctx context.Context) ([]repository.DailyCount, error)
	CountByAction(ctx context.Context, accountKey string) (map[string]int, error)
}

type AccountLister interface {
	List(ctx context.Context) ([]*models.Account, error)
}

type Handler struct {
	ledger   Ledger
	slips    SlipReview
	reports  Reports
	accounts AccountLister
	log      *slog.Logger
}

func NewHandler(ledger Ledger, slips SlipReview, reports Reports, accounts AccountLister, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{
		ledger:   ledger,
		slips:    slips,
		reports:  reports,
		accounts: accounts,
		log:      log,
	}
}

type balanceResponse struct {
	AccountKey string `json:"account_key"`
	Usage      int    `json:"usage"`
	Quota      int    `json:"quota"`
	Remaining  int    `json:"remaining"`
}

// GET /v1/accounts/{key}/balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		http.Error(w, `{"error":"missing account key"}`, http.StatusBadRequest)
		return
	}
	usage, quota, err := h.ledger.Balance(r.Context(), key)
	if err != nil {
		h.fail(w, "balance", err)
		return
	}
	a := models.Account{Usage: usage, Quota: quota}
	handlers.WriteJSON(w, http.StatusOK, balanceResponse{
		AccountKey: key,
		Usage:      usage,
		Quota:      quota,
		Remaining:  a.Remaining(),
	})
}

// GET /api/v1/admin/accounts
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	list, err := h.accounts.List(r.Context())
	if err != nil {
		h.fail(w, "list accounts", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"accounts": list})
}

// GET /api/v1/admin/accounts/{key}/activity
func (h *Handler) AccountActivity(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	counts, err := h.reports.CountByAction(r.Context(), key)
	if err != nil {
		h.fail(w, "account activity", err)
		return
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"account_key": key, "actions": counts})
}

// POST /api/v1/admin/accounts/{key}/reset
func (h *Handler) ResetAccount(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if err := h.ledger.Reset(r.Context(), key); err != nil {
		h.fail(w, "reset", err)
		return
	}
	h.log.Info("account reset by operator", "account", key, "operator", operator(r))
	w.WriteHeader(http.StatusNoContent)
}

// GET /api/v1/admin/slips
func (h *Handler) ListSlips(w http.ResponseWriter, r *http.Request) {
	list, err := h.slips.Pending(r.Context())
	if err != nil {
		h.fail(w, "list slips", err)
		return
	}
	if list == nil {
		list = []*models.SlipSubmission{}
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"slips": list})
}

type approveRequest struct {
	Amount *int64 `json:"amount"`
}

// POST /api/v1/admin/slips/{id}/approve
// The body is optional; {"amount": n} overrides the extracted amount.
func (h *Handler) ApproveSlip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req approveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	var (
		res services.SlipResult
		err error
	)
	if req.Amount != nil {
		res, err = h.slips.ApproveAmount(r.Context(), id, *req.Amount)
	} else {
		res, err = h.slips.Approve(r.Context(), id)
	}
	if err != nil {
		h.fail(w, "approve slip", err)
		return
	}
	h.log.Info("slip approved", "correlation_id", id, "applied", res.Applied, "operator", operator(r))
	handlers.WriteJSON(w, http.StatusOK, res)
}

// POST /api/v1/admin/slips/{id}/reject
func (h *Handler) RejectSlip(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	res, err := h.slips.Reject(r.Context(), id)
	if err != nil {
		h.fail(w, "reject slip", err)
		return
	}
	h.log.Info("slip rejected", "correlation_id", id, "operator", operator(r))
	handlers.WriteJSON(w, http.StatusOK, res)
}

// GET /api/v1/admin/usage-report
func (h *Handler) UsageReport(w http.ResponseWriter, r *http.Request) {
	days, err := h.reports.UsageByDate(r.Context())
	if err != nil {
		h.fail(w, "usage report", err)
		return
	}
	total := 0
	for _, d := range days {
		total += d.Count
	}
	if days == nil {
		days = []repository.DailyCount{}
	}
	handlers.WriteJSON(w, http.StatusOK, map[string]any{"days": days, "total": total})
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	if handlers.StatusFor(err) >= http.StatusInternalServerError {
		h.log.Error(op+" failed", "error", err)
	}
	handlers.WriteError(w, err)
}

func operator(r *http.Request) string {
	if c, ok := middleware.ClaimsFromCtx(r.Context()); ok {
		return c.Subject
	}
	return ""
}
