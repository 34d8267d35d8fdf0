package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/duangjit/backend/internal/ledger"
	"github.com/duangjit/backend/internal/services"
)

// EventDecoder validates and decodes one raw event.
type EventDecoder interface {
	DecodeEvent(raw json.RawMessage) (services.Event, error)
}

// EventDispatcher handles one decoded event.
type EventDispatcher interface {
	Dispatch(ctx context.Context, ev services.Event) (services.Outcome, error)
}

// EventsHandler serves POST /v1/events.
type EventsHandler struct {
	Decoder    EventDecoder
	Dispatcher EventDispatcher
	Logger     *slog.Logger
}

type eventsRequest struct {
	Events []json.RawMessage `json:"events"`
}

type eventResult struct {
	Index   int               `json:"index"`
	Outcome *services.Outcome `json:"outcome,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    int               `json:"code,omitempty"`
}

type eventsResponse struct {
	Results []eventResult `json:"results"`
}

// Ingest decodes and dispatches each event in order. One bad event does not
// stop the batch. When any event hit a store outage the whole response is
// 503 so the platform redelivers the batch with the redelivery flag set.
// Flagged usage requests are then skipped, and the credit paths re-run
// idempotently. A replay without the flag consumes its usage events again.
func (h *EventsHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req eventsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid JSON"}`, http.StatusBadRequest)
		return
	}

	status := http.StatusAccepted
	resp := eventsResponse{Results: make([]eventResult, 0, len(req.Events))}
	for i, raw := range req.Events {
		res := eventResult{Index: i}
		ev, err := h.Decoder.DecodeEvent(raw)
		if err == nil {
			var out services.Outcome
			out, err = h.Dispatcher.Dispatch(r.Context(), ev)
			if err == nil {
				res.Outcome = &out
			}
		}
		if err != nil {
			res.Error = MessageFor(err)
			res.Code = StatusFor(err)
			if errors.Is(err, ledger.ErrStoreUnavailable) {
				status = http.StatusServiceUnavailable
			}
			if res.Code >= http.StatusInternalServerError {
				h.log().Error("dispatch event", "index", i, "type", ev.Type, "account", ev.AccountKey, "error", err)
			} else {
				h.log().Warn("event rejected", "index", i, "type", ev.Type, "error", err)
			}
		}
		resp.Results = append(resp.Results, res)
	}
	WriteJSON(w, status, resp)
}

func (h *EventsHandler) log() *slog.Logger {
	if h.Logger == nil {
		return slog.Default()
	}
	return h.Logger
}
