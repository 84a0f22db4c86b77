package web

import (
	"net/http"

	"github.com/artpar/toolgate/app"
)

type beforeRequest struct {
	AccountID string `json:"account_id"`
	Tool      string `json:"tool"`
}

type beforeResponse struct {
	Allowed       bool   `json:"allowed"`
	ReservationID string `json:"reservation_id,omitempty"`
	Price         int64  `json:"price"`
	Unit          string `json:"unit,omitempty"`
	Covered       bool   `json:"covered,omitempty"`
}

type blockedResponse struct {
	Blocked   bool   `json:"blocked"`
	Reason    string `json:"reason"`
	Required  int64  `json:"required,omitempty"`
	Available int64  `json:"available"`
}

// Before authorizes one tool invocation. A refusal is a 402 with a
// structured body; the invocation must not proceed.
func (h *Handler) Before(w http.ResponseWriter, r *http.Request) {
	var req beforeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.AccountID == "" || req.Tool == "" {
		respondError(w, http.StatusBadRequest, "account_id and tool are required")
		return
	}

	d, err := h.gate.Authorize(r.Context(), req.AccountID, req.Tool)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "authorization failed")
		return
	}

	if !d.Allowed {
		respondJSON(w, http.StatusPaymentRequired, blockedResponse{
			Blocked:   true,
			Reason:    d.Reason,
			Required:  d.Required,
			Available: d.Available,
		})
		return
	}

	respondJSON(w, http.StatusOK, beforeResponse{
		Allowed:       true,
		ReservationID: d.ReservationID,
		Price:         d.Price,
		Unit:          d.Unit,
		Covered:       d.Covered,
	})
}

type afterRequest struct {
	ReservationID string `json:"reservation_id"`
	Success       bool   `json:"success"`
	ErrorCode     string `json:"error_code,omitempty"`
}

type afterResponse struct {
	Tool    string `json:"tool"`
	Charged bool   `json:"charged"`
	Amount  int64  `json:"amount"`
	Unit    string `json:"unit,omitempty"`
}

// After settles the reservation created by Before. Safe to retry; a
// settled reservation reports its original outcome.
func (h *Handler) After(w http.ResponseWriter, r *http.Request) {
	var req afterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.ReservationID == "" {
		respondError(w, http.StatusBadRequest, "reservation_id is required")
		return
	}

	sum, err := h.recorder.Record(r.Context(), app.Outcome{
		ReservationID: req.ReservationID,
		Success:       req.Success,
		ErrorCode:     req.ErrorCode,
	})
	if err != nil {
		if isNotFound(err) {
			respondError(w, http.StatusNotFound, "unknown reservation")
			return
		}
		respondError(w, http.StatusInternalServerError, "settlement failed")
		return
	}

	respondJSON(w, http.StatusOK, afterResponse{
		Tool:    sum.Tool,
		Charged: sum.Charged,
		Amount:  sum.Amount,
		Unit:    sum.Unit,
	})
}
