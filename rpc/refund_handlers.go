package rpc

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"escrowd/native/refunds"
)

func (s *Server) handleCreateRefund(w http.ResponseWriter, r *http.Request) {
	if s.refunds == nil {
		writeEngineError(w, r, fmt.Errorf("%w: refunds not configured", errUnavailable))
		return
	}
	caller, _ := CallerFromContext(r.Context())
	var req RefundCreateRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if req.Payment == nil {
		writeEngineError(w, r, fmt.Errorf("%w: payment required", errBadRequest))
		return
	}
	amount, err := parseAmountField(req.Amount)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	created, err := s.refunds.Create(r.Context(), req.Payment, caller, req.Nonce, amount, req.Reason)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleResolveRefund(w http.ResponseWriter, r *http.Request) {
	if s.refunds == nil {
		writeEngineError(w, r, fmt.Errorf("%w: refunds not configured", errUnavailable))
		return
	}
	caller, _ := CallerFromContext(r.Context())
	var req RefundKeyRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	key, err := refundKey(req)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var updated *refunds.Request
	switch action := chi.URLParam(r, "action"); action {
	case "cancel":
		updated, err = s.refunds.Cancel(r.Context(), key, caller)
	case "approve":
		updated, err = s.refunds.Approve(r.Context(), key, caller)
	case "deny":
		updated, err = s.refunds.Deny(r.Context(), key, caller)
	default:
		err = fmt.Errorf("%w: unknown refund action %q", errBadRequest, action)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleListRefunds(w http.ResponseWriter, r *http.Request) {
	if s.refunds == nil {
		writeEngineError(w, r, fmt.Errorf("%w: refunds not configured", errUnavailable))
		return
	}
	hash, err := parseHashField(chi.URLParam(r, "hash"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	list, err := s.refunds.List(r.Context(), hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if list == nil {
		list = []*refunds.Request{}
	}
	writeJSON(w, http.StatusOK, list)
}
