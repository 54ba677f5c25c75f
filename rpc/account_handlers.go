package rpc

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"escrowd/native/payment"
	"escrowd/storage/auditlog"
)

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	account, err := parseAddressField("account", chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	token, err := parseAddressField("token", chi.URLParam(r, "token"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	balance, err := s.ledger.Balance(r.Context(), account, token)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		Account: account.String(),
		Token:   token.String(),
		Balance: decimal(balance),
	})
}

// handleAccountPayments lists payment hashes indexed for an account. The
// role query parameter selects payer (default) or receiver.
func (s *Server) handleAccountPayments(w http.ResponseWriter, r *http.Request) {
	if s.index == nil {
		writeEngineError(w, r, fmt.Errorf("%w: payment index not configured", errUnavailable))
		return
	}
	account, err := parseAddressField("account", chi.URLParam(r, "account"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	var hashes []payment.Hash
	switch role := r.URL.Query().Get("role"); role {
	case "", "payer":
		hashes, err = s.index.ByPayer(r.Context(), account)
	case "receiver":
		hashes, err = s.index.ByReceiver(r.Context(), account)
	default:
		err = fmt.Errorf("%w: unknown role %q", errBadRequest, role)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	out := make([]string, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, h.String())
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"account":  account.String(),
		"payments": out,
	})
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeEngineError(w, r, fmt.Errorf("%w: audit log not configured", errUnavailable))
		return
	}
	limit := auditlog.DefaultRecent
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeEngineError(w, r, fmt.Errorf("%w: limit must be a positive integer", errBadRequest))
			return
		}
		limit = n
	}
	entries, err := s.audit.Recent(r.Context(), limit)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if entries == nil {
		entries = []auditlog.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
