package rpc

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/holiman/uint256"

	"escrowd/native/operator"
	"escrowd/native/payment"
)

// operationInput is a decoded and authenticated operation request.
type operationInput struct {
	caller  payment.Address
	payment *payment.Payment
	amount  *uint256.Int
	source  payment.Address
}

func (s *Server) decodeOperation(w http.ResponseWriter, r *http.Request, needAmount bool, defaultSource func(*payment.Payment) payment.Address) (operationInput, error) {
	var in operationInput
	caller, ok := CallerFromContext(r.Context())
	if !ok {
		return in, fmt.Errorf("%w: caller missing", errBadRequest)
	}
	in.caller = caller

	var req OperationRequest
	if err := decodeBody(w, r, &req); err != nil {
		return in, err
	}
	if req.Payment == nil {
		return in, fmt.Errorf("%w: payment required", errBadRequest)
	}
	in.payment = req.Payment
	if needAmount {
		amount, err := parseAmountField(req.Amount)
		if err != nil {
			return in, err
		}
		in.amount = amount
	}
	if strings.TrimSpace(req.Source) != "" {
		source, err := parseAddressField("source", req.Source)
		if err != nil {
			return in, err
		}
		in.source = source
	} else if defaultSource != nil {
		in.source = defaultSource(req.Payment)
	}
	return in, nil
}

func payerSource(p *payment.Payment) payment.Address    { return p.Payer }
func receiverSource(p *payment.Payment) payment.Address { return p.Receiver }

func (s *Server) respondOperation(w http.ResponseWriter, r *http.Request, kind string, in operationInput) {
	hash := in.payment.Hash()
	pos, err := s.ledger.Position(r.Context(), hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	resp := OperationResponse{Operation: kind, PaymentHash: hash.String(), Position: positionResponse(pos)}
	if in.amount != nil {
		resp.Amount = in.amount.Dec()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePaymentHash(w http.ResponseWriter, r *http.Request) {
	var req OperationRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	if req.Payment == nil {
		writeEngineError(w, r, fmt.Errorf("%w: payment required", errBadRequest))
		return
	}
	if err := req.Payment.Validate(); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"hash": req.Payment.Hash().String()})
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, true, payerSource)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.operator.Authorize(r.Context(), in.payment, in.amount, in.source, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.respondOperation(w, r, operator.KindAuthorize.String(), in)
}

func (s *Server) handleCharge(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, true, payerSource)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.operator.Charge(r.Context(), in.payment, in.amount, in.source, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.respondOperation(w, r, operator.KindCharge.String(), in)
}

func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, true, nil)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.operator.Release(r.Context(), in.payment, in.amount, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.respondOperation(w, r, operator.KindRelease.String(), in)
}

func (s *Server) handleRefundInEscrow(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, true, nil)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.operator.RefundInEscrow(r.Context(), in.payment, in.amount, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.respondOperation(w, r, operator.KindRefundInEscrow.String(), in)
}

func (s *Server) handleRefundPostEscrow(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, true, receiverSource)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.operator.RefundPostEscrow(r.Context(), in.payment, in.amount, in.source, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	s.respondOperation(w, r, operator.KindRefundPostEscrow.String(), in)
}

// handleReclaim lets the payer recover funds still in escrow once the
// authorization has expired.
func (s *Server) handleReclaim(w http.ResponseWriter, r *http.Request) {
	in, err := s.decodeOperation(w, r, false, nil)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	amount, err := s.ledger.Reclaim(r.Context(), in.caller, in.payment)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	in.amount = amount
	s.respondOperation(w, r, "reclaim", in)
}

func (s *Server) handleFreeze(w http.ResponseWriter, r *http.Request) {
	if s.period == nil {
		writeEngineError(w, r, fmt.Errorf("%w: escrow period not configured", errUnavailable))
		return
	}
	in, err := s.decodeOperation(w, r, false, nil)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	until, err := s.period.Freeze(r.Context(), in.payment, in.caller)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FreezeResponse{PaymentHash: in.payment.Hash().String(), FrozenUntil: until})
}

func (s *Server) handleUnfreeze(w http.ResponseWriter, r *http.Request) {
	if s.period == nil {
		writeEngineError(w, r, fmt.Errorf("%w: escrow period not configured", errUnavailable))
		return
	}
	in, err := s.decodeOperation(w, r, false, nil)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if err := s.period.Unfreeze(r.Context(), in.payment, in.caller); err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, FreezeResponse{PaymentHash: in.payment.Hash().String()})
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	hash, err := parseHashField(chi.URLParam(r, "hash"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	ctx := r.Context()
	pos, err := s.ledger.Position(ctx, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	resp := PaymentResponse{Hash: hash.String(), Position: positionResponse(pos)}
	locked, ok, err := s.operator.LockedFee(ctx, hash)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	if ok {
		resp.LockedFee = &LockedFeeResponse{TotalBps: locked.TotalBps, ProtocolBps: locked.ProtocolBps}
	}
	if s.period != nil {
		status, rec, err := s.period.Status(ctx, hash)
		if err != nil {
			writeEngineError(w, r, err)
			return
		}
		resp.EscrowPeriod = periodResponse(status, rec)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handlePaymentEvents(w http.ResponseWriter, r *http.Request) {
	if s.audit == nil {
		writeEngineError(w, r, fmt.Errorf("%w: audit log not configured", errUnavailable))
		return
	}
	hash, err := parseHashField(chi.URLParam(r, "hash"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	entries, err := s.audit.ByPayment(r.Context(), hash.String())
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}
