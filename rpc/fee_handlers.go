package rpc

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"escrowd/native/fees"
)

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	var req DistributeRequest
	if err := decodeBody(w, r, &req); err != nil {
		writeEngineError(w, r, err)
		return
	}
	token, err := parseAddressField("token", req.Token)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	dist, err := s.operator.DistributeFees(r.Context(), token, caller)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, distributionResponse(dist))
}

func (s *Server) handleAccumulated(w http.ResponseWriter, r *http.Request) {
	token, err := parseAddressField("token", chi.URLParam(r, "token"))
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	amount, err := s.operator.AccumulatedProtocolFees(r.Context(), token)
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"operator": s.operator.Address().String(),
		"token":    token.String(),
		"amount":   decimal(amount),
	})
}

func (s *Server) handleProtocol(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.protocolResponse())
}

func (s *Server) protocolResponse() ProtocolResponse {
	pending := s.protocol.Pending()
	if pending == nil {
		pending = []fees.Proposal{}
	}
	resp := ProtocolResponse{
		Owner:     s.protocol.Owner().String(),
		Recipient: s.protocol.Recipient().String(),
		DelaySecs: int64(s.protocol.Delay().Seconds()),
		Pending:   pending,
	}
	if calc := s.protocol.Calculator(); calc != nil {
		if named, ok := calc.(fmt.Stringer); ok {
			resp.Calculator = named.String()
		} else {
			resp.Calculator = fmt.Sprintf("%T", calc)
		}
	}
	return resp
}

// handleProtocolChange drives the queue/execute/cancel timelock for the
// protocol calculator and recipient. Only the protocol owner succeeds.
func (s *Server) handleProtocolChange(w http.ResponseWriter, r *http.Request) {
	caller, _ := CallerFromContext(r.Context())
	item := chi.URLParam(r, "item")
	action := chi.URLParam(r, "action")

	var req ProtocolChangeRequest
	if action == "queue" {
		if err := decodeBody(w, r, &req); err != nil {
			writeEngineError(w, r, err)
			return
		}
	}

	var err error
	switch item + "/" + action {
	case fees.ItemCalculator + "/queue":
		if req.Bps == nil {
			err = fmt.Errorf("%w: bps required", errBadRequest)
			break
		}
		_, err = s.protocol.QueueCalculator(caller, fees.StaticCalculator(*req.Bps))
	case fees.ItemCalculator + "/execute":
		err = s.protocol.ExecuteCalculator(caller)
	case fees.ItemCalculator + "/cancel":
		err = s.protocol.CancelCalculator(caller)
	case fees.ItemRecipient + "/queue":
		if strings.TrimSpace(req.Recipient) == "" {
			err = fmt.Errorf("%w: recipient required", errBadRequest)
			break
		}
		recipient, perr := parseAddressField("recipient", req.Recipient)
		if perr != nil {
			err = perr
			break
		}
		_, err = s.protocol.QueueRecipient(caller, recipient)
	case fees.ItemRecipient + "/execute":
		err = s.protocol.ExecuteRecipient(caller)
	case fees.ItemRecipient + "/cancel":
		err = s.protocol.CancelRecipient(caller)
	default:
		err = fmt.Errorf("%w: unknown protocol change %s/%s", errBadRequest, item, action)
	}
	if err != nil {
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.protocolResponse())
}
