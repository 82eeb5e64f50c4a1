package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/minesentry/minesentry/pkg/ledger"
	"github.com/minesentry/minesentry/pkg/report"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeDomainError maps domain sentinels onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, report.ErrNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, ledger.ErrUnauthorized):
		writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, ledger.ErrInvalidTransition), errors.Is(err, report.ErrVerifiedImmutable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ledger.ErrInsufficientFunds):
		writeError(w, http.StatusPaymentRequired, err.Error())
	case errors.Is(err, ledger.ErrSettlementFailed):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func urlID(r *http.Request, name string) (uuid.UUID, error) {
	return uuid.Parse(chi.URLParam(r, name))
}

type submitReportRequest struct {
	ReporterAddress string   `json:"reporter_address"`
	PoolAddress     string   `json:"pool_address"`
	BlockHeight     int64    `json:"block_height"`
	EvidenceKind    string   `json:"evidence_kind"`
	TransactionIDs  []string `json:"transaction_ids"`
	BlockHash       string   `json:"block_hash"`
	Description     string   `json:"description"`
}

func (s *Server) handleSubmitReport(w http.ResponseWriter, r *http.Request) {
	var req submitReportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	kind := report.EvidenceKind(req.EvidenceKind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "unknown evidence kind: "+req.EvidenceKind)
		return
	}

	rep := report.New(req.ReporterAddress, req.PoolAddress, req.BlockHeight, kind, time.Time{})
	rep.TransactionIDs = req.TransactionIDs
	rep.BlockHash = req.BlockHash
	rep.Description = req.Description

	stored, err := s.o.SubmitReport(r.Context(), rep)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stored)
}

func (s *Server) handleListReports(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := report.Filter{
		Status: report.Status(q.Get("status")),
		Kind:   report.EvidenceKind(q.Get("kind")),
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	reports, err := s.o.ListReports(r.Context(), f)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"reports": reports, "count": len(reports)})
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	rep, err := s.o.GetReport(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleValidateReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	useDetection := r.URL.Query().Get("use_detection") != "false"

	rep, out, err := s.o.ValidateReport(r.Context(), id, useDetection)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"report": rep, "validation": out})
}

func (s *Server) handleVerifyReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	var req struct {
		Verifier string `json:"verifier"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	rep, err := s.o.VerifyReport(r.Context(), id, req.Verifier)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

func (s *Server) handleDeleteReport(w http.ResponseWriter, r *http.Request) {
	id, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	if err := s.o.DeleteReport(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.o.ReportStats(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleLedgerState(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.o.LedgerState())
}

func (s *Server) handleFund(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AmountSats int64 `json:"amount_sats"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	snap, err := s.o.Fund(req.AmountSats)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePaymentQueue(w http.ResponseWriter, _ *http.Request) {
	q := s.o.PaymentQueue()
	writeJSON(w, http.StatusOK, map[string]any{"payments": q, "count": len(q)})
}

func (s *Server) handlePaymentHistory(w http.ResponseWriter, _ *http.Request) {
	h := s.o.PaymentHistory()
	writeJSON(w, http.StatusOK, map[string]any{"payments": h, "count": len(h)})
}

func (s *Server) handleCreatePayment(w http.ResponseWriter, r *http.Request) {
	reportID, err := urlID(r, "id")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid report id")
		return
	}
	var req struct {
		RecipientAddress string `json:"recipient_address"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	p, err := s.o.CreatePayment(r.Context(), reportID, req.RecipientAddress)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleGetPayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.o.GetPayment(chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleApprovePayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signer string `json:"signer"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	res, err := s.o.ApprovePayment(chi.URLParam(r, "id"), req.Signer)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRejectPayment(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Signer string `json:"signer"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	p, err := s.o.RejectPayment(chi.URLParam(r, "id"), req.Signer, req.Reason)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleExecutePayment(w http.ResponseWriter, r *http.Request) {
	p, err := s.o.ExecutePayment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz reports readiness: the report store must be reachable.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if _, err := s.o.ReportStats(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "report store unavailable: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
