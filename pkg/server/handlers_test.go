package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/minesentry/minesentry/pkg/ledger"
	"github.com/minesentry/minesentry/pkg/report"
	"github.com/minesentry/minesentry/pkg/settle"
	"github.com/minesentry/minesentry/pkg/testutil"
	"github.com/minesentry/minesentry/pkg/validate"
)

type acceptAllValidator struct{}

func (acceptAllValidator) Validate(ctx context.Context, r *report.Report, useDetection bool) *validate.Outcome {
	return &validate.Outcome{Valid: true, Message: "ok", Status: report.StatusUnderReview}
}

type stubPayer struct{}

func (stubPayer) SendToAddress(ctx context.Context, address string, amountBTC float64, comment string) (string, error) {
	return "settlement-txid", nil
}

func newTestServer(t *testing.T) (*Server, *settle.Orchestrator) {
	t.Helper()
	log := testutil.NewLogger()

	l, err := ledger.New(ledger.Config{
		Logger:            log,
		Payer:             stubPayer{},
		AuthorizedSigners: []string{"signer1", "signer2"},
	})
	require.NoError(t, err)

	orch, err := settle.New(settle.Config{
		Logger:    log,
		Store:     report.NewMemoryStore(),
		Validator: acceptAllValidator{},
		Ledger:    l,
	})
	require.NoError(t, err)

	srv, err := New(Config{Logger: log, Orchestrator: orch})
	require.NoError(t, err)
	return srv, orch
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.ContentLength = int64(buf.Len())
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v))
}

func submitBody() map[string]any {
	return map[string]any{
		"reporter_address": "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		"pool_address":     "bc1qpool",
		"block_height":     850_000,
		"evidence_kind":    "transaction_censorship",
		"transaction_ids":  []string{"tx1", "tx2", "tx3"},
		"block_hash":       "blockhash",
	}
}

func TestMineSentry_Server_New(t *testing.T) {
	t.Parallel()

	t.Run("returns error when config validation fails", func(t *testing.T) {
		t.Parallel()
		srv, err := New(Config{Logger: testutil.NewLogger()})
		require.Error(t, err)
		require.Nil(t, srv)
		require.Contains(t, err.Error(), "orchestrator is required")
	})
}

func TestMineSentry_Server_SubmitReport(t *testing.T) {
	t.Parallel()

	t.Run("accepts a well-formed report", func(t *testing.T) {
		t.Parallel()
		srv, orch := newTestServer(t)

		rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusAccepted, rec.Code)

		var r report.Report
		decodeBody(t, rec, &r)
		require.NotEqual(t, uuid.Nil, r.ID)
		require.Equal(t, report.StatusPending, r.Status)
		require.Equal(t, int64(130_000), r.BountySats)
		orch.Wait()
	})

	t.Run("rejects an unknown evidence kind", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t)

		body := submitBody()
		body["evidence_kind"] = "time_travel"
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", body)
		require.Equal(t, http.StatusBadRequest, rec.Code)

		var resp errorResponse
		decodeBody(t, rec, &resp)
		require.Contains(t, resp.Error, "unknown evidence kind")
	})

	t.Run("rejects a malformed body", func(t *testing.T) {
		t.Parallel()
		srv, _ := newTestServer(t)

		req := httptest.NewRequest(http.MethodPost, "/reports", bytes.NewBufferString("{not json"))
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("rate limits bursts from a single address", func(t *testing.T) {
		t.Parallel()
		log := testutil.NewLogger()
		l, err := ledger.New(ledger.Config{Logger: log, Payer: stubPayer{}, AuthorizedSigners: []string{"signer1", "signer2"}})
		require.NoError(t, err)
		orch, err := settle.New(settle.Config{Logger: log, Store: report.NewMemoryStore(), Validator: acceptAllValidator{}, Ledger: l})
		require.NoError(t, err)
		srv, err := New(Config{
			Logger:       log,
			Orchestrator: orch,
			SubmitRate:   rate.Every(time.Hour),
			SubmitBurst:  1,
		})
		require.NoError(t, err)

		rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusAccepted, rec.Code)

		rec = doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		require.NotEmpty(t, rec.Header().Get("Retry-After"))

		var rl RateLimitError
		decodeBody(t, rec, &rl)
		require.Equal(t, "rate_limit_exceeded", rl.Error)
		orch.Wait()
	})
}

func TestMineSentry_Server_GetReport(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted report.Report
	decodeBody(t, rec, &submitted)
	orch.Wait()

	t.Run("returns the stored report", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/reports/"+submitted.ID.String(), nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var r report.Report
		decodeBody(t, rec, &r)
		require.Equal(t, submitted.ID, r.ID)
		require.Equal(t, report.StatusUnderReview, r.Status)
	})

	t.Run("rejects a malformed id", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/reports/not-a-uuid", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("maps an unknown id to 404", func(t *testing.T) {
		rec := doJSON(t, srv.Handler(), http.MethodGet, "/reports/"+uuid.NewString(), nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestMineSentry_Server_ListReports(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	for range 3 {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	orch.Wait()

	var listed struct {
		Reports []*report.Report `json:"reports"`
		Count   int              `json:"count"`
	}

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/reports", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listed)
	require.Equal(t, 3, listed.Count)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/reports?status=verified", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listed)
	require.Zero(t, listed.Count)

	rec = doJSON(t, srv.Handler(), http.MethodGet, "/reports?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &listed)
	require.Equal(t, 2, listed.Count)
}

func TestMineSentry_Server_VerifyAndSettle(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/reports", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted report.Report
	decodeBody(t, rec, &submitted)
	orch.Wait()

	rec = doJSON(t, h, http.MethodPost, "/reports/"+submitted.ID.String()+"/verify", map[string]string{"verifier": "reviewer1"})
	require.Equal(t, http.StatusOK, rec.Code)
	var verified report.Report
	decodeBody(t, rec, &verified)
	require.Equal(t, report.StatusVerified, verified.Status)
	require.Equal(t, "reviewer1", verified.VerifiedBy)

	// Creating a payment before funding must map to 402.
	rec = doJSON(t, h, http.MethodPost, "/ledger/payments/"+submitted.ID.String(), nil)
	require.Equal(t, http.StatusPaymentRequired, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/ledger/fund", map[string]int64{"amount_sats": 1_000_000})
	require.Equal(t, http.StatusOK, rec.Code)
	var snap ledger.Snapshot
	decodeBody(t, rec, &snap)
	require.Equal(t, int64(1_000_000), snap.FundedSats)

	rec = doJSON(t, h, http.MethodPost, "/ledger/payments/"+submitted.ID.String(), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var p ledger.Payment
	decodeBody(t, rec, &p)
	require.Equal(t, ledger.PaymentPending, p.Status)

	// Verifying the report a second time fails with a non-sentinel error.
	rec = doJSON(t, h, http.MethodPost, "/reports/"+submitted.ID.String()+"/verify", map[string]string{"verifier": "reviewer2"})
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	for i, signer := range []string{"signer1", "signer2"} {
		rec = doJSON(t, h, http.MethodPost, "/ledger/payments/"+p.ID+"/approve", map[string]string{"signer": signer})
		require.Equal(t, http.StatusOK, rec.Code, "approval %d", i+1)
	}

	// An unauthorized signer maps to 403.
	rec = doJSON(t, h, http.MethodPost, "/ledger/payments/"+p.ID+"/approve", map[string]string{"signer": "mallory"})
	require.Equal(t, http.StatusForbidden, rec.Code)

	rec = doJSON(t, h, http.MethodPost, "/ledger/payments/"+p.ID+"/execute", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var paid ledger.Payment
	decodeBody(t, rec, &paid)
	require.Equal(t, ledger.PaymentPaid, paid.Status)
	require.Equal(t, "settlement-txid", paid.Txid)

	rec = doJSON(t, h, http.MethodGet, "/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &snap)
	require.Equal(t, int64(130_000), snap.PaidSats)
	require.Zero(t, snap.ReservedSats)

	var history struct {
		Payments []*ledger.Payment `json:"payments"`
		Count    int               `json:"count"`
	}
	rec = doJSON(t, h, http.MethodGet, "/ledger/payments/history", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decodeBody(t, rec, &history)
	require.Equal(t, 1, history.Count)
}

func TestMineSentry_Server_DeleteReport(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	h := srv.Handler()

	rec := doJSON(t, h, http.MethodPost, "/reports", submitBody())
	require.Equal(t, http.StatusAccepted, rec.Code)
	var submitted report.Report
	decodeBody(t, rec, &submitted)
	orch.Wait()

	t.Run("deletes an unverified report", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodDelete, "/reports/"+submitted.ID.String(), nil)
		require.Equal(t, http.StatusNoContent, rec.Code)

		rec = doJSON(t, h, http.MethodGet, "/reports/"+submitted.ID.String(), nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("refuses to delete a verified report with 409", func(t *testing.T) {
		rec := doJSON(t, h, http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusAccepted, rec.Code)
		var r report.Report
		decodeBody(t, rec, &r)
		orch.Wait()

		rec = doJSON(t, h, http.MethodPost, "/reports/"+r.ID.String()+"/verify", map[string]string{"verifier": "reviewer1"})
		require.Equal(t, http.StatusOK, rec.Code)

		rec = doJSON(t, h, http.MethodDelete, "/reports/"+r.ID.String(), nil)
		require.Equal(t, http.StatusConflict, rec.Code)
	})
}

func TestMineSentry_Server_Stats(t *testing.T) {
	t.Parallel()

	srv, orch := newTestServer(t)
	for range 2 {
		rec := doJSON(t, srv.Handler(), http.MethodPost, "/reports", submitBody())
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	orch.Wait()

	rec := doJSON(t, srv.Handler(), http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats report.Stats
	decodeBody(t, rec, &stats)
	require.Equal(t, 2, stats.Total)
	require.Equal(t, int64(260_000), stats.TotalBountySats)
}

func TestMineSentry_Server_Health(t *testing.T) {
	t.Parallel()

	srv, _ := newTestServer(t)
	h := srv.Handler()

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doJSON(t, h, http.MethodGet, path, nil)
		require.Equal(t, http.StatusOK, rec.Code, fmt.Sprintf("GET %s", path))
	}

	rec := doJSON(t, h, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
