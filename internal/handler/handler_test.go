package handler

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/counter"
	"github.com/mmeshcher/pi-payments/internal/model"
	"github.com/mmeshcher/pi-payments/internal/pinetwork"
	"github.com/mmeshcher/pi-payments/internal/repository"
	"github.com/mmeshcher/pi-payments/internal/service"
	"github.com/mmeshcher/pi-payments/internal/validation"
)

type stubService struct {
	user    *model.PiUser
	userRaw json.RawMessage
	authErr error

	wallet    json.RawMessage
	walletErr error

	payment    *model.Payment
	paymentErr error
	completion *service.CompletionResult

	cancelReason string

	summary    model.CounterSummary
	summaryErr error

	resetArchive string
	resetErr     error

	history  []model.PaymentRecord
	archives []string

	archive     model.CounterState
	archiveErr  error
	archiveName string

	savedScore model.Score
	scoreErr   error
	scores     []model.Score
	scoresUser string
}

func (s *stubService) Authenticate(ctx context.Context, accessToken string) (*model.PiUser, json.RawMessage, error) {
	return s.user, s.userRaw, s.authErr
}

func (s *stubService) Wallet(ctx context.Context, accessToken string) (json.RawMessage, error) {
	return s.wallet, s.walletErr
}

func (s *stubService) ApprovePayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	return s.payment, s.paymentErr
}

func (s *stubService) CompletePayment(ctx context.Context, paymentID, txid string) (*service.CompletionResult, error) {
	if s.paymentErr != nil {
		return nil, s.paymentErr
	}
	return s.completion, nil
}

func (s *stubService) CancelPayment(ctx context.Context, paymentID, reason string) (*model.Payment, error) {
	s.cancelReason = reason
	return s.payment, s.paymentErr
}

func (s *stubService) CounterSummary(ctx context.Context) (model.CounterSummary, error) {
	return s.summary, s.summaryErr
}

func (s *stubService) ResetCounter(ctx context.Context) (string, error) {
	return s.resetArchive, s.resetErr
}

func (s *stubService) CounterHistory(ctx context.Context, limit int) ([]model.PaymentRecord, error) {
	if limit < len(s.history) {
		return s.history[:limit], nil
	}
	return s.history, nil
}

func (s *stubService) CounterArchives(ctx context.Context) ([]string, error) {
	return s.archives, nil
}

func (s *stubService) CounterArchive(ctx context.Context, name string) (model.CounterState, error) {
	s.archiveName = name
	return s.archive, s.archiveErr
}

func (s *stubService) RecordScore(ctx context.Context, score model.Score) (model.Score, error) {
	if s.scoreErr != nil {
		return model.Score{}, s.scoreErr
	}
	s.savedScore = score
	score.ID = 1
	return score, nil
}

func (s *stubService) ListScores(ctx context.Context, username string, limit int) ([]model.Score, error) {
	s.scoresUser = username
	return s.scores, nil
}

func newTestRouter(svc *stubService) http.Handler {
	h := NewHandler(svc, zap.NewNop(), "admin-secret", "")
	return h.SetupRouter()
}

func doRequest(t *testing.T, router http.Handler, method, target, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	if body != "" {
		reader = bytes.NewReader([]byte(body))
	} else {
		reader = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), "body: %s", w.Body.String())
	return body
}

func TestMe(t *testing.T) {
	svc := &stubService{
		user:    &model.PiUser{UID: "u-1", Username: "alice"},
		userRaw: json.RawMessage(`{"uid":"u-1","username":"alice"}`),
	}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodPost, "/api/me", `{"accessToken":"tok"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":"u-1","username":"alice"}`, w.Body.String())

	svc.authErr = pinetwork.ErrUnauthorized
	w = doRequest(t, router, http.MethodPost, "/api/me", `{"accessToken":"bad"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doRequest(t, router, http.MethodPost, "/api/me", `{}`, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestWallet(t *testing.T) {
	svc := &stubService{
		user:    &model.PiUser{UID: "u-1"},
		userRaw: json.RawMessage(`{"uid":"u-1"}`),
		wallet:  json.RawMessage(`{"balance":"12.5"}`),
	}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodPost, "/api/wallet", "", map[string]string{"Authorization": "Bearer tok"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"balance":"12.5"}`, w.Body.String())

	svc.walletErr = &pinetwork.APIError{StatusCode: http.StatusNotFound}
	w = doRequest(t, router, http.MethodPost, "/api/wallet", "", map[string]string{"Authorization": "Bearer tok"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApprovePayment(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		paymentErr error
		wantStatus int
	}{
		{name: "approved", body: `{"paymentId":"p1","accessToken":"t"}`, wantStatus: http.StatusOK},
		{name: "missing id", body: `{}`, wantStatus: http.StatusBadRequest},
		{name: "malformed", body: `{`, wantStatus: http.StatusBadRequest},
		{name: "upstream rejects", body: `{"paymentId":"p1"}`, paymentErr: &pinetwork.APIError{StatusCode: 400}, wantStatus: http.StatusBadRequest},
		{name: "upstream down", body: `{"paymentId":"p1"}`, paymentErr: errors.New("dial tcp"), wantStatus: http.StatusBadGateway},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				payment:    &model.Payment{Identifier: "p1"},
				paymentErr: tt.paymentErr,
			}

			w := doRequest(t, newTestRouter(svc), http.MethodPost, "/payment/approve", tt.body, nil)
			require.Equal(t, tt.wantStatus, w.Code)

			body := decodeBody(t, w)
			if tt.wantStatus == http.StatusOK {
				assert.Equal(t, "approved", body["status"])
			} else {
				assert.Equal(t, "error", body["status"])
			}
		})
	}
}

func TestCompletePayment(t *testing.T) {
	summary := model.CounterSummary{
		AccumulatedAmount: 1.5,
		PaymentsCount:     1,
		LastUpdated:       model.NewTimestamp(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
	}
	svc := &stubService{
		completion: &service.CompletionResult{
			Payment: &model.Payment{Identifier: "p1", Amount: 3},
			Counter: &summary,
		},
	}

	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/payment/complete", `{"paymentId":"p1","txid":"tx"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "completed", body["status"])

	c, ok := body["counter"].(map[string]any)
	require.True(t, ok, "counter missing: %v", body)
	assert.Equal(t, 1.5, c["accumulated_amount"])
	assert.Equal(t, float64(1), c["payments_count"])
	assert.Equal(t, "2025-06-01T12:00:00Z", c["last_updated"])
}

func TestCompletePayment_DebugCancel(t *testing.T) {
	svc := &stubService{
		payment: &model.Payment{Identifier: "p1", Status: model.PaymentStatus{Cancelled: true}},
	}

	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/payment/complete", `{"paymentId":"p1","debug":"cancel"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeBody(t, w)["status"])
	assert.NotEmpty(t, svc.cancelReason)
}

func TestPaymentError(t *testing.T) {
	svc := &stubService{payment: &model.Payment{Identifier: "p1"}}

	w := doRequest(t, newTestRouter(svc), http.MethodPost, "/payment/error", `{"paymentId":"p1","error":{"message":"timeout"}}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "cancelled", decodeBody(t, w)["status"])
	assert.Contains(t, svc.cancelReason, "timeout")
}

func TestGetCounter(t *testing.T) {
	svc := &stubService{
		summary: model.CounterSummary{
			AccumulatedAmount: 2,
			PaymentsCount:     2,
			LastUpdated:       model.NewTimestamp(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)),
		},
	}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodGet, "/api/payment-counter", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t,
		`{"status":"success","counter":{"accumulated_amount":2,"payments_count":2,"last_updated":"2025-06-01T12:00:00Z"}}`,
		w.Body.String(),
	)

	svc.summaryErr = counter.ErrSummaryUnavailable
	w = doRequest(t, router, http.MethodGet, "/api/payment-counter", "", nil)
	require.Equal(t, http.StatusInternalServerError, w.Code)

	body := decodeBody(t, w)
	assert.Equal(t, "error", body["status"])
	assert.NotEmpty(t, body["error"])
}

func TestResetCounter(t *testing.T) {
	admin := map[string]string{"X-Admin-Token": "admin-secret"}

	t.Run("success", func(t *testing.T) {
		svc := &stubService{resetArchive: "payment_history_20250601_120000.json"}

		w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/payment-counter/reset", "", admin)
		require.Equal(t, http.StatusOK, w.Code)

		body := decodeBody(t, w)
		assert.Equal(t, "success", body["status"])
		assert.Equal(t, true, body["reset"])
		assert.Equal(t, "payment_history_20250601_120000.json", body["archive"])
	})

	t.Run("archive failure", func(t *testing.T) {
		svc := &stubService{resetErr: counter.ErrArchive}

		w := doRequest(t, newTestRouter(svc), http.MethodPost, "/api/payment-counter/reset", "", admin)
		require.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, false, decodeBody(t, w)["reset"])
	})

	t.Run("requires admin token", func(t *testing.T) {
		w := doRequest(t, newTestRouter(&stubService{}), http.MethodPost, "/api/payment-counter/reset", "", nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestCounterHistoryAndArchives(t *testing.T) {
	id := "p1"
	svc := &stubService{
		history: []model.PaymentRecord{
			{Amount: 1, PaymentID: &id},
			{Amount: 2},
		},
	}
	router := newTestRouter(svc)
	admin := map[string]string{"X-Admin-Token": "admin-secret"}

	w := doRequest(t, router, http.MethodGet, "/api/payment-counter/history?limit=1", "", admin)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		History []model.PaymentRecord `json:"history"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.History, 1)
	assert.Equal(t, "p1", *resp.History[0].PaymentID)

	w = doRequest(t, router, http.MethodGet, "/api/payment-counter/history?limit=x", "", admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, router, http.MethodGet, "/api/payment-counter/archives", "", admin)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","archives":[]}`, w.Body.String())
}

func TestGetCounterArchive(t *testing.T) {
	admin := map[string]string{"X-Admin-Token": "admin-secret"}
	const name = "payment_history_20250601_120000.json"

	tests := []struct {
		name       string
		err        error
		headers    map[string]string
		wantStatus int
	}{
		{name: "found", headers: admin, wantStatus: http.StatusOK},
		{
			name:       "invalid name",
			err:        fmt.Errorf("%w: %q", repository.ErrInvalidArchiveName, name),
			headers:    admin,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "not found",
			err:        fmt.Errorf("%w: %s", repository.ErrArchiveNotFound, name),
			headers:    admin,
			wantStatus: http.StatusNotFound,
		},
		{name: "storage failure", err: errors.New("disk failure"), headers: admin, wantStatus: http.StatusInternalServerError},
		{name: "requires admin token", wantStatus: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubService{
				archive:    model.CounterState{AccumulatedAmount: 7.5, PaymentsCount: 3},
				archiveErr: tt.err,
			}

			w := doRequest(t, newTestRouter(svc), http.MethodGet, "/api/payment-counter/archives/"+name, "", tt.headers)
			require.Equal(t, tt.wantStatus, w.Code, "body: %s", w.Body.String())
			if tt.wantStatus == http.StatusUnauthorized {
				assert.Empty(t, svc.archiveName)
				return
			}
			assert.Equal(t, name, svc.archiveName)

			body := decodeBody(t, w)
			if tt.wantStatus != http.StatusOK {
				assert.Equal(t, "error", body["status"])
				return
			}
			assert.Equal(t, "success", body["status"])
			assert.Equal(t, name, body["archive"])
			c, ok := body["counter"].(map[string]any)
			require.True(t, ok, "counter: %v", body["counter"])
			assert.Equal(t, 7.5, c["accumulated_amount"])
			assert.Equal(t, float64(3), c["payments_count"])
		})
	}
}

func TestGetCounterArchive_AfterReset(t *testing.T) {
	store, err := repository.NewCounterFileStore(t.TempDir())
	require.NoError(t, err)
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	acc := counter.New(store, zap.NewNop(), counter.WithClock(func() time.Time { return now }))

	_, err = acc.RecordPayment(context.Background(), 2.5, "pay_1", "u-1", "alice")
	require.NoError(t, err)

	svc := service.NewService(nil, acc, nil, 0.5, zap.NewNop())
	router := NewHandler(svc, zap.NewNop(), "admin-secret", "").SetupRouter()
	admin := map[string]string{"X-Admin-Token": "admin-secret"}

	w := doRequest(t, router, http.MethodPost, "/api/payment-counter/reset", "", admin)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	archive, _ := decodeBody(t, w)["archive"].(string)
	require.Equal(t, repository.ArchiveName(now), archive)

	w = doRequest(t, router, http.MethodGet, "/api/payment-counter/archives/"+archive, "", admin)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Archive string             `json:"archive"`
		Counter model.CounterState `json:"counter"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, archive, resp.Archive)
	assert.Equal(t, 2.5, resp.Counter.AccumulatedAmount)
	assert.Equal(t, int64(1), resp.Counter.PaymentsCount)
	require.Len(t, resp.Counter.PaymentsHistory, 1)
	assert.Equal(t, "pay_1", *resp.Counter.PaymentsHistory[0].PaymentID)

	w = doRequest(t, router, http.MethodGet, "/api/payment-counter/archives/counter.json", "", admin)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doRequest(t, router, http.MethodGet, "/api/payment-counter/archives/payment_history_19990101_000000.json", "", admin)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGzipResponsesAndRequests(t *testing.T) {
	svc := &stubService{
		summary: model.CounterSummary{AccumulatedAmount: 1.57, PaymentsCount: 1},
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/payment-counter", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))

	gr, err := gzip.NewReader(w.Body)
	require.NoError(t, err)
	plain, err := io.ReadAll(gr)
	require.NoError(t, err)
	require.NoError(t, gr.Close())

	var resp struct {
		Status  string               `json:"status"`
		Counter model.CounterSummary `json:"counter"`
	}
	require.NoError(t, json.Unmarshal(plain, &resp))
	assert.Equal(t, "success", resp.Status)
	assert.Equal(t, 1.57, resp.Counter.AccumulatedAmount)

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	_, err = gz.Write([]byte(`{"username":"carol","score":90,"level":1}`))
	require.NoError(t, err)
	require.NoError(t, gz.Close())

	req = httptest.NewRequest(http.MethodPost, "/api/scores/record", &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	assert.Empty(t, w.Header().Get("Content-Encoding"))
	assert.Equal(t, "carol", svc.savedScore.Username)
	assert.Equal(t, int64(90), svc.savedScore.Score)
}

func TestScores(t *testing.T) {
	svc := &stubService{
		scores: []model.Score{{ID: 1, Username: "alice", Score: 300, Level: 3}},
	}
	router := newTestRouter(svc)

	w := doRequest(t, router, http.MethodGet, "/api/scores?username=alice", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "alice", svc.scoresUser)

	var list []model.Score
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(300), list[0].Score)

	svc.scores = nil
	w = doRequest(t, router, http.MethodGet, "/api/scores", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `[]`, w.Body.String())

	w = doRequest(t, router, http.MethodPost, "/api/scores/record",
		`{"username":"bob","score":120,"level":2,"timestamp":1717243200000,"paymentId":"p9"}`, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "success", decodeBody(t, w)["status"])
	assert.Equal(t, "p9", svc.savedScore.PaymentID)
	assert.Equal(t, int64(1717243200000), svc.savedScore.Timestamp)

	svc.scoreErr = validation.ErrNegativeScore
	w = doRequest(t, router, http.MethodPost, "/api/scores/record", `{"username":"bob","score":-1}`, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	w := doRequest(t, newTestRouter(&stubService{}), http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, strings.Contains(w.Body.String(), "pipayments_counter_"), "counter metrics are not exported")
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>pi</html>"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "js"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "js", "app.js"), []byte("console.log(1)"), 0o644))

	router := NewHandler(&stubService{}, zap.NewNop(), "", dir).SetupRouter()

	w := doRequest(t, router, http.MethodGet, "/", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "<html>pi</html>")

	w = doRequest(t, router, http.MethodGet, "/static/js/app.js", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "console.log(1)")

	w = doRequest(t, router, http.MethodGet, "/favicon.ico", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
