// Package handler содержит HTTP-обработчики API сервиса платежей Pi Network.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/middleware"
	"github.com/mmeshcher/pi-payments/internal/model"
	"github.com/mmeshcher/pi-payments/internal/pinetwork"
	"github.com/mmeshcher/pi-payments/internal/repository"
	"github.com/mmeshcher/pi-payments/internal/service"
	"github.com/mmeshcher/pi-payments/internal/validation"
)

const (
	statusSuccess   = "success"
	statusError     = "error"
	statusApproved  = "approved"
	statusCompleted = "completed"
	statusCancelled = "cancelled"

	debugCancel = "cancel"

	defaultHistoryLimit = 20
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	middleware.Authenticator
	Wallet(ctx context.Context, accessToken string) (json.RawMessage, error)
	ApprovePayment(ctx context.Context, paymentID string) (*model.Payment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (*service.CompletionResult, error)
	CancelPayment(ctx context.Context, paymentID, reason string) (*model.Payment, error)
	CounterSummary(ctx context.Context) (model.CounterSummary, error)
	ResetCounter(ctx context.Context) (string, error)
	CounterHistory(ctx context.Context, limit int) ([]model.PaymentRecord, error)
	CounterArchives(ctx context.Context) ([]string, error)
	CounterArchive(ctx context.Context, name string) (model.CounterState, error)
	RecordScore(ctx context.Context, score model.Score) (model.Score, error)
	ListScores(ctx context.Context, username string, limit int) ([]model.Score, error)
}

// Handler реализует HTTP-обработчики API сервиса.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	adminToken     string
	staticDir      string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, adminToken, staticDir string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: middleware.NewAuthMiddleware(s, logger),
		adminToken:     adminToken,
		staticDir:      staticDir,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"status": statusError, "error": msg})
}

// upstreamStatus переводит ошибку внешнего API в HTTP-статус ответа.
func upstreamStatus(err error) int {
	var apiErr *pinetwork.APIError
	switch {
	case errors.Is(err, service.ErrMissingPaymentID), errors.Is(err, service.ErrMissingTxID):
		return http.StatusBadRequest
	case errors.Is(err, pinetwork.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500:
		return http.StatusBadRequest
	default:
		return http.StatusBadGateway
	}
}

// Me возвращает сведения о пользователе, проверенные middleware.
func (h *Handler) Me(w http.ResponseWriter, r *http.Request) {
	raw, ok := middleware.GetRawUserFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no access token provided")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(raw)
}

// Wallet возвращает сведения о кошельке пользователя.
func (h *Handler) Wallet(w http.ResponseWriter, r *http.Request) {
	token, ok := middleware.GetTokenFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "no access token provided")
		return
	}

	wallet, err := h.service.Wallet(r.Context(), token)
	if err != nil {
		h.logger.Error("get wallet error", zap.Error(err))
		writeError(w, upstreamStatus(err), "failed to get wallet info")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(wallet)
}

type paymentRequest struct {
	PaymentID string `json:"paymentId"`
	TxID      string `json:"txid"`
	Debug     string `json:"debug"`
	Error     any    `json:"error"`
}

func decodePayment(r *http.Request) (paymentRequest, bool) {
	var req paymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return req, false
	}
	return req, req.PaymentID != ""
}

// ApprovePayment подтверждает платёж со стороны сервера.
func (h *Handler) ApprovePayment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePayment(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "paymentId is required")
		return
	}

	p, err := h.service.ApprovePayment(r.Context(), req.PaymentID)
	if err != nil {
		h.logger.Error("approve payment error", zap.Error(err), zap.String("payment_id", req.PaymentID))
		writeError(w, upstreamStatus(err), "failed to approve payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusApproved, "payment": p})
}

// CompletePayment завершает платёж и учитывает его в счётчике.
// Запрос с debug=cancel отменяет платёж.
func (h *Handler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePayment(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "paymentId is required")
		return
	}

	if req.Debug == debugCancel {
		h.cancel(w, r, req.PaymentID, "cancelled by client")
		return
	}

	res, err := h.service.CompletePayment(r.Context(), req.PaymentID, req.TxID)
	if err != nil {
		h.logger.Error("complete payment error", zap.Error(err), zap.String("payment_id", req.PaymentID))
		writeError(w, upstreamStatus(err), "failed to complete payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  statusCompleted,
		"payment": res.Payment,
		"counter": res.Counter,
	})
}

// PaymentError отменяет платёж, завершившийся ошибкой на стороне клиента.
func (h *Handler) PaymentError(w http.ResponseWriter, r *http.Request) {
	req, ok := decodePayment(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "paymentId is required")
		return
	}

	reason := "client error"
	if req.Error != nil {
		if b, err := json.Marshal(req.Error); err == nil {
			reason = string(b)
		}
	}

	h.cancel(w, r, req.PaymentID, reason)
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request, paymentID, reason string) {
	p, err := h.service.CancelPayment(r.Context(), paymentID, reason)
	if err != nil {
		h.logger.Error("cancel payment error", zap.Error(err), zap.String("payment_id", paymentID))
		writeError(w, upstreamStatus(err), "failed to cancel payment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusCancelled, "payment": p})
}

// GetCounter возвращает сводку счётчика платежей.
func (h *Handler) GetCounter(w http.ResponseWriter, r *http.Request) {
	summary, err := h.service.CounterSummary(r.Context())
	if err != nil {
		h.logger.Error("get counter error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "counter": summary})
}

// GetCounterHistory возвращает последние поступления в счётчик.
func (h *Handler) GetCounterHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultHistoryLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	history, err := h.service.CounterHistory(r.Context(), limit)
	if err != nil {
		h.logger.Error("get counter history error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "history": history})
}

// GetCounterArchives возвращает имена архивов счётчика.
func (h *Handler) GetCounterArchives(w http.ResponseWriter, r *http.Request) {
	archives, err := h.service.CounterArchives(r.Context())
	if err != nil {
		h.logger.Error("list counter archives error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if archives == nil {
		archives = []string{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "archives": archives})
}

// GetCounterArchive возвращает содержимое одного архива счётчика.
func (h *Handler) GetCounterArchive(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	state, err := h.service.CounterArchive(r.Context(), name)
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrInvalidArchiveName):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, repository.ErrArchiveNotFound):
			writeError(w, http.StatusNotFound, err.Error())
		default:
			h.logger.Error("load counter archive error", zap.Error(err), zap.String("archive", name))
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "archive": name, "counter": state})
}

// ResetCounter архивирует и обнуляет счётчик.
func (h *Handler) ResetCounter(w http.ResponseWriter, r *http.Request) {
	archive, err := h.service.ResetCounter(r.Context())
	if err != nil {
		h.logger.Error("reset counter error", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"status": statusError, "reset": false})
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "reset": true, "archive": archive})
}

// GetScores возвращает лучшие результаты игр.
func (h *Handler) GetScores(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}

	scores, err := h.service.ListScores(r.Context(), r.URL.Query().Get("username"), limit)
	if err != nil {
		h.logger.Error("list scores error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list scores")
		return
	}
	if scores == nil {
		scores = []model.Score{}
	}

	writeJSON(w, http.StatusOK, scores)
}

// RecordScore сохраняет результат игры.
func (h *Handler) RecordScore(w http.ResponseWriter, r *http.Request) {
	var req model.Score
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid score payload")
		return
	}

	saved, err := h.service.RecordScore(r.Context(), req)
	if err != nil {
		if errors.Is(err, validation.ErrEmptyUsername) ||
			errors.Is(err, validation.ErrUsernameTooLong) ||
			errors.Is(err, validation.ErrNegativeScore) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error("record score error", zap.Error(err), zap.String("username", req.Username))
		writeError(w, http.StatusInternalServerError, "failed to record score")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"status": statusSuccess, "score": saved})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New("invalid integer")
	}
	return n, nil
}
