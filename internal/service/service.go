// Package service реализует бизнес-логику сервиса платежей Pi Network.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/counter"
	"github.com/mmeshcher/pi-payments/internal/model"
	"github.com/mmeshcher/pi-payments/internal/validation"
)

const (
	defaultScoresLimit = 50
	maxScoresLimit     = 100
)

// ErrMissingPaymentID возвращается, если не передан идентификатор платежа.
var ErrMissingPaymentID = errors.New("payment id is required")

// ErrMissingTxID возвращается, если для завершения платежа не передан txid.
var ErrMissingTxID = errors.New("txid is required")

// PiClient описывает контракт клиента API платежей.
type PiClient interface {
	Me(ctx context.Context, accessToken string) (*model.PiUser, json.RawMessage, error)
	Wallet(ctx context.Context, accessToken string) (json.RawMessage, error)
	ApprovePayment(ctx context.Context, paymentID string) (*model.Payment, error)
	CompletePayment(ctx context.Context, paymentID, txid string) (*model.Payment, error)
	CancelPayment(ctx context.Context, paymentID string) (*model.Payment, error)
	IncompletePayments(ctx context.Context) ([]model.Payment, error)
}

// Counter описывает контракт счётчика платежей.
type Counter interface {
	RecordPayment(ctx context.Context, amount any, paymentID, userID, username string) (model.CounterState, error)
	Summarize(ctx context.Context) (model.CounterSummary, error)
	Reset(ctx context.Context) (string, error)
	History(ctx context.Context, limit int) ([]model.PaymentRecord, error)
	Archives(ctx context.Context) ([]string, error)
	Archive(ctx context.Context, name string) (model.CounterState, error)
}

// ScoreRepository описывает хранилище результатов игр.
type ScoreRepository interface {
	Close() error
	AddScore(ctx context.Context, score model.Score) (model.Score, error)
	ListScores(ctx context.Context, username string, limit int) ([]model.Score, error)
}

// Service содержит бизнес-логику сервиса.
type Service struct {
	pi      PiClient
	counter Counter
	scores  ScoreRepository
	split   float64
	logger  *zap.Logger
}

// NewService создаёт сервис. split задаёт долю каждого завершённого платежа, которая идёт в счётчик.
func NewService(pi PiClient, c Counter, scores ScoreRepository, split float64, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pi:      pi,
		counter: c,
		scores:  scores,
		split:   split,
		logger:  logger,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.scores != nil {
		return s.scores.Close()
	}
	return nil
}

// Authenticate возвращает пользователя по токену доступа.
func (s *Service) Authenticate(ctx context.Context, accessToken string) (*model.PiUser, json.RawMessage, error) {
	return s.pi.Me(ctx, accessToken)
}

// Wallet возвращает сведения о кошельке пользователя.
func (s *Service) Wallet(ctx context.Context, accessToken string) (json.RawMessage, error) {
	return s.pi.Wallet(ctx, accessToken)
}

// ApprovePayment подтверждает платёж со стороны сервера.
func (s *Service) ApprovePayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, ErrMissingPaymentID
	}

	p, err := s.pi.ApprovePayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("approve payment %s: %w", paymentID, err)
	}

	s.logger.Info("payment approved", zap.String("payment_id", paymentID))
	return p, nil
}

// CompletionResult содержит завершённый платёж и сводку счётчика после его учёта.
// Counter равен nil, если учесть платёж в счётчике не удалось.
type CompletionResult struct {
	Payment *model.Payment
	Counter *model.CounterSummary
}

// CompletePayment завершает платёж во внешнем сервисе и учитывает его долю в счётчике.
// Сбой счётчика не делает завершение платежа неуспешным.
func (s *Service) CompletePayment(ctx context.Context, paymentID, txid string) (*CompletionResult, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, ErrMissingPaymentID
	}
	if strings.TrimSpace(txid) == "" {
		return nil, ErrMissingTxID
	}

	p, err := s.pi.CompletePayment(ctx, paymentID, txid)
	if err != nil {
		return nil, fmt.Errorf("complete payment %s: %w", paymentID, err)
	}

	s.logger.Info("payment completed",
		zap.String("payment_id", paymentID),
		zap.String("txid", txid),
		zap.Float64("amount", p.Amount),
	)

	return &CompletionResult{
		Payment: p,
		Counter: s.recordCompletion(ctx, paymentID, p),
	}, nil
}

// recordCompletion передаёт в счётчик долю завершённого платежа.
func (s *Service) recordCompletion(ctx context.Context, paymentID string, p *model.Payment) *model.CounterSummary {
	if s.counter == nil {
		return nil
	}

	id := p.Identifier
	if id == "" {
		id = paymentID
	}

	share := p.Amount * s.split
	state, err := s.counter.RecordPayment(ctx, share, id, p.UserUID, usernameFromMetadata(p.Metadata))
	if err != nil {
		if errors.Is(err, counter.ErrStoreWrite) {
			s.logger.Warn("payment counted but not persisted", zap.Error(err), zap.String("payment_id", id))
			summary := state.Summary()
			return &summary
		}
		s.logger.Error("payment counter update failed", zap.Error(err), zap.String("payment_id", id))
		return nil
	}

	summary := state.Summary()
	return &summary
}

func usernameFromMetadata(md map[string]any) string {
	for _, key := range []string{"username", "user", "pioneer"} {
		if v, ok := md[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// CancelPayment отменяет платёж; reason попадает только в журнал.
func (s *Service) CancelPayment(ctx context.Context, paymentID, reason string) (*model.Payment, error) {
	if strings.TrimSpace(paymentID) == "" {
		return nil, ErrMissingPaymentID
	}

	p, err := s.pi.CancelPayment(ctx, paymentID)
	if err != nil {
		return nil, fmt.Errorf("cancel payment %s: %w", paymentID, err)
	}

	s.logger.Info("payment cancelled", zap.String("payment_id", paymentID), zap.String("reason", reason))
	return p, nil
}

// CounterSummary возвращает сводку счётчика.
func (s *Service) CounterSummary(ctx context.Context) (model.CounterSummary, error) {
	return s.counter.Summarize(ctx)
}

// ResetCounter архивирует и обнуляет счётчик. Возвращает имя архива.
func (s *Service) ResetCounter(ctx context.Context) (string, error) {
	return s.counter.Reset(ctx)
}

// CounterHistory возвращает последние записи истории счётчика.
func (s *Service) CounterHistory(ctx context.Context, limit int) ([]model.PaymentRecord, error) {
	return s.counter.History(ctx, limit)
}

// CounterArchives возвращает имена архивов счётчика.
func (s *Service) CounterArchives(ctx context.Context) ([]string, error) {
	return s.counter.Archives(ctx)
}

// CounterArchive возвращает содержимое архива счётчика по имени.
func (s *Service) CounterArchive(ctx context.Context, name string) (model.CounterState, error) {
	return s.counter.Archive(ctx, name)
}

// RecordScore проверяет и сохраняет результат игры.
func (s *Service) RecordScore(ctx context.Context, score model.Score) (model.Score, error) {
	score.Username = strings.TrimSpace(score.Username)
	if err := validation.ValidateScore(score.Username, score.Score, score.Level); err != nil {
		return model.Score{}, err
	}
	if score.Timestamp == 0 {
		score.Timestamp = time.Now().UnixMilli()
	}
	return s.scores.AddScore(ctx, score)
}

// ListScores возвращает лучшие результаты, при непустом username только его.
func (s *Service) ListScores(ctx context.Context, username string, limit int) ([]model.Score, error) {
	if limit <= 0 {
		limit = defaultScoresLimit
	}
	if limit > maxScoresLimit {
		limit = maxScoresLimit
	}
	return s.scores.ListScores(ctx, strings.TrimSpace(username), limit)
}

// StartIncompleteSweep запускает фоновую проверку незавершённых платежей: платежи,
// по которым уже есть транзакция, завершаются и учитываются в счётчике.
func (s *Service) StartIncompleteSweep(ctx context.Context, interval time.Duration) {
	if s.pi == nil || interval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		s.processIncomplete(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.processIncomplete(ctx)
			}
		}
	}()
}

func (s *Service) processIncomplete(ctx context.Context) {
	payments, err := s.pi.IncompletePayments(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("fetch incomplete payments failed", zap.Error(err))
		}
		return
	}

	for _, p := range payments {
		if ctx.Err() != nil {
			return
		}
		if p.Status.Cancelled || p.Status.UserCancelled || p.Status.DeveloperCompleted {
			continue
		}
		if p.Transaction == nil || p.Transaction.TxID == "" {
			continue
		}

		if _, err := s.CompletePayment(ctx, p.Identifier, p.Transaction.TxID); err != nil {
			s.logger.Warn("complete pending payment failed", zap.Error(err), zap.String("payment_id", p.Identifier))
		}
	}
}
