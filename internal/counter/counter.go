// Package counter ведёт накопительный счётчик доли завершённых платежей.
//
// Каждое изменение выполняется как цикл «загрузить, изменить, сохранить» под общим
// мьютексом, поэтому параллельные вызовы RecordPayment не теряют обновлений.
// Отсутствующая или повреждённая запись заменяется нулевой. Прочие сбои чтения
// возвращаются как ErrStoreRead без изменения записи. Сбой записи логируется и
// возвращается вместе с вычисленным состоянием.
package counter

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/model"
	"github.com/mmeshcher/pi-payments/internal/repository"
	"github.com/mmeshcher/pi-payments/internal/validation"
)

// DefaultHistoryLimit ограничивает число последних платежей в истории.
const DefaultHistoryLimit = 100

// Archiver сохраняет и читает архивные копии состояния.
type Archiver interface {
	Archive(ctx context.Context, state model.CounterState, at time.Time) (string, error)
	ListArchives(ctx context.Context) ([]string, error)
	LoadArchive(ctx context.Context, name string) (model.CounterState, error)
}

// Store описывает долговременное хранилище состояния счётчика.
type Store interface {
	Archiver
	Load(ctx context.Context) (model.CounterState, error)
	Save(ctx context.Context, state model.CounterState) error
}

// Option настраивает Accumulator.
type Option func(*Accumulator)

// WithClock задаёт источник текущего времени.
func WithClock(now func() time.Time) Option {
	return func(a *Accumulator) {
		a.now = now
	}
}

// WithHistoryLimit задаёт максимальную длину истории платежей.
func WithHistoryLimit(limit int) Option {
	return func(a *Accumulator) {
		if limit > 0 {
			a.historyLimit = limit
		}
	}
}

// Accumulator ведёт счётчик; на процесс создаётся один экземпляр.
type Accumulator struct {
	// mu: запись для RecordPayment/Reset/Init, чтение для Summarize/History.
	mu           sync.RWMutex
	store        Store
	logger       *zap.Logger
	now          func() time.Time
	historyLimit int
}

// New создаёт счётчик поверх хранилища.
func New(store Store, logger *zap.Logger, opts ...Option) *Accumulator {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Accumulator{
		store:        store,
		logger:       logger,
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Init загружает состояние при старте процесса; если записи нет, сохраняет нулевое состояние.
func (a *Accumulator) Init(ctx context.Context) (model.CounterSummary, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.load(ctx)
	if err != nil {
		return model.CounterSummary{}, fmt.Errorf("%w: %w", ErrSummaryUnavailable, err)
	}

	a.setGauges(state)
	return state.Summary(), nil
}

// RecordPayment добавляет сумму к счётчику, увеличивает число платежей на единицу
// и добавляет запись в начало истории.
//
// *ValidationError означает, что платёж отклонён и состояние не менялось.
// ErrStoreWrite возвращается вместе с новым состоянием: изменение применено,
// но не сохранено.
func (a *Accumulator) RecordPayment(ctx context.Context, amount any, paymentID, userID, username string) (model.CounterState, error) {
	done := observeOp(opRecord)

	value, err := validation.ParseAmount(amount)
	if err != nil {
		done(resultInvalid)
		return model.CounterState{}, &ValidationError{Amount: amount, Err: err}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.load(ctx)
	if err != nil {
		done(resultError)
		return model.CounterState{}, err
	}

	total := state.AccumulatedAmount + value
	if math.IsInf(total, 0) || math.IsNaN(total) {
		done(resultInvalid)
		return model.CounterState{}, &ValidationError{Amount: amount, Err: ErrTotalOverflow}
	}

	now := a.now()
	state.AccumulatedAmount = total
	state.PaymentsCount++
	state.LastUpdated = model.NewTimestamp(now)
	state.PaymentsHistory = a.prepend(state.PaymentsHistory, model.PaymentRecord{
		Timestamp: model.NewTimestamp(now),
		Amount:    value,
		PaymentID: model.OptionalString(paymentID),
		UserID:    model.OptionalString(userID),
		Username:  model.OptionalString(username),
	})

	if err := a.store.Save(ctx, state); err != nil {
		a.logger.Error("counter save failed",
			zap.Error(err),
			zap.Float64("amount", value),
			zap.String("payment_id", paymentID),
		)
		done(resultWriteFail)
		return state.Clone(), fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	a.setGauges(state)
	a.logger.Info("payment added to counter",
		zap.Float64("amount", value),
		zap.Float64("total", state.AccumulatedAmount),
		zap.Int64("count", state.PaymentsCount),
		zap.String("payment_id", paymentID),
	)
	done(resultOK)

	return state.Clone(), nil
}

// Summarize возвращает сводку текущего состояния без его изменения.
func (a *Accumulator) Summarize(ctx context.Context) (model.CounterSummary, error) {
	done := observeOp(opSummarize)

	a.mu.RLock()
	defer a.mu.RUnlock()

	state, err := a.load(ctx)
	if err != nil {
		done(resultError)
		return model.CounterSummary{}, fmt.Errorf("%w: %w", ErrSummaryUnavailable, err)
	}

	done(resultOK)
	return state.Summary(), nil
}

// History возвращает последние записи истории (новые первыми). limit <= 0 означает всю историю.
func (a *Accumulator) History(ctx context.Context, limit int) ([]model.PaymentRecord, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()

	state, err := a.load(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSummaryUnavailable, err)
	}

	history := state.PaymentsHistory
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}

	res := make([]model.PaymentRecord, len(history))
	copy(res, history)
	return res, nil
}

// Reset сохраняет архив текущего состояния и обнуляет накопленную сумму.
// Число платежей и история сохраняются. Возвращает имя архива.
//
// Если архив сохранить не удалось, текущее состояние не меняется.
func (a *Accumulator) Reset(ctx context.Context) (string, error) {
	done := observeOp(opReset)

	a.mu.Lock()
	defer a.mu.Unlock()

	state, err := a.load(ctx)
	if err != nil {
		done(resultError)
		return "", err
	}

	now := a.now()
	archive, err := a.store.Archive(ctx, state, now)
	if err != nil {
		a.logger.Error("counter archive failed", zap.Error(err))
		done(resultError)
		return "", fmt.Errorf("%w: %w", ErrArchive, err)
	}

	archived := state.AccumulatedAmount
	state.AccumulatedAmount = 0
	state.LastUpdated = model.NewTimestamp(now)

	if err := a.store.Save(ctx, state); err != nil {
		a.logger.Error("counter save after reset failed", zap.Error(err), zap.String("archive", archive))
		done(resultWriteFail)
		return archive, fmt.Errorf("%w: %w", ErrStoreWrite, err)
	}

	a.setGauges(state)
	a.logger.Info("counter reset",
		zap.String("archive", archive),
		zap.Float64("archived_amount", archived),
		zap.Int64("count", state.PaymentsCount),
	)
	done(resultOK)

	return archive, nil
}

// Archives возвращает имена сохранённых архивов.
func (a *Accumulator) Archives(ctx context.Context) ([]string, error) {
	return a.store.ListArchives(ctx)
}

// Archive возвращает содержимое архива по имени.
func (a *Accumulator) Archive(ctx context.Context, name string) (model.CounterState, error) {
	return a.store.LoadArchive(ctx, name)
}

// load читает состояние; вызывающий держит a.mu.
// Отсутствующая или повреждённая запись заменяется нулевым состоянием, которое сразу сохраняется.
// Прочие ошибки чтения возвращаются как ErrStoreRead, запись при этом не трогается.
func (a *Accumulator) load(ctx context.Context) (model.CounterState, error) {
	state, err := a.store.Load(ctx)
	if err == nil {
		return state, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.CounterState{}, ctxErr
	}

	readErr := fmt.Errorf("%w: %w", ErrStoreRead, err)
	switch {
	case errors.Is(err, repository.ErrCounterNotFound):
		a.logger.Warn("counter record not found, initializing", zap.Error(readErr))
	case errors.Is(err, repository.ErrCounterCorrupt):
		a.logger.Warn("counter record unreadable, reinitializing", zap.Error(readErr))
	default:
		a.logger.Error("counter read failed", zap.Error(readErr))
		return model.CounterState{}, readErr
	}

	state = model.NewCounterState(a.now())
	if err := a.store.Save(ctx, state); err != nil {
		a.logger.Error("counter initial save failed", zap.Error(err))
	}

	return state, nil
}

func (a *Accumulator) prepend(history []model.PaymentRecord, record model.PaymentRecord) []model.PaymentRecord {
	size := len(history) + 1
	if size > a.historyLimit {
		size = a.historyLimit
	}

	res := make([]model.PaymentRecord, 0, size)
	res = append(res, record)
	res = append(res, history[:size-1]...)
	return res
}

func (a *Accumulator) setGauges(state model.CounterState) {
	AccumulatedAmount.Set(state.AccumulatedAmount)
	PaymentsCount.Set(float64(state.PaymentsCount))
}
