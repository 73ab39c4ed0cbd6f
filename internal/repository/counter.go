package repository

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/mmeshcher/pi-payments/internal/model"
)

const (
	archivePrefix     = "payment_history_"
	archiveSuffix     = ".json"
	archiveTimeLayout = "20060102_150405"
	maxArchiveSuffix  = 1000
)

var (
	// ErrCounterNotFound возвращается, если запись счётчика ещё не создавалась.
	ErrCounterNotFound = errors.New("counter record not found")
	// ErrCounterCorrupt возвращается, если запись счётчика не удалось разобрать.
	ErrCounterCorrupt = errors.New("counter record is corrupt")
	// ErrArchiveNotFound возвращается, если архив с указанным именем отсутствует.
	ErrArchiveNotFound = errors.New("archive not found")
	// ErrArchiveExhausted возвращается, если все имена архива на эту секунду уже заняты.
	ErrArchiveExhausted = errors.New("no free archive name")
	// ErrInvalidArchiveName возвращается для имени, не похожего на имя архива.
	ErrInvalidArchiveName = errors.New("invalid archive name")
)

// ArchiveName возвращает базовое имя архива для момента времени с точностью до секунды.
func ArchiveName(at time.Time) string {
	return archivePrefix + at.Format(archiveTimeLayout) + archiveSuffix
}

// archiveCandidate возвращает n-й вариант имени архива. Нулевой вариант совпадает с ArchiveName.
func archiveCandidate(base string, n int) string {
	if n == 0 {
		return base
	}
	return fmt.Sprintf("%s_%d%s", strings.TrimSuffix(base, archiveSuffix), n, archiveSuffix)
}

// IsArchiveName сообщает, является ли name именем архива без компонентов пути.
func IsArchiveName(name string) bool {
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return false
	}
	return strings.HasPrefix(name, archivePrefix) && strings.HasSuffix(name, archiveSuffix)
}

func encodeState(state model.CounterState) ([]byte, error) {
	if state.PaymentsHistory == nil {
		state.PaymentsHistory = []model.PaymentRecord{}
	}
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode counter: %w", err)
	}
	return data, nil
}

func decodeState(data []byte) (model.CounterState, error) {
	var state model.CounterState
	if err := json.Unmarshal(data, &state); err != nil {
		return model.CounterState{}, fmt.Errorf("%w: %v", ErrCounterCorrupt, err)
	}

	if math.IsNaN(state.AccumulatedAmount) || math.IsInf(state.AccumulatedAmount, 0) || state.AccumulatedAmount < 0 {
		return model.CounterState{}, fmt.Errorf("%w: accumulated amount %v", ErrCounterCorrupt, state.AccumulatedAmount)
	}
	if state.PaymentsCount < 0 {
		return model.CounterState{}, fmt.Errorf("%w: payments count %d", ErrCounterCorrupt, state.PaymentsCount)
	}

	if state.PaymentsHistory == nil {
		state.PaymentsHistory = []model.PaymentRecord{}
	}

	return state, nil
}
