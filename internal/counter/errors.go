package counter

import (
	"errors"
	"fmt"
)

var (
	// ErrStoreRead возвращается при сбое чтения хранилища. Отсутствующая или повреждённая
	// запись ошибкой не считается: счётчик заменяет её нулевым состоянием.
	ErrStoreRead = errors.New("counter store read failed")
	// ErrStoreWrite возвращается, если новое состояние не удалось сохранить.
	ErrStoreWrite = errors.New("counter store write failed")
	// ErrArchive возвращается, если перед сбросом не удалось сохранить архив.
	ErrArchive = errors.New("counter archive failed")
	// ErrSummaryUnavailable возвращается, если состояние не удалось прочитать.
	ErrSummaryUnavailable = errors.New("counter summary unavailable")
	// ErrTotalOverflow означает, что сумма с новым платежом перестала быть конечным числом.
	ErrTotalOverflow = errors.New("accumulated amount would overflow")
)

// ValidationError описывает отклонённую сумму платежа. Состояние счётчика при этом не меняется.
type ValidationError struct {
	Amount any
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid payment amount %v: %v", e.Amount, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}
