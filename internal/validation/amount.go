// Package validation содержит функции валидации входных данных.
package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

var (
	// ErrAmountNotNumber возвращается, если сумму не удалось привести к числу.
	ErrAmountNotNumber = errors.New("amount is not a number")
	// ErrAmountNotFinite возвращается для NaN и бесконечностей.
	ErrAmountNotFinite = errors.New("amount is not finite")
	// ErrAmountNegative возвращается для отрицательной суммы.
	ErrAmountNegative = errors.New("amount is negative")
)

// ParseAmount приводит сумму платежа к float64 и проверяет, что она конечна и неотрицательна.
func ParseAmount(v any) (float64, error) {
	var f float64

	switch x := v.(type) {
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint32:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		parsed, err := x.Float64()
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrAmountNotNumber, x.String())
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%w: %q", ErrAmountNotNumber, x)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("%w: %T", ErrAmountNotNumber, v)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, ErrAmountNotFinite
	}
	if f < 0 {
		return 0, ErrAmountNegative
	}

	return f, nil
}
