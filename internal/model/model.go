// Package model содержит доменные сущности сервиса платежей Pi Network.
package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// timestampLayouts перечисляет форматы, в которых хранится время в записи счётчика.
// Второй формат встречается в файлах, записанных без указания часового пояса.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// Timestamp представляет момент времени в формате ISO-8601.
type Timestamp struct {
	time.Time
}

// NewTimestamp оборачивает время в Timestamp.
func NewTimestamp(t time.Time) Timestamp {
	return Timestamp{Time: t}
}

// MarshalJSON кодирует время в RFC 3339.
func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.Format(time.RFC3339Nano))
}

// UnmarshalJSON принимает RFC 3339 и ISO-8601 без часового пояса.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}

	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		parsed, err := time.ParseInLocation(layout, s, time.Local)
		if err == nil {
			t.Time = parsed
			return nil
		}
	}

	return fmt.Errorf("timestamp: unsupported format %q", s)
}

// PaymentRecord описывает одно поступление в счётчик. После создания не изменяется.
type PaymentRecord struct {
	Timestamp Timestamp `json:"timestamp"`
	Amount    float64   `json:"amount"`
	PaymentID *string   `json:"payment_id"`
	UserID    *string   `json:"user_id"`
	Username  *string   `json:"username"`
}

// CounterState является единственной сохраняемой сущностью счётчика платежей.
type CounterState struct {
	AccumulatedAmount float64         `json:"accumulated_amount"`
	LastUpdated       Timestamp       `json:"last_updated"`
	PaymentsCount     int64           `json:"payments_count"`
	PaymentsHistory   []PaymentRecord `json:"payments_history"`
}

// NewCounterState возвращает обнулённое состояние счётчика.
func NewCounterState(now time.Time) CounterState {
	return CounterState{
		LastUpdated:     NewTimestamp(now),
		PaymentsHistory: []PaymentRecord{},
	}
}

// Clone возвращает копию состояния, не разделяющую историю с оригиналом.
func (s CounterState) Clone() CounterState {
	cp := s
	cp.PaymentsHistory = make([]PaymentRecord, len(s.PaymentsHistory))
	copy(cp.PaymentsHistory, s.PaymentsHistory)
	return cp
}

// Summary возвращает краткую сводку состояния.
func (s CounterState) Summary() CounterSummary {
	return CounterSummary{
		AccumulatedAmount: s.AccumulatedAmount,
		PaymentsCount:     s.PaymentsCount,
		LastUpdated:       s.LastUpdated,
	}
}

// CounterSummary содержит публичную сводку счётчика.
type CounterSummary struct {
	AccumulatedAmount float64   `json:"accumulated_amount"`
	PaymentsCount     int64     `json:"payments_count"`
	LastUpdated       Timestamp `json:"last_updated"`
}

// OptionalString возвращает nil для пустой строки.
func OptionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// PiUser описывает пользователя Pi Network, полученного по токену доступа.
type PiUser struct {
	UID      string `json:"uid"`
	Username string `json:"username"`
}

// PaymentStatus описывает флаги состояния платежа во внешнем сервисе.
type PaymentStatus struct {
	DeveloperApproved   bool `json:"developer_approved"`
	TransactionVerified bool `json:"transaction_verified"`
	DeveloperCompleted  bool `json:"developer_completed"`
	Cancelled           bool `json:"cancelled"`
	UserCancelled       bool `json:"user_cancelled"`
}

// PaymentTransaction описывает транзакцию в блокчейне, связанную с платежом.
type PaymentTransaction struct {
	TxID     string `json:"txid"`
	Verified bool   `json:"verified"`
	Link     string `json:"_link"`
}

// Payment описывает платёж во внешнем сервисе платежей.
type Payment struct {
	Identifier  string              `json:"identifier"`
	UserUID     string              `json:"user_uid"`
	Amount      float64             `json:"amount"`
	Memo        string              `json:"memo"`
	Metadata    map[string]any      `json:"metadata"`
	FromAddress string              `json:"from_address"`
	ToAddress   string              `json:"to_address"`
	Direction   string              `json:"direction"`
	CreatedAt   string              `json:"created_at"`
	Network     string              `json:"network"`
	Status      PaymentStatus       `json:"status"`
	Transaction *PaymentTransaction `json:"transaction"`
}

// Score описывает результат игры пользователя.
type Score struct {
	ID        int64     `json:"id,omitempty"`
	Username  string    `json:"username"`
	Score     int64     `json:"score"`
	Level     int64     `json:"level"`
	Timestamp int64     `json:"timestamp"`
	PaymentID string    `json:"paymentId,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
