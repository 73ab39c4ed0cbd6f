// Package pinetwork предоставляет клиент для API платежей Pi Network.
package pinetwork

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/model"
)

// DefaultBaseURL указывает на production API Pi Network.
const DefaultBaseURL = "https://api.minepi.com"

const maxErrorBody = 4 << 10

var (
	// ErrNotConfigured возвращается, если клиент создан без адреса или ключа.
	ErrNotConfigured = errors.New("pi network client not configured")
	// ErrUnauthorized возвращается, если токен пользователя отклонён.
	ErrUnauthorized = errors.New("access token rejected")
)

// APIError описывает ответ API с неуспешным статусом.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("pi api: unexpected status %d: %s", e.StatusCode, e.Body)
}

// Client инкапсулирует HTTP-взаимодействие с API Pi Network.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *retryablehttp.Client
}

// Option настраивает Client.
type Option func(*Client)

// WithRetryMax задаёт число повторов для временных ошибок.
func WithRetryMax(n int) Option {
	return func(c *Client) {
		c.httpClient.RetryMax = n
	}
}

// WithLogger направляет журнал повторов в zap.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.httpClient.Logger = leveledLogger{logger.Sugar()}
	}
}

// NewClient создаёт клиент API с серверным ключом apiKey.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	httpClient := retryablehttp.NewClient()
	httpClient.HTTPClient.Timeout = 10 * time.Second
	httpClient.RetryMax = 2
	httpClient.RetryWaitMin = 200 * time.Millisecond
	httpClient.RetryWaitMax = 2 * time.Second
	httpClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	httpClient.Logger = nil

	c := &Client{
		baseURL:    normalizeBaseURL(baseURL),
		apiKey:     apiKey,
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalizeBaseURL(base string) string {
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base == "" {
		return ""
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "https://" + base
	}
	return base
}

// Me возвращает пользователя, которому принадлежит токен доступа, и исходный ответ API.
func (c *Client) Me(ctx context.Context, accessToken string) (*model.PiUser, json.RawMessage, error) {
	raw, err := c.userRequest(ctx, "/v2/me", accessToken)
	if err != nil {
		return nil, nil, err
	}

	var user model.PiUser
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, nil, fmt.Errorf("decode user: %w", err)
	}
	if user.UID == "" {
		return nil, nil, fmt.Errorf("%w: empty uid", ErrUnauthorized)
	}

	return &user, raw, nil
}

// Wallet возвращает сведения о кошельке пользователя в исходном виде.
func (c *Client) Wallet(ctx context.Context, accessToken string) (json.RawMessage, error) {
	return c.userRequest(ctx, "/v2/wallet", accessToken)
}

// ApprovePayment подтверждает платёж со стороны сервера.
func (c *Client) ApprovePayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := c.serverRequest(ctx, http.MethodPost, paymentPath(paymentID, "approve"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type completeRequest struct {
	TxID string `json:"txid"`
}

// CompletePayment завершает платёж, передавая идентификатор транзакции в блокчейне.
func (c *Client) CompletePayment(ctx context.Context, paymentID, txid string) (*model.Payment, error) {
	var p model.Payment
	if err := c.serverRequest(ctx, http.MethodPost, paymentPath(paymentID, "complete"), completeRequest{TxID: txid}, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// CancelPayment отменяет платёж.
func (c *Client) CancelPayment(ctx context.Context, paymentID string) (*model.Payment, error) {
	var p model.Payment
	if err := c.serverRequest(ctx, http.MethodPost, paymentPath(paymentID, "cancel"), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

type incompletePaymentsResponse struct {
	Payments []model.Payment `json:"incomplete_server_payments"`
}

// IncompletePayments возвращает платежи, одобренные сервером, но не завершённые.
func (c *Client) IncompletePayments(ctx context.Context) ([]model.Payment, error) {
	var resp incompletePaymentsResponse
	if err := c.serverRequest(ctx, http.MethodGet, "/v2/payments/incomplete_server_payments", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Payments, nil
}

func paymentPath(paymentID, action string) string {
	return "/v2/payments/" + url.PathEscape(paymentID) + "/" + action
}

func (c *Client) userRequest(ctx context.Context, path, accessToken string) (json.RawMessage, error) {
	if c == nil || c.baseURL == "" {
		return nil, ErrNotConfigured
	}
	if accessToken == "" {
		return nil, ErrUnauthorized
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	body, err := c.do(req)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Body)
		}
		return nil, err
	}

	return json.RawMessage(body), nil
}

func (c *Client) serverRequest(ctx context.Context, method, path string, payload, out any) error {
	if c == nil || c.baseURL == "" || c.apiKey == "" {
		return ErrNotConfigured
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Key "+c.apiKey)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	body, err := c.do(req)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return body, nil
}

// leveledLogger адаптирует zap к интерфейсу retryablehttp.LeveledLogger.
type leveledLogger struct {
	s *zap.SugaredLogger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}
