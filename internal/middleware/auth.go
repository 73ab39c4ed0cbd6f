// Package middleware содержит HTTP middleware сервиса платежей Pi Network.
package middleware

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/pi-payments/internal/model"
)

type contextKey string

const (
	userKey  contextKey = "piUser"
	tokenKey contextKey = "accessToken"
	rawKey   contextKey = "piUserRaw"
)

// AdminTokenHeader содержит токен администратора.
const AdminTokenHeader = "X-Admin-Token"

const maxAuthBody = 1 << 20

// Authenticator проверяет токен доступа пользователя.
type Authenticator interface {
	Authenticate(ctx context.Context, accessToken string) (*model.PiUser, json.RawMessage, error)
}

// AuthMiddleware проверяет токен доступа пользователя во внешнем сервисе.
type AuthMiddleware struct {
	auth   Authenticator
	logger *zap.Logger
}

// NewAuthMiddleware создаёт новый экземпляр AuthMiddleware.
func NewAuthMiddleware(auth Authenticator, logger *zap.Logger) *AuthMiddleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AuthMiddleware{
		auth:   auth,
		logger: logger,
	}
}

// Middleware извлекает токен из заголовка Authorization или поля accessToken тела
// запроса, проверяет его и добавляет пользователя в контекст запроса.
func (a *AuthMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractToken(r)
		if err != nil || token == "" {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		user, raw, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.logger.Info("access token rejected", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), userKey, user)
		ctx = context.WithValue(ctx, tokenKey, token)
		ctx = context.WithValue(ctx, rawKey, raw)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractToken(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") {
			return "", errors.New("unsupported authorization scheme")
		}
		return strings.TrimSpace(token), nil
	}

	if r.Body == nil || r.Body == http.NoBody {
		return "", nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxAuthBody))
	_ = r.Body.Close()
	if err != nil {
		return "", err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))

	var req struct {
		AccessToken string `json:"accessToken"`
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return "", nil
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", err
	}
	return strings.TrimSpace(req.AccessToken), nil
}

// GetUserFromContext извлекает пользователя из контекста запроса.
func GetUserFromContext(ctx context.Context) (*model.PiUser, bool) {
	user, ok := ctx.Value(userKey).(*model.PiUser)
	return user, ok && user != nil
}

// GetTokenFromContext извлекает проверенный токен доступа из контекста запроса.
func GetTokenFromContext(ctx context.Context) (string, bool) {
	token, ok := ctx.Value(tokenKey).(string)
	return token, ok && token != ""
}

// GetRawUserFromContext извлекает исходный ответ API о пользователе.
func GetRawUserFromContext(ctx context.Context) (json.RawMessage, bool) {
	raw, ok := ctx.Value(rawKey).(json.RawMessage)
	return raw, ok && len(raw) > 0
}

// AdminMiddleware пропускает запросы с верным токеном администратора.
// Пустой токен отключает защищённые маршруты.
func AdminMiddleware(token string) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if len(expected) == 0 {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}

			got := []byte(r.Header.Get(AdminTokenHeader))
			if subtle.ConstantTimeCompare(got, expected) != 1 {
				http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
