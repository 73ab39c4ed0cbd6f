// Package repository содержит хранилища сервиса: счётчик платежей (файл или BoltDB)
// и результаты игр (память или PostgreSQL).
package repository

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sethvargo/go-retry"

	"github.com/mmeshcher/pi-payments/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	retryBase       = 1 * time.Second
	retryMaxRetries = 3
)

// PostgresScoreRepository хранит результаты игр в PostgreSQL.
type PostgresScoreRepository struct {
	pool      *pgxpool.Pool
	retryBase time.Duration
}

// NewPostgresScoreRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresScoreRepository(dsn string) (*PostgresScoreRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresScoreRepository{pool: pool, retryBase: retryBase}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresScoreRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

// withRetry повторяет fn с экспоненциальной задержкой, пока ошибка временная.
func (r *PostgresScoreRepository) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(retryMaxRetries, retry.NewExponential(r.retryBase))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if isRetryable(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}

	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	// Упрощенная проверка на ошибки соединения
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

// Close закрывает пул соединений с БД.
func (r *PostgresScoreRepository) Close() error {
	r.pool.Close()
	return nil
}

// AddScore сохраняет результат игры.
func (r *PostgresScoreRepository) AddScore(ctx context.Context, score model.Score) (model.Score, error) {
	err := r.withRetry(ctx, func(ctx context.Context) error {
		return r.pool.QueryRow(ctx,
			`INSERT INTO scores (username, score, level, client_ts, payment_id)
			 VALUES ($1, $2, $3, $4, NULLIF($5, ''))
			 RETURNING id, created_at`,
			score.Username, score.Score, score.Level, score.Timestamp, score.PaymentID,
		).Scan(&score.ID, &score.CreatedAt)
	})
	if err != nil {
		return model.Score{}, fmt.Errorf("insert score: %w", err)
	}

	return score, nil
}

// ListScores возвращает лучшие результаты, при непустом username только указанного пользователя.
func (r *PostgresScoreRepository) ListScores(ctx context.Context, username string, limit int) ([]model.Score, error) {
	var res []model.Score

	err := r.withRetry(ctx, func(ctx context.Context) error {
		rows, err := r.pool.Query(ctx,
			`SELECT id, username, score, level, client_ts, COALESCE(payment_id, ''), created_at
			 FROM scores
			 WHERE $1 = '' OR username = $1
			 ORDER BY score DESC, id
			 LIMIT $2`,
			username, limit,
		)
		if err != nil {
			return fmt.Errorf("select scores: %w", err)
		}
		defer rows.Close()

		res = res[:0]
		for rows.Next() {
			var s model.Score
			if err := rows.Scan(&s.ID, &s.Username, &s.Score, &s.Level, &s.Timestamp, &s.PaymentID, &s.CreatedAt); err != nil {
				return fmt.Errorf("scan score: %w", err)
			}
			res = append(res, s)
		}

		if err := rows.Err(); err != nil {
			return fmt.Errorf("rows error: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return res, nil
}
