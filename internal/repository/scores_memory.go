package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/pi-payments/internal/model"
)

// MemoryScoreRepository хранит результаты игр в памяти процесса.
// Используется, когда база данных не настроена.
type MemoryScoreRepository struct {
	mu     sync.RWMutex
	nextID int64
	scores []model.Score
	now    func() time.Time
}

// NewMemoryScoreRepository создаёт пустое хранилище результатов.
func NewMemoryScoreRepository() *MemoryScoreRepository {
	return &MemoryScoreRepository{now: time.Now}
}

// Close ничего не делает.
func (r *MemoryScoreRepository) Close() error {
	return nil
}

// AddScore сохраняет результат и возвращает его с присвоенным идентификатором.
func (r *MemoryScoreRepository) AddScore(ctx context.Context, score model.Score) (model.Score, error) {
	if err := ctx.Err(); err != nil {
		return model.Score{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	score.ID = r.nextID
	score.CreatedAt = r.now().UTC()
	r.scores = append(r.scores, score)

	return score, nil
}

// ListScores возвращает лучшие результаты (по убыванию), при непустом username только его.
func (r *MemoryScoreRepository) ListScores(ctx context.Context, username string, limit int) ([]model.Score, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r.mu.RLock()
	res := make([]model.Score, 0, len(r.scores))
	for _, s := range r.scores {
		if username != "" && s.Username != username {
			continue
		}
		res = append(res, s)
	}
	r.mu.RUnlock()

	sort.SliceStable(res, func(i, j int) bool {
		if res[i].Score != res[j].Score {
			return res[i].Score > res[j].Score
		}
		return res[i].ID < res[j].ID
	})

	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}

	return res, nil
}
