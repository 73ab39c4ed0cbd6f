package repository

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/mmeshcher/pi-payments/internal/model"
)

// CounterBoltFileName задаёт имя файла базы BoltDB со счётчиком.
const CounterBoltFileName = "counter.db"

var (
	counterBucket  = []byte("counter")
	archivesBucket = []byte("archives")
	stateKey       = []byte("state")
)

// CounterBoltStore хранит состояние счётчика и архивы во встроенной базе BoltDB.
// Каждая операция выполняется в отдельной транзакции, поэтому читатель не видит частичной записи.
type CounterBoltStore struct {
	db *bolt.DB
}

// NewCounterBoltStore открывает (или создаёт) базу в каталоге dir и создаёт нужные бакеты.
func NewCounterBoltStore(dir string) (*CounterBoltStore, error) {
	path := filepath.Join(dir, CounterBoltFileName)

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(counterBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(archivesBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &CounterBoltStore{db: db}, nil
}

// Close освобождает блокировку файла базы.
func (s *CounterBoltStore) Close() error {
	return s.db.Close()
}

// Load читает текущее состояние счётчика.
func (s *CounterBoltStore) Load(ctx context.Context) (model.CounterState, error) {
	if err := ctx.Err(); err != nil {
		return model.CounterState{}, err
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(counterBucket).Get(stateKey)
		if v == nil {
			return ErrCounterNotFound
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return model.CounterState{}, err
	}

	return decodeState(data)
}

// Save перезаписывает состояние счётчика.
func (s *CounterBoltStore) Save(ctx context.Context, state model.CounterState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeState(state)
	if err != nil {
		return err
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(counterBucket).Put(stateKey, data)
	})
	if err != nil {
		return fmt.Errorf("put counter: %w", err)
	}
	return nil
}

// Archive сохраняет копию состояния под новым ключом; существующие архивы не перезаписываются.
func (s *CounterBoltStore) Archive(ctx context.Context, state model.CounterState, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := encodeState(state)
	if err != nil {
		return "", err
	}

	var name string
	err = s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(archivesBucket)
		base := ArchiveName(at)
		for n := 0; n < maxArchiveSuffix; n++ {
			candidate := archiveCandidate(base, n)
			if b.Get([]byte(candidate)) != nil {
				continue
			}
			name = candidate
			return b.Put([]byte(candidate), data)
		}
		return fmt.Errorf("%w: %s", ErrArchiveExhausted, base)
	})
	if err != nil {
		return "", err
	}

	return name, nil
}

// ListArchives возвращает имена архивов в хронологическом порядке.
func (s *CounterBoltStore) ListArchives(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	names := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(archivesBucket).ForEach(func(k, _ []byte) error {
			names = append(names, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	return names, nil
}

// LoadArchive читает архив по имени.
func (s *CounterBoltStore) LoadArchive(ctx context.Context, name string) (model.CounterState, error) {
	if err := ctx.Err(); err != nil {
		return model.CounterState{}, err
	}
	if !IsArchiveName(name) {
		return model.CounterState{}, fmt.Errorf("%w: %q", ErrInvalidArchiveName, name)
	}

	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(archivesBucket).Get([]byte(name))
		if v == nil {
			return fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
		}
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return model.CounterState{}, err
	}

	return decodeState(data)
}
