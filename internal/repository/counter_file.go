package repository

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/mmeshcher/pi-payments/internal/model"
)

// CounterFileName задаёт имя файла с текущим состоянием счётчика.
const CounterFileName = "counter.json"

// CounterFileStore хранит состояние счётчика в JSON-файле, а архивы в отдельных файлах рядом с ним.
type CounterFileStore struct {
	dir  string
	path string
}

// NewCounterFileStore создаёт хранилище в каталоге dir, создавая каталог при необходимости.
func NewCounterFileStore(dir string) (*CounterFileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &CounterFileStore{
		dir:  dir,
		path: filepath.Join(dir, CounterFileName),
	}, nil
}

// Path возвращает путь к файлу с текущим состоянием.
func (s *CounterFileStore) Path() string {
	return s.path
}

// Close ничего не делает: файловое хранилище не держит открытых ресурсов.
func (s *CounterFileStore) Close() error {
	return nil
}

// Load читает текущее состояние счётчика.
func (s *CounterFileStore) Load(ctx context.Context) (model.CounterState, error) {
	if err := ctx.Err(); err != nil {
		return model.CounterState{}, err
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.CounterState{}, ErrCounterNotFound
		}
		return model.CounterState{}, fmt.Errorf("read counter: %w", err)
	}

	return decodeState(data)
}

// Save атомарно перезаписывает состояние: данные пишутся во временный файл, который затем переименовывается.
func (s *CounterFileStore) Save(ctx context.Context, state model.CounterState) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := encodeState(state)
	if err != nil {
		return err
	}

	tmp, err := s.writeTemp(data)
	if err != nil {
		return err
	}

	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace counter: %w", err)
	}

	return nil
}

// Archive сохраняет копию состояния в новый файл payment_history_YYYYMMDD_HHMMSS.json.
// Существующий архив никогда не перезаписывается: при совпадении имени добавляется суффикс _N.
func (s *CounterFileStore) Archive(ctx context.Context, state model.CounterState, at time.Time) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	data, err := encodeState(state)
	if err != nil {
		return "", err
	}

	tmp, err := s.writeTemp(data)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp)

	base := ArchiveName(at)
	for n := 0; n < maxArchiveSuffix; n++ {
		name := archiveCandidate(base, n)
		err := os.Link(tmp, filepath.Join(s.dir, name))
		if err == nil {
			return name, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return "", fmt.Errorf("link archive: %w", err)
		}
	}

	return "", fmt.Errorf("%w: %s", ErrArchiveExhausted, base)
}

// ListArchives возвращает имена архивов в хронологическом порядке.
func (s *CounterFileStore) ListArchives(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	matches, err := filepath.Glob(filepath.Join(s.dir, archivePrefix+"*"+archiveSuffix))
	if err != nil {
		return nil, fmt.Errorf("list archives: %w", err)
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)

	return names, nil
}

// LoadArchive читает архив по имени.
func (s *CounterFileStore) LoadArchive(ctx context.Context, name string) (model.CounterState, error) {
	if err := ctx.Err(); err != nil {
		return model.CounterState{}, err
	}
	if !IsArchiveName(name) {
		return model.CounterState{}, fmt.Errorf("%w: %q", ErrInvalidArchiveName, name)
	}

	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return model.CounterState{}, fmt.Errorf("%w: %s", ErrArchiveNotFound, name)
		}
		return model.CounterState{}, fmt.Errorf("read archive: %w", err)
	}

	return decodeState(data)
}

func (s *CounterFileStore) writeTemp(data []byte) (string, error) {
	f, err := os.CreateTemp(s.dir, ".counter-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	return name, nil
}
