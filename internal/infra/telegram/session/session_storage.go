// Package session содержит реализации tdsession.Storage для MTProto-сессий клонера:
//   - FileStorage: сессия собственного клиента бота в файле (атомарная запись);
//   - MemoryStorage: сессия учётной записи, которая живёт в credential.Store:
//     стартовые байты берутся из записи, каждое обновление отдаётся колбэку.
package session

import (
	"context"
	"fmt"
	"os"
	"slices"
	"sync"

	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/storage"

	"github.com/go-faster/errors"
	tdsession "github.com/gotd/td/session"
)

// FileStorage реализует tdsession.Storage поверх обычного файла.
// Потокобезопасен: операции Load/Store защищены мьютексом.
type FileStorage struct {
	Path string
	mux  sync.Mutex
}

var (
	_ tdsession.Storage = (*FileStorage)(nil)
	_ tdsession.Storage = (*MemoryStorage)(nil)
)

// LoadSession читает файл сессии с диска.
func (f *FileStorage) LoadSession(_ context.Context) ([]byte, error) {
	if f == nil {
		return nil, errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	data, err := os.ReadFile(f.Path)
	if os.IsNotExist(err) || (err == nil && len(data) == 0) {
		return nil, tdsession.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "read session")
	}
	return data, nil
}

// StoreSession атомарно сохраняет данные сессии на диск.
func (f *FileStorage) StoreSession(_ context.Context, data []byte) error {
	if f == nil {
		return errors.New("nil session storage is invalid")
	}
	f.mux.Lock()
	defer f.mux.Unlock()

	if err := storage.AtomicWriteFile(f.Path, data); err != nil {
		return fmt.Errorf("atomic write session: %w", err)
	}
	logger.Debug("bot session stored")
	return nil
}

// MemoryStorage держит сессию в памяти. OnStore вызывается после каждого обновления
// (обычно: запись в credential.Store); ошибка колбэка возвращается gotd.
type MemoryStorage struct {
	mux     sync.Mutex
	data    []byte
	OnStore func(ctx context.Context, data []byte) error
}

// NewMemoryStorage создаёт хранилище со стартовыми данными (nil: новая сессия).
func NewMemoryStorage(initial []byte, onStore func(ctx context.Context, data []byte) error) *MemoryStorage {
	return &MemoryStorage{data: slices.Clone(initial), OnStore: onStore}
}

// LoadSession возвращает текущие данные или tdsession.ErrNotFound.
func (m *MemoryStorage) LoadSession(_ context.Context) ([]byte, error) {
	m.mux.Lock()
	defer m.mux.Unlock()
	if len(m.data) == 0 {
		return nil, tdsession.ErrNotFound
	}
	return slices.Clone(m.data), nil
}

// StoreSession запоминает данные и передаёт их колбэку.
func (m *MemoryStorage) StoreSession(ctx context.Context, data []byte) error {
	m.mux.Lock()
	m.data = slices.Clone(data)
	onStore := m.OnStore
	m.mux.Unlock()

	if onStore == nil {
		return nil
	}
	return onStore(ctx, slices.Clone(data))
}

// Bytes возвращает последний сохранённый снимок сессии.
func (m *MemoryStorage) Bytes() []byte {
	m.mux.Lock()
	defer m.mux.Unlock()
	return slices.Clone(m.data)
}
