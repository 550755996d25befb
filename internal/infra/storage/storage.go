// Package storage: утилиты безопасной работы с локальными файлами клонера:
//   - EnsureDir: гарантирует наличие каталога под файл (bbolt, сессия бота, логи);
//   - AtomicWriteFile: запись без частичных состояний (temp → fsync → rename).
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"channel-cloner/internal/infra/logger"
)

// DefaultFilePerm задаёт права на файлы с секретами (сессии, база), только для владельца процесса.
const DefaultFilePerm os.FileMode = 0o600

// dirPerm: права на создаваемые каталоги данных.
const dirPerm os.FileMode = 0o700

// EnsureDir гарантирует наличие каталога для указанного файла.
// Путь без директории ("." или пустая строка) ничего не создаёт.
func EnsureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("create dir %s: %w", dir, err)
	}
	return nil
}

// AtomicWriteFile атомарно записывает байты в файл path: либо остаётся старый
// файл целиком, либо записан новый. rename атомарен только в пределах одного тома,
// поэтому temp создаётся рядом с целевым файлом.
func AtomicWriteFile(path string, data []byte) error {
	clean := filepath.Clean(path)
	if err := EnsureDir(clean); err != nil {
		return err
	}
	dir := filepath.Dir(clean)

	tmp, err := os.CreateTemp(dir, "atomic-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("fsync temp file: %w", err)
	}
	if err = tmp.Chmod(DefaultFilePerm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err = os.Rename(tmpName, clean); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	// fsync каталога best-effort, на части ФС не поддерживается.
	if dirFile, openErr := os.Open(dir); openErr == nil {
		if syncErr := dirFile.Sync(); syncErr != nil {
			logger.Warnf("AtomicWriteFile: dir sync error: %v", syncErr)
		}
		_ = dirFile.Close()
	}
	return nil
}
