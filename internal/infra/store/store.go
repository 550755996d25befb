// Package store: единый bbolt-файл клонера. В нём живут:
//   - учётные данные операторов (credential.Store);
//   - записи задач клонирования и указатель на последнюю задачу оператора (clone.TaskStore);
//   - настройки оператора (канал-приёмник по умолчанию);
//   - кэши пиров gotd по учётным записям (бакеты отдаются наружу через DB()).
//
// Значения сериализуются в JSON, ключи операторов: десятичная запись int64.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/infra/storage"

	"github.com/go-faster/errors"
	"go.etcd.io/bbolt"
)

const dbOpenTimeout = time.Second

var (
	credentialsBucket = []byte("credentials")
	tasksBucket       = []byte("tasks")
	lastTaskBucket    = []byte("tasks_last")
	settingsBucket    = []byte("settings")
)

// ErrNoDestination: оператор ещё не задал канал-приёмник по умолчанию.
var ErrNoDestination = commands.ErrNoDestination

// Store: bbolt-хранилище. Потокобезопасно, транзакции bbolt сериализуют запись.
type Store struct {
	db *bbolt.DB
}

var (
	_ credential.Store       = (*Store)(nil)
	_ clone.TaskStore        = (*Store)(nil)
	_ commands.SettingsStore = (*Store)(nil)
)

// Open открывает (создавая при необходимости) файл базы и готовит бакеты.
func Open(path string) (*Store, error) {
	clean := strings.TrimSpace(path)
	if clean == "" {
		return nil, errors.New("store: db path is empty")
	}
	if err := storage.EnsureDir(clean); err != nil {
		return nil, err
	}
	db, err := bbolt.Open(clean, storage.DefaultFilePerm, &bbolt.Options{Timeout: dbOpenTimeout})
	if err != nil {
		return nil, errors.Wrap(err, "store: open db")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{credentialsBucket, tasksBucket, lastTaskBucket, settingsBucket} {
			if _, bErr := tx.CreateBucketIfNotExists(name); bErr != nil {
				return fmt.Errorf("create bucket %s: %w", name, bErr)
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "store: init buckets")
	}
	return &Store{db: db}, nil
}

// DB отдаёт файл базы для gotd-хранилищ (пиры, состояние апдейтов бота).
func (s *Store) DB() *bbolt.DB { return s.db }

// Close закрывает файл базы.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func ownerKey(owner int64) []byte {
	return []byte(strconv.FormatInt(owner, 10))
}

func (s *Store) getJSON(bucket, key []byte, v any) (bool, error) {
	var raw []byte
	if err := s.db.View(func(tx *bbolt.Tx) error {
		if value := tx.Bucket(bucket).Get(key); value != nil {
			raw = append(raw, value...)
		}
		return nil
	}); err != nil {
		return false, err
	}
	if raw == nil {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return false, fmt.Errorf("decode %s/%s: %w", bucket, key, err)
	}
	return true, nil
}

func (s *Store) putJSON(bucket, key []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", bucket, key, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucket).Put(key, payload)
	})
}

// Get возвращает учётные данные оператора или credential.ErrNotFound.
func (s *Store) Get(_ context.Context, owner int64) (credential.Credential, error) {
	var cred credential.Credential
	ok, err := s.getJSON(credentialsBucket, ownerKey(owner), &cred)
	if err != nil {
		return credential.Credential{}, errors.Wrap(err, "store: get credential")
	}
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return cred, nil
}

// Put сохраняет учётные данные оператора целиком.
func (s *Store) Put(_ context.Context, owner int64, cred credential.Credential) error {
	if err := s.putJSON(credentialsBucket, ownerKey(owner), cred); err != nil {
		return errors.Wrap(err, "store: put credential")
	}
	return nil
}

// Delete удаляет учётные данные. Отсутствие записи не ошибка.
func (s *Store) Delete(_ context.Context, owner int64) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(credentialsBucket).Delete(ownerKey(owner))
	})
	if err != nil {
		return errors.Wrap(err, "store: delete credential")
	}
	return nil
}

// SaveTask сохраняет запись задачи и помечает её последней для оператора в одной транзакции.
func (s *Store) SaveTask(_ context.Context, task clone.Task) error {
	if task.ID == "" {
		return errors.New("store: task id is empty")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "store: encode task")
	}
	err = s.db.Update(func(tx *bbolt.Tx) error {
		if pErr := tx.Bucket(tasksBucket).Put([]byte(task.ID), payload); pErr != nil {
			return pErr
		}
		return tx.Bucket(lastTaskBucket).Put(ownerKey(task.Operator), []byte(task.ID))
	})
	if err != nil {
		return errors.Wrap(err, "store: save task")
	}
	return nil
}

// LastTask возвращает последнюю задачу оператора или clone.ErrTaskNotFound.
func (s *Store) LastTask(_ context.Context, operator int64) (clone.Task, error) {
	var raw []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		id := tx.Bucket(lastTaskBucket).Get(ownerKey(operator))
		if id == nil {
			return nil
		}
		if value := tx.Bucket(tasksBucket).Get(id); value != nil {
			raw = append(raw, value...)
		}
		return nil
	})
	if err != nil {
		return clone.Task{}, errors.Wrap(err, "store: last task")
	}
	if raw == nil {
		return clone.Task{}, clone.ErrTaskNotFound
	}
	var task clone.Task
	if err := json.Unmarshal(raw, &task); err != nil {
		return clone.Task{}, errors.Wrap(err, "store: decode task")
	}
	return task, nil
}

// Task возвращает запись задачи по id.
func (s *Store) Task(_ context.Context, id string) (clone.Task, error) {
	var task clone.Task
	ok, err := s.getJSON(tasksBucket, []byte(id), &task)
	if err != nil {
		return clone.Task{}, errors.Wrap(err, "store: get task")
	}
	if !ok {
		return clone.Task{}, clone.ErrTaskNotFound
	}
	return task, nil
}

// Tasks возвращает до limit последних задач оператора, новые первыми.
func (s *Store) Tasks(_ context.Context, operator int64, limit int) ([]clone.Task, error) {
	var tasks []clone.Task
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(tasksBucket).ForEach(func(_, value []byte) error {
			var task clone.Task
			if err := json.Unmarshal(value, &task); err != nil {
				return err
			}
			if task.Operator == operator {
				tasks = append(tasks, task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, errors.Wrap(err, "store: list tasks")
	}
	sortNewestFirst(tasks)
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

// settings: настройки оператора.
type settings struct {
	Destination links.Ref `json:"destination"`
}

// SetDestination запоминает канал-приёмник по умолчанию.
func (s *Store) SetDestination(_ context.Context, operator int64, ref links.Ref) error {
	if err := s.putJSON(settingsBucket, ownerKey(operator), settings{Destination: ref}); err != nil {
		return errors.Wrap(err, "store: set destination")
	}
	return nil
}

// Destination возвращает канал-приёмник по умолчанию или ErrNoDestination.
func (s *Store) Destination(_ context.Context, operator int64) (links.Ref, error) {
	var st settings
	ok, err := s.getJSON(settingsBucket, ownerKey(operator), &st)
	if err != nil {
		return links.Ref{}, errors.Wrap(err, "store: get destination")
	}
	if !ok || st.Destination.IsZero() {
		return links.Ref{}, ErrNoDestination
	}
	return st.Destination, nil
}

func sortNewestFirst(tasks []clone.Task) {
	slices.SortFunc(tasks, func(a, b clone.Task) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
}
