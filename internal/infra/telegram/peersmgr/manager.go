// Package peersmgr: обёртка над gotd peers.Manager с персистентным хранилищем на bbolt.
// Сервис отвечает за:
//   - подготовку менеджера пиров (в памяти) поверх общей базы клонера;
//   - загрузку сохранённых peers из бакета учётной записи при подключении;
//   - запоминание каналов, найденных по username, чтобы не резолвить их повторно;
//   - прогрев диалогов для пользовательских аккаунтов.
//
// У каждой учётной записи свой бакет: access_hash действителен только для неё.
package peersmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"channel-cloner/internal/infra/logger"

	bboltdb "github.com/gotd/contrib/bbolt"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/telegram/query/dialogs"
	"github.com/gotd/td/tg"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	usernameKeyPrefix    = "username:"
	usernameBucketSuffix = "_usernames"
)

// Service инкапсулирует менеджер пиров и bbolt-хранилище одной учётной записи.
type Service struct {
	db        *bbolt.DB
	bucket    []byte
	store     contribstorage.PeerStorage
	usernames contribstorage.PeerStorage
	Mgr       *peers.Manager
}

// New создаёт сервис пиров поверх открытой базы и gotd peers.Manager.
// Базой владеет вызывающий; бакет создаётся, если его нет. Сетевых запросов не выполняет.
func New(api *tg.Client, db *bbolt.DB, bucket string) (*Service, error) {
	if api == nil {
		return nil, errors.New("peersmgr: api client is nil")
	}
	if db == nil {
		return nil, errors.New("peersmgr: db is nil")
	}
	name := strings.TrimSpace(bucket)
	if name == "" {
		return nil, errors.New("peersmgr: bucket name is empty")
	}
	bucketBytes := []byte(name)
	usernameBytes := []byte(name + usernameBucketSuffix)
	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketBytes, usernameBytes} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("peersmgr: create bucket %q: %w", name, err)
	}
	return &Service{
		db:        db,
		bucket:    bucketBytes,
		store:     bboltdb.NewPeerStorage(db, bucketBytes),
		usernames: bboltdb.NewPeerStorage(db, usernameBytes),
		Mgr:       (peers.Options{}).Build(api),
	}, nil
}

// Store возвращает персистентное хранилище пиров (для UpdateHook).
func (s *Service) Store() contribstorage.PeerStorage {
	return s.store
}

// LoadFromStorage прогружает сохранённые peers из bbolt в оперативный peers.Manager.
func (s *Service) LoadFromStorage(ctx context.Context) error {
	iter, exists, err := s.iterateStoredPeers(ctx)
	if err != nil {
		if isJSONUnmarshalError(err) {
			logger.Warn("peers bucket is corrupted, resetting", zap.ByteString("bucket", s.bucket), zap.Error(err))
			_ = s.resetPeersBucket()
			return nil
		}
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if !exists {
		return nil
	}
	defer func() {
		_ = iter.Close()
	}()

	users := make([]tg.UserClass, 0)
	chats := make([]tg.ChatClass, 0)

	for iter.Next(ctx) {
		value := iter.Value()
		switch value.Key.Kind {
		case dialogs.User:
			user := value.User
			if user == nil {
				user = &tg.User{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			users = append(users, user)
		case dialogs.Chat:
			chat := value.Chat
			if chat == nil {
				chat = &tg.Chat{ID: value.Key.ID}
			}
			chats = append(chats, chat)
		case dialogs.Channel:
			channel := value.Channel
			if channel == nil {
				channel = &tg.Channel{
					ID:         value.Key.ID,
					AccessHash: value.Key.AccessHash,
				}
			}
			chats = append(chats, channel)
		}
	}

	if err = iter.Err(); err != nil {
		return fmt.Errorf("peersmgr: iterate stored peers: %w", err)
	}
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	return s.Mgr.Apply(ctx, users, chats)
}

// Remember применяет сущности к менеджеру и сохраняет их в бакет учётной записи.
func (s *Service) Remember(ctx context.Context, users []tg.UserClass, chats []tg.ChatClass) error {
	if len(users) == 0 && len(chats) == 0 {
		return nil
	}
	if err := s.Mgr.Apply(ctx, users, chats); err != nil {
		return fmt.Errorf("peersmgr: apply entities: %w", err)
	}
	for _, u := range users {
		var p contribstorage.Peer
		if !p.FromUser(u) {
			continue
		}
		if err := s.store.Add(ctx, p); err != nil {
			return fmt.Errorf("peersmgr: store user: %w", err)
		}
	}
	for _, ch := range chats {
		var p contribstorage.Peer
		if !p.FromChat(ch) {
			continue
		}
		if err := s.store.Add(ctx, p); err != nil {
			return fmt.Errorf("peersmgr: store chat: %w", err)
		}
	}
	return nil
}

// RememberUsername связывает username с каналом, чтобы следующий запуск обошёлся
// без contacts.resolveUsername.
func (s *Service) RememberUsername(ctx context.Context, username string, channel *tg.Channel) error {
	var p contribstorage.Peer
	if channel == nil || !p.FromChat(channel) {
		return nil
	}
	if err := s.usernames.Assign(ctx, usernameKey(username), p); err != nil {
		return fmt.Errorf("peersmgr: assign username: %w", err)
	}
	return nil
}

// LookupUsername возвращает канал, ранее запомненный по username; ok=false, если его нет.
func (s *Service) LookupUsername(ctx context.Context, username string) (*tg.Channel, bool, error) {
	p, err := s.usernames.Resolve(ctx, usernameKey(username))
	if errors.Is(err, contribstorage.ErrPeerNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("peersmgr: resolve username: %w", err)
	}
	if p.Channel == nil {
		return nil, false, nil
	}
	return p.Channel, true, nil
}

// ResolveChannel возвращает канал по id из кэша менеджера; ok=false, если access_hash неизвестен.
func (s *Service) ResolveChannel(ctx context.Context, id int64) (peers.Channel, bool, error) {
	channel, err := s.Mgr.ResolveChannelID(ctx, id)
	if err != nil {
		var nf *peers.PeerNotFoundError
		if errors.As(err, &nf) {
			return peers.Channel{}, false, nil
		}
		return peers.Channel{}, false, err
	}
	return channel, true, nil
}

// RefreshDialogs перечитывает диалоги и сохраняет найденные сущности.
func (s *Service) RefreshDialogs(ctx context.Context) error {
	result, err := fetchDialogs(ctx, s.Mgr.API())
	if err != nil {
		return fmt.Errorf("peersmgr: fetch dialogs: %w", err)
	}
	if err = s.Remember(ctx, result.Users, result.Chats); err != nil {
		return err
	}
	logger.Debug("dialogs refreshed",
		zap.ByteString("bucket", s.bucket),
		zap.Int("dialogs", len(result.Dialogs)),
		zap.Int("chats", len(result.Chats)))
	return nil
}

// WarmupIfEmpty загружает диалоги, только если в бакете ещё нет ни одного пира.
func (s *Service) WarmupIfEmpty(ctx context.Context) error {
	empty, err := s.isEmpty()
	if err != nil {
		return fmt.Errorf("peersmgr: check bucket empty: %w", err)
	}
	if !empty {
		return nil
	}
	return s.RefreshDialogs(ctx)
}

func (s *Service) isEmpty() (bool, error) {
	empty := true
	err := s.db.View(func(tx *bbolt.Tx) error {
		if bucket := tx.Bucket(s.bucket); bucket != nil {
			key, _ := bucket.Cursor().First()
			empty = key == nil
		}
		return nil
	})
	return empty, err
}

func (s *Service) iterateStoredPeers(ctx context.Context) (contribstorage.PeerIterator, bool, error) {
	exists := false
	if err := s.db.View(func(tx *bbolt.Tx) error {
		exists = tx.Bucket(s.bucket) != nil
		return nil
	}); err != nil {
		return nil, false, err
	}
	if !exists {
		return nil, false, nil
	}
	iter, err := s.store.Iterate(ctx)
	if err != nil {
		return nil, false, err
	}
	return iter, true, nil
}

func usernameKey(username string) string {
	return usernameKeyPrefix + strings.ToLower(strings.TrimPrefix(username, "@"))
}

func isJSONUnmarshalError(err error) bool {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return true
	}
	var syntaxErr *json.SyntaxError
	if errors.As(err, &syntaxErr) {
		return true
	}
	return strings.Contains(err.Error(), "json:")
}

func (s *Service) resetPeersBucket() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(s.bucket); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(s.bucket)
		return err
	})
}
