package transport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"channel-cloner/internal/adapters/telegram/core"
	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/telegram/peersmgr"
	tgsession "channel-cloner/internal/infra/telegram/session"

	"github.com/go-faster/errors"
	"github.com/gotd/td/telegram"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// Connector поднимает MTProto-клиент учётной записи на время задачи. Сессия
// читается из credential.Store и записывается обратно при каждом обновлении.
type Connector struct {
	factory core.Factory
	db      *bbolt.DB
	creds   credential.Store
	owner   int64
	now     func() time.Time

	mu   sync.Mutex
	cred credential.Credential
}

var _ clone.Connector = (*Connector)(nil)

// NewConnector создаёт подключение для записи owner в creds.
func NewConnector(factory core.Factory, db *bbolt.DB, creds credential.Store, owner int64, cred credential.Credential) *Connector {
	return &Connector{
		factory: factory,
		db:      db,
		creds:   creds,
		owner:   owner,
		cred:    cred,
		now:     time.Now,
	}
}

// PacerKey: полоса регулятора темпа для учётной записи.
func PacerKey(cred credential.Credential) string {
	if cred.Mode == credential.ModeBot {
		return "bot"
	}
	return "user:" + strconv.FormatInt(cred.Principal, 10)
}

// PeersBucket: бакет кэша пиров учётной записи.
func PeersBucket(cred credential.Credential) string {
	if cred.Mode == credential.ModeBot {
		return "peers_bot"
	}
	return "peers_user_" + strconv.FormatInt(cred.Principal, 10)
}

// Connect запускает клиент, проверяет авторизацию и отдаёт транспорт в fn.
// Клиент останавливается, когда fn возвращается.
func (c *Connector) Connect(ctx context.Context, lineage string, fn func(ctx context.Context, tr clone.Transport) error) error {
	storage := tgsession.NewMemoryStorage(c.cred.Session, c.storeSession)
	client := c.factory.NewClient(storage)

	err := client.Run(ctx, func(ctx context.Context) error {
		if err := c.authorize(ctx, client); err != nil {
			return err
		}
		peers, err := peersmgr.New(client.API(), c.db, PeersBucket(c.cred))
		if err != nil {
			return err
		}
		if err = peers.LoadFromStorage(ctx); err != nil {
			logger.Warn("load peers failed", zap.Int64("owner", c.owner), zap.Error(err))
		}
		if c.cred.Mode == credential.ModeUser {
			if err = peers.WarmupIfEmpty(ctx); err != nil {
				logger.Warn("warmup dialogs failed", zap.Int64("owner", c.owner), zap.Error(err))
			}
		}
		return fn(ctx, New(client.API(), peers, c.cred.Mode == credential.ModeBot, lineage))
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (c *Connector) authorize(ctx context.Context, client *telegram.Client) error {
	status, err := client.Auth().Status(ctx)
	if err != nil {
		return errors.Wrap(err, "auth status")
	}
	if status.Authorized {
		return nil
	}
	if c.cred.Mode != credential.ModeBot {
		return clone.NewTransportError(clone.KindAuthRevoked, fmt.Errorf("session of %d is not authorized", c.cred.Principal))
	}
	if _, err = client.Auth().Bot(ctx, c.cred.BotToken); err != nil {
		return errors.Wrap(err, "bot login")
	}
	return nil
}

// storeSession сохраняет обновлённую сессию в запись учётных данных.
func (c *Connector) storeSession(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred.Session = data
	c.cred.LastUsedAt = c.now()
	if err := c.creds.Put(ctx, c.owner, c.cred); err != nil {
		return errors.Wrap(err, "store session")
	}
	return nil
}
