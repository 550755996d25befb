// Package app: верхний уровень сборки клонера каналов. Здесь связываются конфигурация,
// общее bbolt-хранилище, MTProto-клиент бота с диспетчером апдейтов, регулятор темпа,
// оркестратор и реестр задач, автомат входа и внешние поверхности (консоль, веб).
// Жизненным циклом управляет Runner.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"channel-cloner/internal/adapters/cli"
	"channel-cloner/internal/adapters/telegram/bot"
	"channel-cloner/internal/adapters/telegram/core"
	"channel-cloner/internal/adapters/telegram/transport"
	"channel-cloner/internal/adapters/web"
	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/concurrency"
	"channel-cloner/internal/infra/config"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/store"
	"channel-cloner/internal/infra/telegram/peersmgr"
	tgsession "channel-cloner/internal/infra/telegram/session"
	"channel-cloner/internal/infra/throttle"

	"github.com/go-faster/errors"
	boltstor "github.com/gotd/contrib/bbolt"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/contrib/middleware/ratelimit"
	contribstorage "github.com/gotd/contrib/storage"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	dedupWindow   = 10 * time.Minute
	retryMaxDelay = 30 * time.Second
)

// lazyUpdateHandler позволяет отложить установку реального обработчика апдейтов:
// клиенту он нужен при создании, а менеджеру апдейтов нужен API клиента.
type lazyUpdateHandler struct {
	mu      sync.RWMutex
	handler telegram.UpdateHandler
}

func (h *lazyUpdateHandler) Handle(ctx context.Context, u tg.UpdatesClass) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.handler != nil {
		return h.handler.Handle(ctx, u)
	}
	return nil
}

func (h *lazyUpdateHandler) set(realHandler telegram.UpdateHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = realHandler
}

// App агрегирует зависимости клонера.
type App struct {
	env        config.EnvConfig
	mainCancel context.CancelFunc // общий shutdown (команда exit консоли)

	store    *store.Store
	registry *clone.Registry
	exec     commands.Executor
	runner   *Runner
}

// NewApp создаёт каркас приложения; сборка выполняется в Run.
func NewApp(mainCancel context.CancelFunc, env config.EnvConfig) *App {
	return &App{env: env, mainCancel: mainCancel}
}

// Run собирает подсистемы и блокируется до остановки приложения.
func (a *App) Run(ctx context.Context) error {
	logger.Info("Channel cloner initializing...")

	st, err := store.Open(a.env.DBFile)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.store = st
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("close store failed", zap.Error(closeErr))
		}
	}()

	if err = a.ensureBotCredential(ctx, 0); err != nil {
		return err
	}

	factory := core.FactoryFromEnv(a.env)

	// Регулятор темпа копирования: одна полоса на учётную запись.
	governor := throttle.New(
		throttle.WithMinInterval(time.Duration(a.env.CloneMinIntervalMS)*time.Millisecond),
		throttle.WithCeiling(time.Duration(a.env.FloodWaitCeilingSec)*time.Second),
		throttle.WithWaitExtractors(throttle.RetryAfterExtractor(), transport.FloodWaitExtractor()),
		throttle.WithOnWait(func(key string, wait time.Duration) {
			logger.Warn("rate limited by telegram", zap.String("account", key), zap.Duration("wait", wait))
		}),
	)
	orch := clone.NewOrchestrator(governor,
		clone.WithPageSize(a.env.ClonePageSize),
		clone.WithRetry(a.env.CloneMaxRetries, time.Duration(a.env.CloneRetryBaseMS)*time.Millisecond, retryMaxDelay),
	)
	a.registry = clone.NewRegistry(ctx, orch, st)

	sessions := session.NewManager(transport.NewLogin(factory), st,
		session.WithTTL(time.Duration(a.env.LoginCodeTTLSec)*time.Second),
		session.WithMaxAttempts(a.env.LoginMaxCodeAttempts, a.env.LoginMaxPasswordAttempts),
	)

	connect := func(owner int64, cred credential.Credential) commands.Connection {
		return commands.Connection{
			Connector: transport.NewConnector(factory, st.DB(), st, owner, cred),
			Key:       transport.PacerKey(cred),
		}
	}
	exec := commands.NewExecutor(sessions, a.registry, st, st, connect)
	exec.OnLogout(func(cred credential.Credential) {
		key := transport.PacerKey(cred)
		if !governor.Forget(key) {
			logger.Debug("pacer lane busy, kept after logout", zap.String("account", key))
		}
	})
	a.exec = exec

	botRuntime, err := a.buildBot(factory)
	if err != nil {
		return err
	}

	var surfaces []surface
	if a.env.CLIEnable && cli.Available() {
		surfaces = append(surfaces, cli.NewService(a.exec, a.mainCancel))
	}
	if a.env.WebServerEnable {
		surfaces = append(surfaces, web.NewServer(a.env.WebServerAddress, a.exec))
	}

	a.runner = NewRunner(botRuntime, a.registry, surfaces)
	return a.runner.Run(ctx)
}

// buildBot собирает MTProto-клиент бота: сессия в файле, middleware FLOOD_WAIT и RPS,
// менеджер апдейтов с состоянием в общей базе и кэш пиров бота.
func (a *App) buildBot(factory core.Factory) (*botRuntime, error) {
	dispatcher := tg.NewUpdateDispatcher()
	lazyHandler := &lazyUpdateHandler{}
	waiter := floodwait.NewWaiter()

	client := factory.NewClient(
		&tgsession.FileStorage{Path: a.env.BotSessionFile},
		core.WithUpdateHandler(lazyHandler),
		core.WithMiddlewares(
			waiter,
			ratelimit.New(rate.Limit(a.env.ThrottleRPS), a.env.ThrottleRPS*2), //nolint:mnd // burst = 2*rate
		),
	)

	peersSvc, err := peersmgr.New(client.API(), a.store.DB(), transport.PeersBucket(credential.Credential{Mode: credential.ModeBot}))
	if err != nil {
		return nil, fmt.Errorf("init peers manager: %w", err)
	}

	updMgr := tgupdates.New(tgupdates.Config{
		Handler:      dispatcher,
		Storage:      boltstor.NewStateStorage(a.store.DB()),
		AccessHasher: peersSvc.Mgr,
	})
	lazyHandler.set(contribstorage.UpdateHook(peersSvc.Mgr.UpdateHook(updMgr), peersSvc.Store()))

	dedup := concurrency.NewDeduplicator(dedupWindow)
	handler := bot.NewHandler(client.API(), a.exec, dedup, bot.Config{
		IsAdmin:          a.env.IsAdmin,
		ProgressEvery:    a.env.ProgressEvery,
		ProgressInterval: time.Duration(a.env.ProgressIntervalSec) * time.Second,
	})
	dispatcher.OnNewMessage(handler.OnNewMessage)

	return &botRuntime{
		client:  client,
		waiter:  waiter,
		updMgr:  updMgr,
		peers:   peersSvc,
		handler: handler,
		dedup:   dedup,
		token:   a.env.BotToken,
		onSelf: func(ctx context.Context, self *tg.User) error {
			return a.ensureBotCredential(ctx, self.ID)
		},
	}, nil
}

// ensureBotCredential поддерживает запись сервисного бота под credential.BotOwner.
// principal=0: id бота ещё неизвестен (до первого входа).
func (a *App) ensureBotCredential(ctx context.Context, principal int64) error {
	cur, err := a.store.Get(ctx, credential.BotOwner)
	switch {
	case err == nil:
		if cur.BotToken == a.env.BotToken && (principal == 0 || cur.Principal == principal) {
			return nil
		}
		if cur.BotToken != a.env.BotToken {
			// Новый токен: старая сессия принадлежит другому боту.
			cur.Session = nil
			cur.Principal = 0
		}
	case errors.Is(err, credential.ErrNotFound):
		cur = credential.Credential{CreatedAt: time.Now()}
	default:
		return fmt.Errorf("load bot credential: %w", err)
	}

	cur.Mode = credential.ModeBot
	cur.BotToken = a.env.BotToken
	if principal != 0 {
		cur.Principal = principal
	}
	if err = a.store.Put(ctx, credential.BotOwner, cur); err != nil {
		return fmt.Errorf("store bot credential: %w", err)
	}
	logger.Debug("bot credential stored", zap.Int64("principal", cur.Principal))
	return nil
}
