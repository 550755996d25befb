// Файл runner.go отвечает за оркестрацию жизненного цикла: клиент бота, менеджер апдейтов,
// внешние поверхности и корректный shutdown. MTProto-клиент бота живёт на отдельном
// контексте и гасится последним, чтобы финальные отчёты задач успели уйти в чат.
package app

import (
	"context"
	"sync"

	"channel-cloner/internal/adapters/telegram/bot"
	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/infra/concurrency"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/telegram/peersmgr"

	"github.com/go-faster/errors"
	"github.com/gotd/contrib/middleware/floodwait"
	"github.com/gotd/td/telegram"
	tgupdates "github.com/gotd/td/telegram/updates"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// surface: внешняя поверхность управления (консоль, веб). Run блокируется до отмены ctx.
type surface interface {
	Name() string
	Run(ctx context.Context) error
}

// botRuntime: собранный клиент бота и его сервисы.
type botRuntime struct {
	client  *telegram.Client
	waiter  *floodwait.Waiter
	updMgr  *tgupdates.Manager
	peers   *peersmgr.Service
	handler *bot.Handler
	dedup   *concurrency.Deduplicator
	token   string
	onSelf  func(ctx context.Context, self *tg.User) error
}

// Runner запускает бота и поверхности одной группой и останавливает их в обратном порядке.
type Runner struct {
	bot      *botRuntime
	registry *clone.Registry
	surfaces []surface

	mu            sync.Mutex
	stopped       bool
	updatesWG     sync.WaitGroup
	updatesCancel context.CancelFunc
	stopOnce      sync.Once
}

// NewRunner подготавливает Runner.
func NewRunner(b *botRuntime, registry *clone.Registry, surfaces []surface) *Runner {
	return &Runner{bot: b, registry: registry, surfaces: surfaces}
}

// Run блокируется до отмены ctx или фатальной ошибки одного из узлов.
func (r *Runner) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return r.runBot(gctx)
	})
	for _, s := range r.surfaces {
		g.Go(func() error {
			logger.Debug("starting service " + s.Name())
			if err := s.Run(gctx); err != nil {
				return errors.Wrap(err, s.Name())
			}
			logger.Debug("service " + s.Name() + " stopped")
			return nil
		})
	}
	return g.Wait()
}

// runBot держит клиент бота. Отмена ctx сначала останавливает сервисы и задачи,
// и только потом гасит MTProto-движок.
func (r *Runner) runBot(ctx context.Context) error {
	clientCtx, clientCancel := context.WithCancel(context.WithoutCancel(ctx))
	defer clientCancel()

	stopped := make(chan struct{})
	stopAfter := context.AfterFunc(ctx, func() {
		defer close(stopped)
		logger.Debug("Shutdown signal received, stopping runner...")
		r.stopServices()
		clientCancel()
	})

	runErr := r.bot.waiter.Run(clientCtx, func(ctx context.Context) error {
		return r.bot.client.Run(ctx, func(ctx context.Context) error {
			self, err := r.loginBot(ctx)
			if err != nil {
				return err
			}
			r.startServices(ctx, self.ID)
			logger.Info("Channel cloner running", zap.String("bot", self.Username))
			<-ctx.Done()
			return ctx.Err()
		})
	})

	if stopAfter() {
		// Клиент упал сам: ctx ещё жив, останавливаем сервисы здесь.
		r.stopServices()
	} else {
		<-stopped
	}

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return errors.Wrap(runErr, "bot client")
	}
	return nil
}

func (r *Runner) loginBot(ctx context.Context) (*tg.User, error) {
	status, err := r.bot.client.Auth().Status(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "auth status")
	}
	if !status.Authorized {
		if _, err = r.bot.client.Auth().Bot(ctx, r.bot.token); err != nil {
			return nil, errors.Wrap(err, "bot auth")
		}
	}
	self, err := r.bot.client.Self(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "self")
	}
	logger.Info("Logged in as bot",
		zap.String("username", self.Username),
		zap.Int64("id", self.ID))

	if err = r.bot.onSelf(ctx, self); err != nil {
		return nil, err
	}
	if err = r.bot.peers.LoadFromStorage(ctx); err != nil {
		logger.Error("failed to load peers from storage", zap.Error(err))
	}
	if err = r.bot.peers.Mgr.Init(ctx); err != nil {
		logger.Error("failed to init peers manager", zap.Error(err))
	}
	return self, nil
}

func (r *Runner) startServices(ctx context.Context, selfID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	logger.Debug("starting service deduplicator")
	r.bot.dedup.Start(ctx)

	logger.Debug("starting service updates_manager")
	updatesCtx, updatesCancel := context.WithCancel(ctx)
	r.updatesCancel = updatesCancel
	r.updatesWG.Go(func() {
		err := r.bot.updMgr.Run(updatesCtx, r.bot.client.API(), selfID, tgupdates.AuthOptions{
			IsBot: true,
			OnStart: func(context.Context) {
				logger.Debug("Updates manager started")
			},
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("updates manager stopped", zap.Error(err))
		}
	})
}

// stopServices останавливает узлы в обратном порядке. Идемпотентна.
func (r *Runner) stopServices() {
	r.stopOnce.Do(func() {
		logger.Debug("stopping service updates_manager")
		r.mu.Lock()
		r.stopped = true
		cancel := r.updatesCancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.updatesWG.Wait()

		// Задачи сохраняют курсоры и шлют финальные отчёты, пока клиент бота жив.
		logger.Debug("stopping clone tasks")
		r.registry.Close()
		r.bot.handler.Wait()

		logger.Debug("stopping service deduplicator")
		r.bot.dedup.Stop()
	})
}
