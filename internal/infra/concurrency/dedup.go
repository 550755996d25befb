// Package concurrency: вспомогательная инфраструктура конкурентного исполнения.
// Deduplicator реализует потокобезопасный кэш «недавно видели»; gotd может повторно
// доставить апдейт после переподключения, и команда не должна выполниться дважды.
package concurrency

import (
	"context"
	"sync"
	"time"

	"channel-cloner/internal/infra/logger"

	"go.uber.org/zap"
)

const cleanupInterval = time.Minute

type dedupKey struct {
	chatID int64
	msgID  int
}

// Deduplicator хранит сигнатуры (chatID, msgID) недавно обработанных сообщений.
type Deduplicator struct {
	mu     sync.Mutex
	seen   map[dedupKey]time.Time // key -> expireAt
	window time.Duration
	now    func() time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewDeduplicator создаёт кэш подавления повторов с окном window.
func NewDeduplicator(window time.Duration) *Deduplicator {
	return &Deduplicator{
		seen:   make(map[dedupKey]time.Time),
		window: window,
		now:    time.Now,
	}
}

// SetClock подменяет источник времени (тесты).
func (d *Deduplicator) SetClock(now func() time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = now
}

// Start поднимает фоновую очистку просроченных ключей. Повторные вызовы игнорируются.
func (d *Deduplicator) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.wg.Go(func() {
		ticker := time.NewTicker(cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				d.Cleanup()
			}
		}
	})
}

// Stop останавливает фоновую очистку и дожидается её завершения.
func (d *Deduplicator) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	d.wg.Wait()
}

// Seen сообщает, обрабатывалось ли сообщение (chatID, msgID) в пределах окна.
// Первое обращение регистрирует ключ и возвращает false.
func (d *Deduplicator) Seen(chatID int64, msgID int) bool {
	key := dedupKey{chatID: chatID, msgID: msgID}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if exp, ok := d.seen[key]; ok && now.Before(exp) {
		logger.Debug("duplicate update suppressed", zap.Int64("chat_id", chatID), zap.Int("msg_id", msgID))
		return true
	}
	d.seen[key] = now.Add(d.window)
	return false
}

// Cleanup удаляет просроченные записи.
func (d *Deduplicator) Cleanup() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
		}
	}
}

// Len возвращает число отслеживаемых ключей.
func (d *Deduplicator) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
