// Package throttle: регулятор темпа исходящих вызовов Telegram для клонера.
//
// Governor держит отдельную «полосу» на каждую учётную запись (ключ credential):
//   - вызовы одной полосы строго последовательны;
//   - между отправками соблюдается минимальный интервал (rate.Limiter, burst 1);
//   - серверное указание подождать (FLOOD_WAIT, retry_after) распознаётся цепочкой
//     WaitExtractor: полоса засыпает ровно на указанное время и повторяет тот же вызов;
//   - ожидание дольше потолка превращается в ErrRateLimitExceeded.
//
// Полосы разных учётных записей работают независимо и параллельно.
package throttle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// WaitExtractor анализирует ошибку и, при необходимости, возвращает длительность ожидания.
// Булев флаг показывает, что экстрактор распознал формат ошибки. Экстракторы
// вызываются по порядку регистрации, первый совпавший определяет паузу.
type WaitExtractor func(err error) (time.Duration, bool)

// ErrRateLimitExceeded: сервер потребовал ждать дольше настроенного потолка.
// Задача должна остановиться и продолжиться позже.
// Серия коротких ожиданий ошибкой не считается: вызывающий видит только задержку.
var ErrRateLimitExceeded = errors.New("rate limit wait exceeds ceiling")

const defaultCeiling = 5 * time.Minute

// Option задаёт дополнительные параметры Governor при создании.
type Option func(*Governor)

// WithMinInterval задаёт минимальный интервал между отправками в одной полосе.
// Ноль снимает ограничение.
func WithMinInterval(d time.Duration) Option {
	return func(g *Governor) {
		if d >= 0 {
			g.interval = d
		}
	}
}

// WithCeiling задаёт максимальное серверное ожидание, которое Governor готов выдержать.
func WithCeiling(d time.Duration) Option {
	return func(g *Governor) {
		if d > 0 {
			g.ceiling = d
		}
	}
}

// WithWaitExtractors регистрирует экстракторы серверных задержек.
func WithWaitExtractors(extractors ...WaitExtractor) Option {
	return func(g *Governor) {
		for _, e := range extractors {
			if e != nil {
				g.extractors = append(g.extractors, e)
			}
		}
	}
}

// WithOnWait подключает наблюдателя серверных ожиданий (логирование, метрики, тесты).
func WithOnWait(fn func(key string, wait time.Duration)) Option {
	return func(g *Governor) {
		g.onWait = fn
	}
}

// lane хранит состояние одной учётной записи: мьютекс сериализации и лимитер интервала.
type lane struct {
	mu      sync.Mutex
	limiter *rate.Limiter
}

// Governor потокобезопасен: Do можно вызывать из любого числа горутин.
type Governor struct {
	interval   time.Duration
	ceiling    time.Duration
	extractors []WaitExtractor
	onWait     func(key string, wait time.Duration)

	mu    sync.Mutex
	lanes map[string]*lane
}

// New создаёт Governor. По умолчанию интервал нулевой, потолок 5 минут.
func New(opts ...Option) *Governor {
	g := &Governor{
		ceiling: defaultCeiling,
		lanes:   make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(g)
	}
	if len(g.extractors) == 0 {
		g.extractors = []WaitExtractor{RetryAfterExtractor()}
	}
	return g
}

// Do выполняет fn в полосе key. Алгоритм:
//  1. захватываем полосу (вызовы той же учётной записи ждут своей очереди);
//  2. ждём минимальный интервал с момента предыдущей отправки;
//  3. вызываем fn; при серверном ожидании W <= ceiling спим ровно W, удерживая полосу,
//     и повторяем; иначе возвращаем ошибку как есть.
//
// Отмена ctx прерывает и ожидание интервала, и серверную паузу.
func (g *Governor) Do(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	l := g.acquire(key)
	defer l.mu.Unlock()

	for {
		if err := l.limiter.Wait(ctx); err != nil {
			return err
		}

		callErr := fn(ctx)
		if callErr == nil {
			return nil
		}
		if errors.Is(callErr, context.Canceled) || errors.Is(callErr, context.DeadlineExceeded) {
			return callErr
		}

		wait, ok := g.extractWait(callErr)
		if !ok {
			return callErr
		}
		if wait > g.ceiling {
			return fmt.Errorf("%w (wait %s, ceiling %s): %w", ErrRateLimitExceeded, wait, g.ceiling, callErr)
		}
		if g.onWait != nil {
			g.onWait(key, wait)
		}
		if err := sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Forget удаляет полосу ключа (например, после выхода из аккаунта).
// Занятая полоса остаётся: иначе следующий Do создал бы вторую полосу
// и вызовы одной учётной записи пошли бы параллельно.
func (g *Governor) Forget(key string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lanes[key]
	if !ok {
		return true
	}
	if !l.mu.TryLock() {
		return false
	}
	delete(g.lanes, key)
	l.mu.Unlock()
	return true
}

// acquire захватывает текущую полосу ключа. Если полосу удалили, пока мы ждали
// её мьютекс, берём новую.
func (g *Governor) acquire(key string) *lane {
	for {
		l := g.lane(key)
		l.mu.Lock()

		g.mu.Lock()
		current := g.lanes[key] == l
		g.mu.Unlock()
		if current {
			return l
		}
		l.mu.Unlock()
	}
}

// lane возвращает (создавая при первом обращении) полосу ключа.
func (g *Governor) lane(key string) *lane {
	g.mu.Lock()
	defer g.mu.Unlock()

	l, ok := g.lanes[key]
	if !ok {
		limit := rate.Inf
		if g.interval > 0 {
			limit = rate.Every(g.interval)
		}
		l = &lane{limiter: rate.NewLimiter(limit, 1)}
		g.lanes[key] = l
	}
	return l
}

// extractWait запускает WaitExtractor по цепочке и возвращает первую распознанную паузу.
func (g *Governor) extractWait(err error) (time.Duration, bool) {
	for _, extractor := range g.extractors {
		if wait, ok := extractor(err); ok {
			return wait, true
		}
	}
	return 0, false
}

// sleep ждёт duration или отмену контекста.
func sleep(ctx context.Context, duration time.Duration) error {
	if duration <= 0 {
		return nil
	}
	timer := time.NewTimer(duration)
	defer stopTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// stopTimer безопасно останавливает таймер и дренирует его канал, если тик уже произошёл.
func stopTimer(timer *time.Timer) {
	if timer == nil {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}
