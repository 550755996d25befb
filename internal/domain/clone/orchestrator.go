package clone

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"time"

	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/infra/logger"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultPageSize   = 100
	defaultMaxRetries = 3
	defaultRetryBase  = time.Second
	defaultRetryMax   = 30 * time.Second
)

// Orchestrator проходит историю источника и воспроизводит её в приёмнике.
// Один экземпляр обслуживает любое число запусков: состояние каждого живёт в run.
type Orchestrator struct {
	pacer      Pacer
	pageSize   int
	maxRetries int
	retryBase  time.Duration
	retryMax   time.Duration
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithPageSize задаёт размер страницы истории.
func WithPageSize(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.pageSize = n
		}
	}
}

// WithRetry задаёт число повторов временных ошибок и базовую/максимальную паузу backoff.
func WithRetry(maxRetries int, base, maxDelay time.Duration) Option {
	return func(o *Orchestrator) {
		if maxRetries >= 0 {
			o.maxRetries = maxRetries
		}
		if base > 0 {
			o.retryBase = base
		}
		if maxDelay > 0 {
			o.retryMax = maxDelay
		}
	}
}

// NewOrchestrator создаёт оркестратор поверх регулятора темпа.
func NewOrchestrator(pacer Pacer, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pacer:      pacer,
		pageSize:   defaultPageSize,
		maxRetries: defaultMaxRetries,
		retryBase:  defaultRetryBase,
		retryMax:   defaultRetryMax,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run возвращает ленивую конечную последовательность событий прогресса. Работа
// начинается при итерации и каждая итерация стартует заново с p.Cursor.
//
// Промежуточные события имеют Status=RUNNING и nil-ошибку. Последнее событие несёт
// терминальный статус; для FAILED вместе с ним приходит причина. cancelled
// опрашивается между единицами (сообщение или альбом целиком), не внутри них.
// Если потребитель прекращает итерацию, запуск останавливается без финального события.
func (o *Orchestrator) Run(
	ctx context.Context,
	tr Transport,
	key string,
	p Params,
	cancelled func() bool,
) iter.Seq2[ProgressEvent, error] {
	return func(yield func(ProgressEvent, error) bool) {
		r := &run{
			o:         o,
			tr:        tr,
			key:       key,
			params:    p,
			cancelled: cancelled,
			counters:  p.Base.clone(),
			cursor:    p.Cursor,
		}
		if r.cancelled == nil {
			r.cancelled = func() bool { return false }
		}
		r.execute(ctx, yield)
	}
}

// run: состояние одного запуска.
type run struct {
	o         *Orchestrator
	tr        Transport
	key       string
	params    Params
	cancelled func() bool

	src, dst Channel
	total    int
	counters Counters
	cursor   int
}

func (r *run) event(status Status) ProgressEvent {
	return ProgressEvent{
		Counters:       r.counters.clone(),
		EstimatedTotal: r.total,
		LastCursor:     r.cursor,
		Source:         r.src,
		Destination:    r.dst,
		Status:         status,
	}
}

func (r *run) log() *zap.Logger {
	return logger.Logger().With(
		zap.String("credential", r.key),
		zap.Int64("source", r.src.ID),
		zap.Int64("destination", r.dst.ID),
	)
}

func (r *run) execute(ctx context.Context, yield func(ProgressEvent, error) bool) {
	if err := r.preflight(ctx); err != nil {
		yield(r.event(StatusFailed), err)
		return
	}

	r.total = r.estimate(ctx)
	if !yield(r.event(StatusRunning), nil) {
		return
	}

	pg := &pager{
		after: r.cursor,
		upper: r.params.UpperBound,
		fetch: func(ctx context.Context, afterID int) ([]Message, error) {
			var page []Message
			err := r.call(ctx, func(ctx context.Context) error {
				var err error
				page, err = r.tr.FetchHistory(ctx, r.src, afterID, r.o.pageSize)
				return err
			})
			return page, err
		},
	}

	for {
		if r.cancelled() || ctx.Err() != nil {
			r.log().Info("clone cancelled", zap.Int("cursor", r.cursor))
			yield(r.event(StatusCancelled), nil)
			return
		}

		unit, err := pg.nextUnit(ctx)
		switch {
		case isContextErr(err):
			yield(r.event(StatusCancelled), nil)
			return
		case err != nil:
			r.log().Error("fetch history failed", zap.Int("cursor", r.cursor), zap.Error(err))
			yield(r.event(StatusFailed), fmt.Errorf("fetch history after %d: %w", pg.after, err))
			return
		case unit == nil:
			r.log().Info("clone completed",
				zap.Int("processed", r.counters.Processed),
				zap.Int("failed", r.counters.Failed),
				zap.Int("cursor", r.cursor))
			yield(r.event(StatusCompleted), nil)
			return
		}

		if stop := r.process(ctx, unit, yield); stop {
			return
		}
	}
}

// process обрабатывает одну единицу и сообщает, что запуск надо прекратить.
func (r *run) process(ctx context.Context, unit []Message, yield func(ProgressEvent, error) bool) bool {
	ids := unitIDs(unit)
	last := ids[len(ids)-1]

	if unit[0].Skip {
		r.counters.Skipped++
		r.cursor = last
		return !yield(r.event(StatusRunning), nil)
	}

	err := r.call(ctx, func(ctx context.Context) error {
		return r.tr.Copy(ctx, r.src, r.dst, ids)
	})
	switch {
	case err == nil:
		r.counters.Processed += len(ids)
		r.cursor = last
	case isContextErr(err):
		yield(r.event(StatusCancelled), nil)
		return true
	case isFatal(err):
		r.log().Error("clone aborted", zap.Ints("ids", ids), zap.Error(err))
		yield(r.event(StatusFailed), err)
		return true
	default:
		r.log().Warn("message copy failed", zap.Ints("ids", ids), zap.Error(err))
		r.counters.Failed += len(ids)
		r.counters.FailedIDs = append(r.counters.FailedIDs, ids...)
	}
	return !yield(r.event(StatusRunning), nil)
}

// preflight проверяет условия запуска в фиксированном порядке.
func (r *run) preflight(ctx context.Context) error {
	src, err := r.resolve(ctx, r.params.Source)
	if err != nil {
		return classifyResolve(err, ErrSourceUnreachable)
	}
	r.src = src

	dst, err := r.resolve(ctx, r.params.Destination)
	if err != nil {
		return classifyResolve(err, ErrDestUnreachable)
	}
	r.dst = dst

	if src.ID == dst.ID {
		return ErrSameChannel
	}
	if src.Protected {
		return ErrProtectedContent
	}
	if !dst.CanPost {
		return ErrInsufficientPrivilege
	}
	return nil
}

func (r *run) resolve(ctx context.Context, ref links.Ref) (Channel, error) {
	var ch Channel
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		ch, err = r.tr.Resolve(ctx, ref)
		return err
	})
	return ch, err
}

// classifyResolve оставляет как есть ошибки, которые важнее «недоступен»
// (отозванная сессия, лимит, отмена), остальное помечает стороной канала.
func classifyResolve(err, side error) error {
	if errors.Is(err, ErrAuthRequired) || errors.Is(err, ErrRateLimitExceeded) || isContextErr(err) {
		return err
	}
	return fmt.Errorf("%w: %w", side, err)
}

func (r *run) estimate(ctx context.Context) int {
	var total int
	err := r.call(ctx, func(ctx context.Context) error {
		var err error
		total, err = r.tr.EstimateTotal(ctx, r.src)
		return err
	})
	if err != nil {
		r.log().Warn("estimate total failed", zap.Error(err))
		return 0
	}
	return total
}

// call выполняет вызов транспорта через регулятор темпа и повторяет временные
// ошибки с экспоненциальным backoff. Остальные классы возвращаются сразу.
func (r *run) call(ctx context.Context, fn func(ctx context.Context) error) error {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.o.retryBase
	eb.MaxInterval = r.o.retryMax
	eb.MaxElapsedTime = 0
	eb.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(r.o.maxRetries)), ctx)

	op := func() error {
		err := r.o.pacer.Do(ctx, r.key, fn)
		if err == nil {
			return nil
		}
		if isContextErr(err) || isFatal(err) || kindOf(err) != KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		logger.Debug("transient transport error, retrying",
			zap.String("credential", r.key), zap.Duration("in", next), zap.Error(err))
	}
	return backoff.RetryNotify(op, policy, notify)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// FailedIDsTail возвращает не больше n последних id из списка ошибок (для отчётов).
func FailedIDsTail(ids []int, n int) []int {
	if len(ids) <= n {
		return slices.Clone(ids)
	}
	return slices.Clone(ids[len(ids)-n:])
}
