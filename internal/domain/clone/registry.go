package clone

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/infra/logger"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ErrTaskNotFound возвращается TaskStore, если у оператора ещё не было задач.
var ErrTaskNotFound = errors.New("clone task not found")

// TaskStore: долговременные записи задач (курсор, счётчики, итог).
type TaskStore interface {
	SaveTask(ctx context.Context, task Task) error
	LastTask(ctx context.Context, operator int64) (Task, error)
}

// Observer получает снимок задачи после каждого события (правка статусного сообщения и т.п.).
// Вызывается из горутины задачи; долгие операции должны уходить в фон.
type Observer func(task Task)

// StartRequest: всё, что нужно реестру для запуска задачи.
type StartRequest struct {
	Operator  int64
	Mode      credential.Mode
	Key       string // ключ полосы регулятора темпа (учётная запись)
	Connector Connector
	Params    Params
	Observer  Observer
}

// Handle: ссылка на запущенную задачу.
type Handle struct {
	entry *entry
}

// ID возвращает идентификатор задачи.
func (h *Handle) ID() string { return h.entry.id }

// Done закрывается, когда задача достигла терминального состояния и запись сохранена.
func (h *Handle) Done() <-chan struct{} { return h.entry.done }

// Snapshot возвращает текущее состояние задачи.
func (h *Handle) Snapshot() Task { return h.entry.snapshot() }

// Ready блокирует до прохождения предварительных проверок (каналы найдены, копирование
// разрешено, есть право публикации) и возвращает их итог. Ошибка подключения
// или проверки возвращается как есть (ErrProtectedContent и т.п.); после неё задача уже FAILED.
func (h *Handle) Ready(ctx context.Context) error {
	select {
	case <-h.entry.ready:
		return h.entry.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait блокирует до завершения задачи или отмены ctx.
func (h *Handle) Wait(ctx context.Context) (Task, error) {
	select {
	case <-h.entry.done:
		return h.entry.snapshot(), nil
	case <-ctx.Done():
		return h.entry.snapshot(), ctx.Err()
	}
}

// entry: запись реестра о работающей задаче. Пишет в task только горутина задачи;
// cancelled: единственное поле, которое выставляют снаружи.
type entry struct {
	id        string
	mu        sync.RWMutex
	task      Task
	cancelled atomic.Bool
	done      chan struct{}

	ready     chan struct{}
	readyOnce sync.Once
	readyErr  error
}

// markReady фиксирует итог предварительных проверок; повторные вызовы игнорируются.
func (e *entry) markReady(err error) {
	e.readyOnce.Do(func() {
		e.readyErr = err
		close(e.ready)
	})
}

func (e *entry) snapshot() Task {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.task.Snapshot()
}

func (e *entry) update(fn func(t *Task)) Task {
	e.mu.Lock()
	defer e.mu.Unlock()
	fn(&e.task)
	return e.task.Snapshot()
}

// Registry держит не больше одной RUNNING-задачи на оператора.
type Registry struct {
	orch  *Orchestrator
	store TaskStore
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	running map[int64]*entry
	last    map[int64]Task
}

// NewRegistry создаёт реестр. Задачи живут в контексте ctx (жизненный цикл приложения),
// а не в контексте команды, которая их запустила.
func NewRegistry(ctx context.Context, orch *Orchestrator, store TaskStore) *Registry {
	runCtx, cancel := context.WithCancel(ctx)
	return &Registry{
		orch:    orch,
		store:   store,
		now:     time.Now,
		ctx:     runCtx,
		cancel:  cancel,
		running: make(map[int64]*entry),
		last:    make(map[int64]Task),
	}
}

// SetClock подменяет источник времени (тесты).
func (r *Registry) SetClock(now func() time.Time) {
	if now != nil {
		r.now = now
	}
}

// Start регистрирует и запускает задачу оператора.
func (r *Registry) Start(req StartRequest) (*Handle, error) {
	return r.start(req, "", "")
}

// Resume продолжает последнюю незавершённую задачу оператора с её курсора.
// Источник, приёмник и верхняя граница берутся из записи, если не заданы в req.
func (r *Registry) Resume(ctx context.Context, req StartRequest) (*Handle, error) {
	prev, err := r.lastTask(ctx, req.Operator)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return nil, ErrNoResumableTask
		}
		return nil, err
	}
	// Завершённую задачу без верхней границы можно «дотянуть» до новых сообщений,
	// диапазонную нельзя, её диапазон уже пройден.
	if prev.Status == StatusCompleted && prev.UpperBound != 0 {
		return nil, ErrNoResumableTask
	}
	if !req.Params.Source.IsZero() && !sameRef(req.Params.Source, prev.Source, prev.SourceChannel) {
		return nil, fmt.Errorf("%w: last task cloned %s", ErrNoResumableTask, prev.Source)
	}

	req.Params.Source = prev.Source
	if req.Params.Destination.IsZero() {
		req.Params.Destination = prev.Destination
	}
	req.Params.Cursor = prev.Cursor
	req.Params.UpperBound = prev.UpperBound
	req.Params.Base = prev.Counters.clone()
	lineage := prev.Lineage
	if lineage == "" {
		lineage = prev.ID
	}
	return r.start(req, prev.ID, lineage)
}

func sameRef(ref, prev links.Ref, ch Channel) bool {
	if ref == prev {
		return true
	}
	return (ref.ChannelID != 0 && ref.ChannelID == ch.ID) || (ref.Username != "" && ref.Username == ch.Username)
}

func (r *Registry) start(req StartRequest, resumedFrom, lineage string) (*Handle, error) {
	if req.Connector == nil {
		return nil, errors.New("clone: connector is nil")
	}

	r.mu.Lock()
	if _, busy := r.running[req.Operator]; busy {
		r.mu.Unlock()
		return nil, ErrTaskAlreadyRunning
	}
	if r.ctx.Err() != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("clone: registry stopped: %w", r.ctx.Err())
	}
	e := &entry{
		id:    uuid.NewString(),
		done:  make(chan struct{}),
		ready: make(chan struct{}),
	}
	if lineage == "" {
		lineage = e.id
	}
	e.task = Task{
		ID:          e.id,
		ResumedFrom: resumedFrom,
		Lineage:     lineage,
		Operator:    req.Operator,
		Mode:        req.Mode,
		Source:      req.Params.Source,
		Destination: req.Params.Destination,
		Cursor:      req.Params.Cursor,
		UpperBound:  req.Params.UpperBound,
		Counters:    req.Params.Base.clone(),
		Status:      StatusRunning,
		StartedAt:   r.now(),
	}
	r.running[req.Operator] = e
	r.mu.Unlock()

	logger.Info("clone task started",
		zap.String("task_id", e.id),
		zap.Int64("operator", req.Operator),
		zap.String("source", req.Params.Source.String()),
		zap.String("destination", req.Params.Destination.String()),
		zap.Int("cursor", req.Params.Cursor))

	r.wg.Go(func() { r.runTask(e, req) })
	return &Handle{entry: e}, nil
}

// runTask выполняется в горутине задачи: поднимает транспорт, потребляет события оркестратора,
// сохраняет курсор после каждого события и финальную запись.
func (r *Registry) runTask(e *entry, req StartRequest) {
	defer close(e.done)

	var runErr error
	connErr := req.Connector.Connect(r.ctx, e.snapshot().Lineage, func(ctx context.Context, tr Transport) error {
		for ev, err := range r.orch.Run(ctx, tr, req.Key, req.Params, e.cancelled.Load) {
			snap := e.update(func(t *Task) { t.apply(ev) })
			if err != nil {
				runErr = err
			}
			if !ev.Status.Terminal() {
				e.markReady(nil)
				r.persist(snap)
				notify(req.Observer, snap)
			}
		}
		return nil
	})
	if connErr != nil && runErr == nil {
		runErr = connErr
	}

	final := e.update(func(t *Task) {
		switch {
		case runErr != nil:
			t.Status = StatusFailed
			t.Error = runErr.Error()
		case !t.Status.Terminal():
			// Оркестратор не дошёл до финального события (транспорт закрылся раньше).
			t.Status = StatusCancelled
		}
		t.FinishedAt = r.now()
	})

	r.persist(final)

	r.mu.Lock()
	delete(r.running, req.Operator)
	r.last[req.Operator] = final
	r.mu.Unlock()
	// После снятия записи: получивший ошибку проверок может сразу запустить новую задачу.
	e.markReady(runErr)

	logger.Info("clone task finished",
		zap.String("task_id", final.ID),
		zap.Int64("operator", final.Operator),
		zap.String("status", string(final.Status)),
		zap.Int("processed", final.Processed),
		zap.Int("skipped", final.Skipped),
		zap.Int("failed", final.Failed),
		zap.Int("cursor", final.Cursor),
		zap.String("error", final.Error))

	notify(req.Observer, final)
}

func notify(obs Observer, task Task) {
	if obs != nil {
		obs(task)
	}
}

func (r *Registry) persist(task Task) {
	if r.store == nil {
		return
	}
	// Запись курсора не должна зависеть от отмены контекста задачи.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := r.store.SaveTask(ctx, task); err != nil {
		logger.Error("persist clone task failed", zap.String("task_id", task.ID), zap.Error(err))
	}
}

// Cancel выставляет флаг отмены; оркестратор увидит его перед следующей единицей.
func (r *Registry) Cancel(operator int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.running[operator]
	if !ok {
		return ErrNoActiveTask
	}
	e.cancelled.Store(true)
	return nil
}

// Status возвращает снимок работающей задачи оператора, иначе последнюю завершённую.
// Не блокируется на работе задачи.
func (r *Registry) Status(ctx context.Context, operator int64) (Task, error) {
	r.mu.Lock()
	e, ok := r.running[operator]
	r.mu.Unlock()
	if ok {
		return e.snapshot(), nil
	}
	return r.lastTask(ctx, operator)
}

// Running возвращает снимки всех работающих задач, отсортированные по оператору.
func (r *Registry) Running() []Task {
	r.mu.Lock()
	entries := slices.Collect(maps.Values(r.running))
	r.mu.Unlock()

	tasks := make([]Task, 0, len(entries))
	for _, e := range entries {
		tasks = append(tasks, e.snapshot())
	}
	slices.SortFunc(tasks, func(a, b Task) int {
		switch {
		case a.Operator < b.Operator:
			return -1
		case a.Operator > b.Operator:
			return 1
		default:
			return 0
		}
	})
	return tasks
}

func (r *Registry) lastTask(ctx context.Context, operator int64) (Task, error) {
	r.mu.Lock()
	task, ok := r.last[operator]
	r.mu.Unlock()
	if ok {
		return task.Snapshot(), nil
	}
	if r.store == nil {
		return Task{}, ErrTaskNotFound
	}
	task, err := r.store.LastTask(ctx, operator)
	if err != nil {
		return Task{}, err
	}
	// Запись RUNNING в хранилище при пустом реестре: след аварийного завершения процесса.
	if task.Status == StatusRunning {
		task.Status = StatusCancelled
	}
	return task, nil
}

// Close отменяет все задачи и ждёт их завершения (курсоры сохраняются).
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
}
