package commands

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/logger"

	"go.uber.org/zap"
)

// Ошибки командного слоя.
var (
	ErrNoDestination = errors.New("destination channel is not set, use /setdest first")
	ErrInvalidRange  = errors.New("invalid message range")
)

// SettingsStore - настройки оператора и история задач.
type SettingsStore interface {
	SetDestination(ctx context.Context, operator int64, ref links.Ref) error
	// Destination возвращает ErrNoDestination, если приёмник не задан.
	Destination(ctx context.Context, operator int64) (links.Ref, error)
	Tasks(ctx context.Context, operator int64, limit int) ([]clone.Task, error)
}

// CommandExecutor - реализация интерфейса Executor
type CommandExecutor struct {
	sessions *session.Manager
	registry *clone.Registry
	creds    credential.Store
	settings SettingsStore
	connect  ConnectorFactory
	onLogout func(cred credential.Credential)
}

var _ Executor = (*CommandExecutor)(nil)

// NewExecutor создает новый экземпляр CommandExecutor
func NewExecutor(
	sessions *session.Manager,
	registry *clone.Registry,
	creds credential.Store,
	settings SettingsStore,
	connect ConnectorFactory,
) *CommandExecutor {
	return &CommandExecutor{
		sessions: sessions,
		registry: registry,
		creds:    creds,
		settings: settings,
		connect:  connect,
	}
}

func (e *CommandExecutor) Login(ctx context.Context, operator int64, phone string, force bool) (session.Attempt, error) {
	return e.sessions.StartLogin(ctx, operator, phone, force)
}

func (e *CommandExecutor) Code(ctx context.Context, operator int64, code string) (session.Stage, error) {
	return e.sessions.SubmitCode(ctx, operator, code)
}

func (e *CommandExecutor) Password(ctx context.Context, operator int64, password string) (session.Stage, error) {
	return e.sessions.SubmitPassword(ctx, operator, password)
}

// OnLogout задаёт хук, получающий удалённые учётные данные после выхода.
func (e *CommandExecutor) OnLogout(fn func(cred credential.Credential)) {
	e.onLogout = fn
}

// Logout запрещён, пока задача оператора работает на его сессии.
func (e *CommandExecutor) Logout(ctx context.Context, operator int64) error {
	if task, err := e.registry.Status(ctx, operator); err == nil && task.Status == clone.StatusRunning {
		return fmt.Errorf("%w: cancel it before logout", clone.ErrTaskAlreadyRunning)
	}
	cred, credErr := e.creds.Get(ctx, operator)
	if err := e.sessions.Logout(ctx, operator); err != nil {
		return err
	}
	if credErr == nil && e.onLogout != nil {
		e.onLogout(cred)
	}
	return nil
}

func (e *CommandExecutor) LoginStatus(ctx context.Context, operator int64) (session.Status, error) {
	return e.sessions.LoginStatus(ctx, operator)
}

// SetDest сохраняет канал-приёмник по умолчанию
func (e *CommandExecutor) SetDest(ctx context.Context, operator int64, raw string) (links.Ref, error) {
	ref, err := links.Parse(raw)
	if err != nil {
		return links.Ref{}, err
	}
	ref.MessageID = 0
	if err = e.settings.SetDestination(ctx, operator, ref); err != nil {
		return links.Ref{}, err
	}
	logger.Info("destination set", zap.Int64("operator", operator), zap.String("destination", ref.String()))
	return ref, nil
}

func (e *CommandExecutor) GetDest(ctx context.Context, operator int64) (links.Ref, error) {
	return e.settings.Destination(ctx, operator)
}

// Clone запускает задачу. Id сообщения в ссылке на источник задаёт, с какого сообщения начинать.
func (e *CommandExecutor) Clone(ctx context.Context, operator int64, req CloneRequest) (*clone.Handle, error) {
	params, err := e.params(ctx, operator, req)
	if err != nil {
		return nil, err
	}
	if params.Source.MessageID > 0 {
		params.Cursor = params.Source.MessageID - 1
	}
	return e.start(ctx, operator, req.Observer, params, false)
}

// CloneRange клонирует только сообщения с id из [fromID, toID]
func (e *CommandExecutor) CloneRange(ctx context.Context, operator int64, req CloneRequest, fromID, toID int) (*clone.Handle, error) {
	if fromID < 1 || toID < fromID {
		return nil, fmt.Errorf("%w: %d..%d", ErrInvalidRange, fromID, toID)
	}
	params, err := e.params(ctx, operator, req)
	if err != nil {
		return nil, err
	}
	params.Cursor = fromID - 1
	params.UpperBound = toID
	return e.start(ctx, operator, req.Observer, params, false)
}

// Resume продолжает последнюю задачу; источник, если задан, должен совпасть с ней.
func (e *CommandExecutor) Resume(ctx context.Context, operator int64, req CloneRequest) (*clone.Handle, error) {
	var params clone.Params
	if src := strings.TrimSpace(req.Source); src != "" {
		ref, err := links.Parse(src)
		if err != nil {
			return nil, fmt.Errorf("source: %w", err)
		}
		params.Source = ref
	}
	if dst := strings.TrimSpace(req.Destination); dst != "" {
		ref, err := links.Parse(dst)
		if err != nil {
			return nil, fmt.Errorf("destination: %w", err)
		}
		params.Destination = ref
	}
	return e.start(ctx, operator, req.Observer, params, true)
}

func (e *CommandExecutor) Cancel(_ context.Context, operator int64) error {
	return e.registry.Cancel(operator)
}

func (e *CommandExecutor) Progress(ctx context.Context, operator int64) (clone.Task, error) {
	task, err := e.registry.Status(ctx, operator)
	if errors.Is(err, clone.ErrTaskNotFound) {
		return clone.Task{}, clone.ErrNoActiveTask
	}
	return task, err
}

// Tasks возвращает историю задач. RUNNING-запись без живой задачи: след
// аварийной остановки процесса, показывается как CANCELLED.
func (e *CommandExecutor) Tasks(ctx context.Context, operator int64, limit int) ([]clone.Task, error) {
	tasks, err := e.settings.Tasks(ctx, operator, limit)
	if err != nil {
		return nil, err
	}
	live := make(map[string]clone.Task)
	for _, t := range e.registry.Running() {
		live[t.ID] = t
	}
	for i, t := range tasks {
		if t.Status != clone.StatusRunning {
			continue
		}
		if snap, ok := live[t.ID]; ok {
			tasks[i] = snap
			continue
		}
		tasks[i].Status = clone.StatusCancelled
	}
	return tasks, nil
}

func (e *CommandExecutor) Running(_ context.Context) []clone.Task {
	return e.registry.Running()
}

// params разбирает ссылки; пустой приёмник берётся из настроек оператора.
func (e *CommandExecutor) params(ctx context.Context, operator int64, req CloneRequest) (clone.Params, error) {
	src, err := links.Parse(req.Source)
	if err != nil {
		return clone.Params{}, fmt.Errorf("source: %w", err)
	}
	var dst links.Ref
	if strings.TrimSpace(req.Destination) != "" {
		if dst, err = links.Parse(req.Destination); err != nil {
			return clone.Params{}, fmt.Errorf("destination: %w", err)
		}
		dst.MessageID = 0
	} else {
		if dst, err = e.settings.Destination(ctx, operator); err != nil {
			if errors.Is(err, ErrNoDestination) {
				return clone.Params{}, ErrNoDestination
			}
			return clone.Params{}, err
		}
	}
	return clone.Params{Source: src, Destination: dst}, nil
}

func (e *CommandExecutor) start(ctx context.Context, operator int64, obs clone.Observer, params clone.Params, resume bool) (*clone.Handle, error) {
	owner, cred, err := e.credentialFor(ctx, operator)
	if err != nil {
		return nil, err
	}
	conn := e.connect(owner, cred)
	req := clone.StartRequest{
		Operator:  operator,
		Mode:      cred.Mode,
		Key:       conn.Key,
		Connector: conn.Connector,
		Params:    params,
		Observer:  obs,
	}
	var h *clone.Handle
	if resume {
		h, err = e.registry.Resume(ctx, req)
	} else {
		h, err = e.registry.Start(req)
	}
	if err != nil {
		return nil, err
	}
	// Ошибки предварительных проверок (защищённый источник, нет прав) возвращаются
	// сразу. Если ctx команды истёк раньше, итог придёт через Observer.
	if err = h.Ready(ctx); err != nil && ctx.Err() == nil {
		return nil, err
	}
	return h, nil
}

// credentialFor выбирает учётную запись: пользовательская сессия оператора,
// иначе сервисный бот.
func (e *CommandExecutor) credentialFor(ctx context.Context, operator int64) (int64, credential.Credential, error) {
	cred, err := e.creds.Get(ctx, operator)
	switch {
	case err == nil && cred.Mode == credential.ModeUser && cred.Valid():
		return operator, cred, nil
	case err != nil && !errors.Is(err, credential.ErrNotFound):
		return 0, credential.Credential{}, fmt.Errorf("load credential: %w", err)
	}

	bot, err := e.creds.Get(ctx, credential.BotOwner)
	if errors.Is(err, credential.ErrNotFound) || (err == nil && !bot.Valid()) {
		return 0, credential.Credential{}, clone.ErrAuthRequired
	}
	if err != nil {
		return 0, credential.Credential{}, fmt.Errorf("load bot credential: %w", err)
	}
	return credential.BotOwner, bot, nil
}
