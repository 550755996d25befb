// Package commands предоставляет общий интерфейс для выполнения команд клонера.
// Команды используются ботом, CLI-адаптером и веб-интерфейсом.
package commands

import (
	"context"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/domain/session"
)

// Executor - интерфейс для выполнения команд оператора.
type Executor interface {
	// Login начинает вход пользовательского аккаунта по номеру телефона
	Login(ctx context.Context, operator int64, phone string, force bool) (session.Attempt, error)

	// Code отправляет одноразовый код подтверждения
	Code(ctx context.Context, operator int64, code string) (session.Stage, error)

	// Password отправляет пароль 2FA
	Password(ctx context.Context, operator int64, password string) (session.Stage, error)

	// Logout удаляет сохранённую авторизацию оператора
	Logout(ctx context.Context, operator int64) error

	// LoginStatus возвращает состояние входа
	LoginStatus(ctx context.Context, operator int64) (session.Status, error)

	// SetDest сохраняет канал-приёмник по умолчанию
	SetDest(ctx context.Context, operator int64, raw string) (links.Ref, error)

	// GetDest возвращает канал-приёмник по умолчанию
	GetDest(ctx context.Context, operator int64) (links.Ref, error)

	// Clone запускает клонирование канала
	Clone(ctx context.Context, operator int64, req CloneRequest) (*clone.Handle, error)

	// CloneRange клонирует только сообщения с id из [fromID, toID]
	CloneRange(ctx context.Context, operator int64, req CloneRequest, fromID, toID int) (*clone.Handle, error)

	// Resume продолжает последнюю задачу оператора с сохранённого курсора
	Resume(ctx context.Context, operator int64, req CloneRequest) (*clone.Handle, error)

	// Cancel останавливает активную задачу
	Cancel(ctx context.Context, operator int64) error

	// Progress возвращает снимок активной или последней задачи
	Progress(ctx context.Context, operator int64) (clone.Task, error)

	// Tasks возвращает историю задач оператора, новые первыми
	Tasks(ctx context.Context, operator int64, limit int) ([]clone.Task, error)

	// Running возвращает все активные задачи процесса
	Running(ctx context.Context) []clone.Task
}

// CloneRequest - параметры запуска задачи из команды
type CloneRequest struct {
	Source      string         // ссылка на источник (для Resume: опционально)
	Destination string         // ссылка на приёмник; пусто: приёмник по умолчанию
	Observer    clone.Observer // получатель снимков прогресса (правка статусного сообщения)
}

// Connection - выбранная учётная запись для задачи
type Connection struct {
	Connector clone.Connector
	Key       string // полоса регулятора темпа
}

// ConnectorFactory поднимает транспорт для учётной записи owner.
type ConnectorFactory func(owner int64, cred credential.Credential) Connection
