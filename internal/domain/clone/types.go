// Package clone содержит ядро клонирования канала: оркестратор, который проходит историю
// источника и копирует её в приёмник без пометки «переслано из», и реестр задач,
// который держит не больше одной активной задачи на оператора.
package clone

import (
	"context"
	"slices"
	"time"

	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/links"
)

// Status: состояние задачи клонирования.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCancelled Status = "CANCELLED"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Terminal сообщает, что задача завершена и её запись больше не меняется.
func (s Status) Terminal() bool {
	return s == StatusCancelled || s == StatusCompleted || s == StatusFailed
}

// Channel: канал, разрешённый транспортом для конкретной учётной записи.
type Channel struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash"`
	Title      string `json:"title,omitempty"`
	Username   string `json:"username,omitempty"`
	// Protected: владелец запретил пересылку и копирование (noforwards).
	Protected bool `json:"protected,omitempty"`
	// CanPost: учётная запись может публиковать сообщения в канал.
	CanPost bool `json:"can_post,omitempty"`
}

// Message: минимальное описание сообщения источника, нужное оркестратору.
type Message struct {
	ID      int
	GroupID int64 // альбом; 0: одиночное сообщение
	// Skip: служебное или пустое сообщение, копировать нечего.
	Skip bool
}

// Transport: набор возможностей учётной записи (бот или пользователь), на котором
// написан оркестратор. Ошибки классифицируются через *TransportError.
type Transport interface {
	// Resolve находит канал по ссылке и заполняет флаги защиты и прав.
	Resolve(ctx context.Context, ref links.Ref) (Channel, error)
	// EstimateTotal даёт грубую оценку числа сообщений источника; 0 значит «неизвестно».
	EstimateTotal(ctx context.Context, src Channel) (int, error)
	// FetchHistory возвращает до limit сообщений с id > afterID по возрастанию id.
	// Пустой результат означает конец истории.
	FetchHistory(ctx context.Context, src Channel, afterID, limit int) ([]Message, error)
	// Copy копирует сообщения ids из src в dst без атрибуции одним запросом;
	// несколько id одного альбома публикуются как один альбом.
	Copy(ctx context.Context, src, dst Channel, ids []int) error
}

// Pacer: регулятор темпа, выполняет вызов в полосе учётной записи key.
type Pacer interface {
	Do(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// Connector поднимает транспорт учётной записи на время fn (MTProto-клиент живёт
// ровно столько, сколько работает задача). lineage идентифицирует цепочку запусков
// одной задачи (см. Task.Lineage): копии внутри цепочки транспорт вправе
// дедуплицировать, копии разных цепочек нет.
type Connector interface {
	Connect(ctx context.Context, lineage string, fn func(ctx context.Context, tr Transport) error) error
}

// ConnectorFunc: адаптер функции к Connector.
type ConnectorFunc func(ctx context.Context, lineage string, fn func(ctx context.Context, tr Transport) error) error

func (f ConnectorFunc) Connect(ctx context.Context, lineage string, fn func(ctx context.Context, tr Transport) error) error {
	return f(ctx, lineage, fn)
}

// Counters: накопленные счётчики задачи (переносятся между запусками при resume).
type Counters struct {
	Processed int   `json:"processed"`
	Skipped   int   `json:"skipped"`
	Failed    int   `json:"failed"`
	FailedIDs []int `json:"failed_ids,omitempty"`
}

func (c Counters) clone() Counters {
	c.FailedIDs = slices.Clone(c.FailedIDs)
	return c
}

// Params: параметры одного запуска оркестратора.
type Params struct {
	Source      links.Ref
	Destination links.Ref
	// Cursor: id последнего успешно обработанного сообщения; 0 значит «с начала».
	Cursor int
	// UpperBound: не копировать сообщения с id больше этого; 0 значит «без ограничения».
	UpperBound int
	// Base: счётчики предыдущих запусков той же задачи.
	Base Counters
}

// ProgressEvent: снимок прогресса после очередной единицы (сообщения или альбома).
// Счётчики кумулятивны с учётом Params.Base.
type ProgressEvent struct {
	Counters
	EstimatedTotal int
	LastCursor     int
	Source         Channel
	Destination    Channel
	// Status: RUNNING для промежуточных событий, терминальный статус для последнего.
	Status Status
}

// Task: запись о задаче клонирования. Пока задача RUNNING, ею владеет Registry;
// после завершения запись неизменна.
type Task struct {
	ID             string          `json:"id"`
	ResumedFrom    string          `json:"resumed_from,omitempty"`
	// Lineage: id первой задачи цепочки resume; у новой задачи совпадает с ID.
	Lineage        string          `json:"lineage,omitempty"`
	Operator       int64           `json:"operator"`
	Mode           credential.Mode `json:"mode"`
	Source         links.Ref       `json:"source"`
	Destination    links.Ref       `json:"destination"`
	SourceChannel  Channel         `json:"source_channel"`
	DestChannel    Channel         `json:"dest_channel"`
	Cursor         int             `json:"cursor"`
	UpperBound     int             `json:"upper_bound,omitempty"`
	EstimatedTotal int             `json:"estimated_total"`
	Counters
	Status     Status    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Snapshot возвращает копию задачи, безопасную для передачи между горутинами.
func (t Task) Snapshot() Task {
	t.Counters = t.Counters.clone()
	return t
}

// apply переносит событие в запись задачи.
func (t *Task) apply(ev ProgressEvent) {
	t.Counters = ev.Counters.clone()
	t.Cursor = ev.LastCursor
	t.EstimatedTotal = ev.EstimatedTotal
	if ev.Source.ID != 0 {
		t.SourceChannel = ev.Source
	}
	if ev.Destination.ID != 0 {
		t.DestChannel = ev.Destination
	}
	t.Status = ev.Status
}
