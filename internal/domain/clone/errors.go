package clone

import (
	"errors"
	"fmt"
	"time"

	"channel-cloner/internal/infra/throttle"
)

// Ошибки уровня задачи. Все сравнимы через errors.Is.
var (
	ErrAuthRequired          = errors.New("authorization required")
	ErrSourceUnreachable     = errors.New("source channel is unreachable")
	ErrDestUnreachable       = errors.New("destination channel is unreachable")
	ErrChannelUnreachable    = errors.New("channel became unreachable")
	ErrProtectedContent      = errors.New("source channel has protected content: copying and forwarding are disabled by its owner")
	ErrInsufficientPrivilege = errors.New("insufficient privilege in destination channel")
	ErrRateLimitExceeded     = throttle.ErrRateLimitExceeded
	ErrTaskAlreadyRunning    = errors.New("clone task already running")
	ErrNoActiveTask          = errors.New("no active clone task")
	ErrNoResumableTask       = errors.New("no task to resume")
	ErrSameChannel           = errors.New("source and destination are the same channel")
)

// ErrorKind: класс ошибки транспорта, определяющий реакцию оркестратора.
type ErrorKind int

const (
	// KindTransient: сетевой сбой или 5xx, повторяем с backoff.
	KindTransient ErrorKind = iota
	// KindPermanent: ошибка конкретного сообщения (удалено, медиа недоступно), не повторяем.
	KindPermanent
	// KindRateLimit: сервер требует подождать Wait.
	KindRateLimit
	// KindAuthRevoked: сессия отозвана или ключ не зарегистрирован.
	KindAuthRevoked
	// KindUnreachable: канал не найден или закрыт для учётной записи.
	KindUnreachable
	// KindProtected: копирование запрещено владельцем канала.
	KindProtected
	// KindForbidden: не хватает прав на запись.
	KindForbidden
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindPermanent:
		return "permanent"
	case KindRateLimit:
		return "rate_limit"
	case KindAuthRevoked:
		return "auth_revoked"
	case KindUnreachable:
		return "unreachable"
	case KindProtected:
		return "protected"
	case KindForbidden:
		return "forbidden"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TransportError: ошибка транспорта, уже классифицированная адаптером.
// Домен не знает про коды Telegram и реагирует только на Kind.
type TransportError struct {
	Kind ErrorKind
	Wait time.Duration // только для KindRateLimit
	Err  error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return "transport: " + e.Kind.String()
	}
	return fmt.Sprintf("transport %s: %v", e.Kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// RetryAfter отдаёт серверное ожидание регулятору темпа.
func (e *TransportError) RetryAfter() time.Duration {
	if e.Kind != KindRateLimit {
		return 0
	}
	return e.Wait
}

// Is связывает классы транспорта с доменными ошибками задачи.
func (e *TransportError) Is(target error) bool {
	switch target {
	case ErrAuthRequired:
		return e.Kind == KindAuthRevoked
	case ErrChannelUnreachable:
		return e.Kind == KindUnreachable
	case ErrProtectedContent:
		return e.Kind == KindProtected
	case ErrInsufficientPrivilege:
		return e.Kind == KindForbidden
	default:
		return false
	}
}

// NewTransportError: короткий конструктор для адаптеров и тестов.
func NewTransportError(kind ErrorKind, err error) *TransportError {
	return &TransportError{Kind: kind, Err: err}
}

// kindOf возвращает класс ошибки; неизвестные ошибки считаются временными.
func kindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindTransient
}

// isFatal сообщает, что ошибка останавливает задачу целиком.
func isFatal(err error) bool {
	switch {
	case errors.Is(err, ErrRateLimitExceeded),
		errors.Is(err, ErrAuthRequired),
		errors.Is(err, ErrChannelUnreachable),
		errors.Is(err, ErrProtectedContent),
		errors.Is(err, ErrInsufficientPrivilege):
		return true
	}
	return false
}
