// Package credential описывает долговременное доказательство авторизации
// (бот или пользовательский аккаунт) и контракт хранилища, в котором оно живёт
// между перезапусками процесса.
package credential

import (
	"context"
	"errors"
	"time"
)

// Mode: режим учётных данных.
type Mode string

const (
	// ModeBot: бот-администратор; вход по токену, сессия только кэш.
	ModeBot Mode = "BOT"
	// ModeUser: пользовательский аккаунт; сессия обязательна.
	ModeUser Mode = "USER"
)

// ErrNotFound возвращается хранилищем, если для ключа нет записи.
var ErrNotFound = errors.New("credential not found")

// BotOwner: ключ записи сервисного бота; операторы являются пользователями Telegram с id > 0.
const BotOwner int64 = 0

// Credential: сохранённая авторизация принципала.
type Credential struct {
	Principal  int64     `json:"principal"` // id аккаунта, под которым выполняются вызовы
	Mode       Mode      `json:"mode"`
	Session    []byte    `json:"session,omitempty"`   // сериализованная MTProto-сессия
	BotToken   string    `json:"bot_token,omitempty"` // только ModeBot
	Phone      string    `json:"phone,omitempty"`     // только ModeUser
	CreatedAt  time.Time `json:"created_at"`
	LastUsedAt time.Time `json:"last_used_at"`
}

// Valid проверяет инварианты режима: пользовательской записи без сессии не бывает,
// бот без токена бесполезен.
func (c Credential) Valid() bool {
	switch c.Mode {
	case ModeUser:
		return len(c.Session) > 0
	case ModeBot:
		return c.BotToken != ""
	default:
		return false
	}
}

// Store: долговременное хранилище учётных данных. Ключ записи это оператор (владелец),
// запись видна целиком после Put (read-after-write в пределах ключа).
type Store interface {
	Get(ctx context.Context, owner int64) (Credential, error)
	Put(ctx context.Context, owner int64, cred Credential) error
	Delete(ctx context.Context, owner int64) error
}
