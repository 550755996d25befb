// Package links разбирает ссылки на каналы, которые оператор присылает боту:
//
//	https://t.me/c/1234567890/15   приватный канал по id (+ опциональный id сообщения)
//	t.me/durov/15, @durov/15       публичный канал по username
//	-1001234567890, 1234567890     «сырой» id канала
//	durov, @durov                  username без ссылки
//
// Id канала хранится в виде MTProto (без префикса -100), как его ждёт InputChannel.
package links

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrInvalidLink: строку не удалось распознать как ссылку на канал.
var ErrInvalidLink = errors.New("invalid channel link")

// botAPIChannelPrefix: префикс, с которым id каналов показывают Bot API и клиенты.
const botAPIChannelPrefix = "-100"

var (
	privateLinkRe = regexp.MustCompile(`^(?:https?://)?t\.me/c/(\d+)(?:/(\d+))?/?$`)
	publicLinkRe  = regexp.MustCompile(`^(?:https?://)?t\.me/([A-Za-z][A-Za-z0-9_]{3,30}[A-Za-z0-9])(?:/(\d+))?/?$`)
	atLinkRe      = regexp.MustCompile(`^@?([A-Za-z][A-Za-z0-9_]{3,30}[A-Za-z0-9])(?:/(\d+))?$`)
	idLinkRe      = regexp.MustCompile(`^(-?\d+)(?:/(\d+))?$`)
)

// Ref: ссылка на канал, либо ChannelID, либо Username. MessageID опционален.
type Ref struct {
	ChannelID int64  `json:"channel_id,omitempty"`
	Username  string `json:"username,omitempty"`
	MessageID int    `json:"message_id,omitempty"`
}

// IsZero сообщает, что ссылка пустая.
func (r Ref) IsZero() bool {
	return r.ChannelID == 0 && r.Username == ""
}

// String возвращает каноническую форму ссылки (для логов, ответов и хранения).
func (r Ref) String() string {
	switch {
	case r.Username != "":
		return "@" + r.Username
	case r.ChannelID != 0:
		return botAPIChannelPrefix + strconv.FormatInt(r.ChannelID, 10)
	default:
		return ""
	}
}

// Parse распознаёт ссылку на канал. Пробелы по краям игнорируются.
func Parse(raw string) (Ref, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Ref{}, ErrInvalidLink
	}

	if m := privateLinkRe.FindStringSubmatch(s); m != nil {
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
		}
		return Ref{ChannelID: id, MessageID: atoiOrZero(m[2])}, nil
	}
	if m := publicLinkRe.FindStringSubmatch(s); m != nil {
		return Ref{Username: m[1], MessageID: atoiOrZero(m[2])}, nil
	}
	if m := idLinkRe.FindStringSubmatch(s); m != nil {
		id, err := parseChannelID(m[1])
		if err != nil {
			return Ref{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
		}
		return Ref{ChannelID: id, MessageID: atoiOrZero(m[2])}, nil
	}
	if m := atLinkRe.FindStringSubmatch(s); m != nil {
		return Ref{Username: m[1], MessageID: atoiOrZero(m[2])}, nil
	}
	return Ref{}, fmt.Errorf("%w: %q", ErrInvalidLink, raw)
}

// parseChannelID принимает как форму Bot API (-100…), так и «голый» id канала.
// Отрицательные id без префикса -100: это обычные группы, клонер их не поддерживает.
func parseChannelID(s string) (int64, error) {
	if strings.HasPrefix(s, botAPIChannelPrefix) {
		s = strings.TrimPrefix(s, botAPIChannelPrefix)
	} else if strings.HasPrefix(s, "-") {
		return 0, ErrInvalidLink
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, ErrInvalidLink
	}
	return id, nil
}

func atoiOrZero(s string) int {
	if s == "" {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return v
}
