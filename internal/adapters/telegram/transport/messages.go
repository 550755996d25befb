package transport

import (
	"cmp"
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"slices"
	"strings"

	"channel-cloner/internal/domain/clone"

	"github.com/gotd/td/tg"
)

// historyPage: сообщения и сущности из ответа messages.getHistory / channels.getMessages.
type historyPage struct {
	Messages []tg.MessageClass
	Users    []tg.UserClass
	Chats    []tg.ChatClass
	Count    int
}

func normalizeMessages(resp tg.MessagesMessagesClass) (historyPage, error) {
	switch data := resp.(type) {
	case *tg.MessagesMessages:
		return historyPage{Messages: data.Messages, Users: data.Users, Chats: data.Chats, Count: len(data.Messages)}, nil
	case *tg.MessagesMessagesSlice:
		return historyPage{Messages: data.Messages, Users: data.Users, Chats: data.Chats, Count: data.Count}, nil
	case *tg.MessagesChannelMessages:
		return historyPage{Messages: data.Messages, Users: data.Users, Chats: data.Chats, Count: data.Count}, nil
	case *tg.MessagesMessagesNotModified:
		return historyPage{Count: data.Count}, nil
	default:
		return historyPage{}, fmt.Errorf("unexpected messages response: %T", resp)
	}
}

// toMessages переводит ответ в упорядоченный по id список. Пустые слоты
// (удалённые сообщения) отбрасываются, служебные помечаются Skip.
func toMessages(source []tg.MessageClass, afterID int) []clone.Message {
	out := make([]clone.Message, 0, len(source))
	for _, raw := range source {
		msg, ok := toMessage(raw)
		if !ok || msg.ID <= afterID {
			continue
		}
		out = append(out, msg)
	}
	slices.SortFunc(out, func(a, b clone.Message) int { return cmp.Compare(a.ID, b.ID) })
	return slices.CompactFunc(out, func(a, b clone.Message) bool { return a.ID == b.ID })
}

func toMessage(raw tg.MessageClass) (clone.Message, bool) {
	switch m := raw.(type) {
	case *tg.Message:
		msg := clone.Message{ID: m.ID}
		if group, ok := m.GetGroupedID(); ok {
			msg.GroupID = group
		}
		msg.Skip = !hasContent(m)
		return msg, true
	case *tg.MessageService:
		return clone.Message{ID: m.ID, Skip: true}, true
	default:
		return clone.Message{}, false
	}
}

func hasContent(m *tg.Message) bool {
	if strings.TrimSpace(m.Message) != "" {
		return true
	}
	switch m.Media.(type) {
	case nil, *tg.MessageMediaEmpty, *tg.MessageMediaUnsupported:
		return false
	}
	return true
}

// randomIDs строит random_id для копирования: детерминированный хэш цепочки задачи,
// пары каналов, id сообщения и его позиции. Повтор того же запроса в той же цепочке
// сервер распознаёт как дубль.
func randomIDs(salt uint64, src, dst clone.Channel, ids []int) []int64 {
	out := make([]int64, len(ids))
	for i, id := range ids {
		out[i] = randomIDFromParts(
			salt,
			uint64(src.ID), // #nosec G115
			uint64(dst.ID), // #nosec G115
			uint64(id),     // #nosec G115
			uint64(i),      // #nosec G115
		)
	}
	return out
}

// lineageSalt сворачивает идентификатор цепочки задачи в 64 бита.
func lineageSalt(lineage string) uint64 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(lineage))
	return hasher.Sum64()
}

// randomIDFromParts хэширует части FNV-1a (64 бита) и проецирует в [1, 2^63-1].
func randomIDFromParts(parts ...uint64) int64 {
	hasher := fnv.New64a()
	var buf [8]byte
	for _, part := range parts {
		binary.LittleEndian.PutUint64(buf[:], part)
		_, _ = hasher.Write(buf[:])
	}
	v := int64(hasher.Sum64() & (1<<63 - 1)) // #nosec G115
	if v == 0 {
		return 1
	}
	return v
}
