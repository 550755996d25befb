package transport

import (
	"testing"

	"channel-cloner/internal/domain/clone"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

func TestToMessages(t *testing.T) {
	t.Parallel()

	album := &tg.Message{ID: 4, Media: &tg.MessageMediaPhoto{}}
	album.SetGroupedID(99)
	albumTail := &tg.Message{ID: 5, Media: &tg.MessageMediaPhoto{}}
	albumTail.SetGroupedID(99)

	// Ответ getHistory приходит от новых к старым.
	source := []tg.MessageClass{
		albumTail,
		album,
		&tg.MessageService{ID: 3},
		&tg.MessageEmpty{ID: 2},
		&tg.Message{ID: 1, Message: "hello"},
		&tg.Message{ID: 1, Message: "hello"},
		&tg.Message{ID: 6},
		&tg.Message{ID: 0, Message: "older than cursor"},
	}

	got := toMessages(source, 0)
	require.Equal(t, []clone.Message{
		{ID: 1},
		{ID: 3, Skip: true},
		{ID: 4, GroupID: 99},
		{ID: 5, GroupID: 99},
		{ID: 6, Skip: true},
	}, got)

	require.Equal(t, []clone.Message{{ID: 6, Skip: true}}, toMessages(source, 5))
}

func TestToChannel(t *testing.T) {
	t.Parallel()

	protected := &tg.Channel{ID: 1, AccessHash: 2, Title: "Src", Username: "Src_Channel", Noforwards: true, Broadcast: true}
	got := toChannel(protected)
	require.True(t, got.Protected)
	require.False(t, got.CanPost)
	require.Equal(t, "src_channel", got.Username)

	admin := &tg.Channel{ID: 3, Broadcast: true}
	admin.SetAdminRights(tg.ChatAdminRights{PostMessages: true})
	require.True(t, toChannel(admin).CanPost)

	editorOnly := &tg.Channel{ID: 4, Broadcast: true}
	editorOnly.SetAdminRights(tg.ChatAdminRights{EditMessages: true})
	require.False(t, toChannel(editorOnly).CanPost)

	require.True(t, toChannel(&tg.Channel{ID: 5, Creator: true}).CanPost)

	group := &tg.Channel{ID: 6, Megagroup: true}
	require.True(t, toChannel(group).CanPost)
	group.SetDefaultBannedRights(tg.ChatBannedRights{SendMessages: true})
	require.False(t, toChannel(group).CanPost)
}

func TestRandomIDsAreStable(t *testing.T) {
	t.Parallel()

	src := clone.Channel{ID: 10}
	dst := clone.Channel{ID: 20}

	salt := lineageSalt("task-1")
	first := randomIDs(salt, src, dst, []int{1, 2, 3})
	second := randomIDs(salt, src, dst, []int{1, 2, 3})
	require.Equal(t, first, second, "повтор запроса даёт те же random_id")
	require.Len(t, first, 3)
	require.NotEqual(t, first[0], first[1])
	for _, id := range first {
		require.Positive(t, id)
	}

	other := randomIDs(salt, src, clone.Channel{ID: 21}, []int{1, 2, 3})
	require.NotEqual(t, first, other)
}

func TestRandomIDsDifferAcrossTasks(t *testing.T) {
	t.Parallel()

	src := clone.Channel{ID: 100}
	dst := clone.Channel{ID: 200}

	tests := []struct {
		name   string
		a, b   string
		sameID bool
	}{
		{name: "same lineage", a: "task-1", b: "task-1", sameID: true},
		{name: "independent tasks", a: "task-1", b: "task-2", sameID: false},
		{name: "empty vs named", a: "", b: "task-1", sameID: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			a := randomIDs(lineageSalt(tt.a), src, dst, []int{5})
			b := randomIDs(lineageSalt(tt.b), src, dst, []int{5})
			if tt.sameID {
				require.Equal(t, a, b)
			} else {
				require.NotEqual(t, a, b, "новая задача той же пары не совпадает с прежними random_id")
			}
		})
	}
}

func TestNormalizeMessages(t *testing.T) {
	t.Parallel()

	page, err := normalizeMessages(&tg.MessagesChannelMessages{
		Count:    42,
		Messages: []tg.MessageClass{&tg.Message{ID: 1}},
	})
	require.NoError(t, err)
	require.Equal(t, 42, page.Count)
	require.Len(t, page.Messages, 1)

	page, err = normalizeMessages(&tg.MessagesMessages{Messages: []tg.MessageClass{&tg.Message{ID: 1}, &tg.Message{ID: 2}}})
	require.NoError(t, err)
	require.Equal(t, 2, page.Count)
}
