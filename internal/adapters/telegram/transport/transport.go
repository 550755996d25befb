package transport

import (
	"context"
	"fmt"
	"strings"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/telegram/peersmgr"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

// botEmptyWindows: сколько подряд пустых окон id бот просматривает, прежде чем
// считать историю законченной (боту недоступен messages.getHistory).
const botEmptyWindows = 5

// Transport реализует clone.Transport для одной авторизованной учётной записи.
// Пользователь читает историю через messages.getHistory; бот: через
// channels.getMessages по окнам id.
type Transport struct {
	api   *tg.Client
	peers *peersmgr.Service
	bot   bool
	salt  uint64
}

var _ clone.Transport = (*Transport)(nil)

// New создаёт транспорт поверх уже авторизованного клиента. lineage (цепочка
// запусков задачи) входит в random_id: повторы внутри цепочки сервер отбросит
// как дубли, а новая задача той же пары каналов скопирует сообщения заново.
func New(api *tg.Client, peers *peersmgr.Service, bot bool, lineage string) *Transport {
	return &Transport{api: api, peers: peers, bot: bot, salt: lineageSalt(lineage)}
}

// Resolve находит канал по ссылке и читает его актуальные флаги.
func (t *Transport) Resolve(ctx context.Context, ref links.Ref) (clone.Channel, error) {
	ch, err := t.resolve(ctx, ref)
	if err != nil {
		return clone.Channel{}, classify(err)
	}
	return toChannel(ch), nil
}

func (t *Transport) resolve(ctx context.Context, ref links.Ref) (*tg.Channel, error) {
	switch {
	case ref.Username != "":
		return t.resolveUsername(ctx, ref.Username)
	case ref.ChannelID != 0:
		return t.resolveID(ctx, ref.ChannelID)
	default:
		return nil, clone.NewTransportError(clone.KindUnreachable, errors.New("empty channel reference"))
	}
}

func (t *Transport) resolveUsername(ctx context.Context, username string) (*tg.Channel, error) {
	cached, ok, err := t.peers.LookupUsername(ctx, username)
	if err != nil {
		logger.Warn("username cache lookup failed", zap.String("username", username), zap.Error(err))
	}
	if ok {
		fresh, err := t.fetchChannel(ctx, cached.AsInput())
		if err == nil {
			return fresh, nil
		}
		if !tgerr.Is(err, unreachableCodes...) {
			return nil, err
		}
		// Канал мог смениться за тем же username: спрашиваем сервер заново.
	}

	resolved, err := t.api.ContactsResolveUsername(ctx, &tg.ContactsResolveUsernameRequest{Username: username})
	if err != nil {
		return nil, errors.Wrapf(err, "resolve @%s", username)
	}
	if err = t.peers.Remember(ctx, resolved.Users, resolved.Chats); err != nil {
		logger.Warn("remember resolved peers failed", zap.Error(err))
	}
	peer, ok := resolved.Peer.(*tg.PeerChannel)
	if !ok {
		return nil, clone.NewTransportError(clone.KindUnreachable, fmt.Errorf("@%s is not a channel", username))
	}
	ch, err := channelFromChats(resolved.Chats, peer.ChannelID)
	if err != nil {
		return nil, err
	}
	if err = t.peers.RememberUsername(ctx, username, ch); err != nil {
		logger.Warn("remember username failed", zap.String("username", username), zap.Error(err))
	}
	return ch, nil
}

func (t *Transport) resolveID(ctx context.Context, id int64) (*tg.Channel, error) {
	known, ok, err := t.peers.ResolveChannel(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve channel %d", id)
	}
	if !ok && !t.bot {
		// access_hash появляется у пользователя только из диалогов.
		if err = t.peers.RefreshDialogs(ctx); err != nil {
			return nil, err
		}
		known, ok, err = t.peers.ResolveChannel(ctx, id)
		if err != nil {
			return nil, errors.Wrapf(err, "resolve channel %d", id)
		}
	}
	if !ok {
		return nil, clone.NewTransportError(clone.KindUnreachable,
			fmt.Errorf("channel %d is not known to this account", id))
	}
	return t.fetchChannel(ctx, known.InputChannel())
}

// fetchChannel перечитывает канал с сервера: флаги прав и noforwards в кэше могут устареть.
func (t *Transport) fetchChannel(ctx context.Context, input tg.InputChannelClass) (*tg.Channel, error) {
	resp, err := t.api.ChannelsGetChannels(ctx, []tg.InputChannelClass{input})
	if err != nil {
		return nil, errors.Wrap(err, "get channel")
	}
	chats := resp.GetChats()
	if err = t.peers.Remember(ctx, nil, chats); err != nil {
		logger.Warn("remember channel failed", zap.Error(err))
	}
	var id int64
	if ic, ok := input.(*tg.InputChannel); ok {
		id = ic.ChannelID
	}
	return channelFromChats(chats, id)
}

func channelFromChats(chats []tg.ChatClass, id int64) (*tg.Channel, error) {
	for _, chat := range chats {
		switch c := chat.(type) {
		case *tg.Channel:
			if id == 0 || c.ID == id {
				return c, nil
			}
		case *tg.ChannelForbidden:
			if id == 0 || c.ID == id {
				return nil, clone.NewTransportError(clone.KindUnreachable,
					fmt.Errorf("channel %d is forbidden for this account", c.ID))
			}
		}
	}
	return nil, clone.NewTransportError(clone.KindUnreachable, fmt.Errorf("channel %d not found in response", id))
}

// toChannel переносит флаги: noforwards → Protected; право публикации есть у создателя,
// администратора с post_messages или участника супергруппы без запрета на отправку.
func toChannel(ch *tg.Channel) clone.Channel {
	out := clone.Channel{
		ID:         ch.ID,
		AccessHash: ch.AccessHash,
		Title:      ch.Title,
		Username:   strings.ToLower(ch.Username),
		Protected:  ch.Noforwards,
	}
	rights, isAdmin := ch.GetAdminRights()
	switch {
	case ch.Creator:
		out.CanPost = true
	case ch.Megagroup:
		out.CanPost = isAdmin || (!ch.Left && !sendBanned(ch))
	case isAdmin:
		out.CanPost = rights.PostMessages
	}
	return out
}

func sendBanned(ch *tg.Channel) bool {
	if own, ok := ch.GetBannedRights(); ok && own.SendMessages {
		return true
	}
	if def, ok := ch.GetDefaultBannedRights(); ok && def.SendMessages {
		return true
	}
	return false
}

func inputChannel(ch clone.Channel) *tg.InputChannel {
	return &tg.InputChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

func inputPeer(ch clone.Channel) *tg.InputPeerChannel {
	return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}
}

// EstimateTotal: число сообщений по счётчику messages.getHistory; боту счётчик недоступен.
func (t *Transport) EstimateTotal(ctx context.Context, src clone.Channel) (int, error) {
	if t.bot {
		return 0, nil
	}
	resp, err := t.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  inputPeer(src),
		Limit: 1,
	})
	if err != nil {
		return 0, classify(errors.Wrap(err, "get history count"))
	}
	page, err := normalizeMessages(resp)
	if err != nil {
		return 0, classify(err)
	}
	return page.Count, nil
}

// FetchHistory возвращает до limit сообщений с id > afterID по возрастанию.
func (t *Transport) FetchHistory(ctx context.Context, src clone.Channel, afterID, limit int) ([]clone.Message, error) {
	if limit <= 0 {
		return nil, nil
	}
	var (
		msgs []clone.Message
		err  error
	)
	if t.bot {
		msgs, err = t.fetchWindows(ctx, src, afterID, limit)
	} else {
		msgs, err = t.fetchHistory(ctx, src, afterID, limit)
	}
	if err != nil {
		return nil, classify(err)
	}
	return msgs, nil
}

// fetchHistory: offset_id=afterID+1 с add_offset=-limit отдаёт limit сообщений новее
// курсора, min_id отсекает всё, что не больше afterID.
func (t *Transport) fetchHistory(ctx context.Context, src clone.Channel, afterID, limit int) ([]clone.Message, error) {
	resp, err := t.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:      inputPeer(src),
		OffsetID:  afterID + 1,
		AddOffset: -limit,
		Limit:     limit,
		MinID:     afterID,
	})
	if err != nil {
		return nil, errors.Wrap(err, "get history")
	}
	page, err := normalizeMessages(resp)
	if err != nil {
		return nil, err
	}
	return toMessages(page.Messages, afterID), nil
}

// fetchWindows читает окна [afterID+1, afterID+limit] через channels.getMessages,
// пропуская окна, где все сообщения удалены, но не больше botEmptyWindows подряд.
func (t *Transport) fetchWindows(ctx context.Context, src clone.Channel, afterID, limit int) ([]clone.Message, error) {
	from := afterID
	for range botEmptyWindows {
		ids := make([]tg.InputMessageClass, 0, limit)
		for id := from + 1; id <= from+limit; id++ {
			ids = append(ids, &tg.InputMessageID{ID: id})
		}
		resp, err := t.api.ChannelsGetMessages(ctx, &tg.ChannelsGetMessagesRequest{
			Channel: inputChannel(src),
			ID:      ids,
		})
		if err != nil {
			return nil, errors.Wrap(err, "get messages")
		}
		page, err := normalizeMessages(resp)
		if err != nil {
			return nil, err
		}
		if msgs := toMessages(page.Messages, afterID); len(msgs) > 0 {
			return msgs, nil
		}
		from += limit
	}
	return nil, nil
}

// Copy пересылает сообщения без атрибуции (drop_author) одним запросом;
// элементы альбома, пересланные вместе, остаются альбомом.
func (t *Transport) Copy(ctx context.Context, src, dst clone.Channel, ids []int) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := t.api.MessagesForwardMessages(ctx, &tg.MessagesForwardMessagesRequest{
		FromPeer:   inputPeer(src),
		ID:         append([]int(nil), ids...),
		ToPeer:     inputPeer(dst),
		RandomID:   randomIDs(t.salt, src, dst, ids),
		DropAuthor: true,
	})
	if tgerr.Is(err, randomIDDuplicate) {
		logger.Debug("copy already delivered", zap.Ints("ids", ids))
		return nil
	}
	if err != nil {
		return classify(errors.Wrapf(err, "forward %v", ids))
	}
	return nil
}
