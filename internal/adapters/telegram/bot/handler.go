// Package bot: командный интерфейс клонера в Telegram. Обработчик получает личные
// сообщения боту через gotd UpdateDispatcher, пропускает только администраторов,
// разбирает команды и передаёт их commands.Executor. Ответы отправляются тем же
// MTProto-клиентом бота; статусное сообщение задачи правится по мере прогресса.
package bot

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/concurrency"
	"channel-cloner/internal/infra/logger"

	"github.com/go-faster/errors"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"go.uber.org/zap"
)

const (
	replyTimeout = 15 * time.Second
	tasksLimit   = 10
)

// Sender: методы Telegram API, которыми пользуется обработчик. *tg.Client подходит.
type Sender interface {
	MessagesSendMessage(ctx context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error)
	MessagesEditMessage(ctx context.Context, req *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error)
	MessagesDeleteMessages(ctx context.Context, req *tg.MessagesDeleteMessagesRequest) (*tg.MessagesAffectedMessages, error)
}

// Config: параметры обработчика.
type Config struct {
	// IsAdmin решает, может ли пользователь отдавать команды.
	IsAdmin func(uid int64) bool
	// ProgressEvery: правка статуса не чаще чем раз в столько событий...
	ProgressEvery int
	// ProgressInterval: ...или по прошествии этого интервала.
	ProgressInterval time.Duration
}

// Handler реагирует на команды операторов.
type Handler struct {
	api   Sender
	exec  commands.Executor
	dedup *concurrency.Deduplicator
	cfg   Config

	wg sync.WaitGroup // горутины статусных сообщений
}

// NewHandler собирает обработчик команд.
func NewHandler(api Sender, exec commands.Executor, dedup *concurrency.Deduplicator, cfg Config) *Handler {
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(int64) bool { return true }
	}
	if cfg.ProgressEvery <= 0 {
		cfg.ProgressEvery = 10
	}
	if cfg.ProgressInterval <= 0 {
		cfg.ProgressInterval = 5 * time.Second
	}
	return &Handler{api: api, exec: exec, dedup: dedup, cfg: cfg}
}

// Wait дожидается финальных правок статусных сообщений.
func (h *Handler) Wait() {
	h.wg.Wait()
}

// OnNewMessage обрабатывает входящее личное сообщение боту.
// Исходящие, групповые и повторно доставленные сообщения пропускаются.
func (h *Handler) OnNewMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	msg, ok := u.Message.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	peer, ok := msg.PeerID.(*tg.PeerUser)
	if !ok {
		return nil
	}
	operator := peer.UserID

	if h.dedup != nil && h.dedup.Seen(operator, msg.ID) {
		return nil
	}

	cmd, ok := parseCommand(msg.Message)
	if !ok {
		return nil
	}

	chat := replyPeer(entities, operator)
	if !h.cfg.IsAdmin(operator) {
		logger.Warn("command from non-admin ignored",
			zap.Int64("operator", operator),
			zap.String("command", cmd.name))
		h.reply(ctx, chat, "Access denied.")
		return nil
	}

	logger.Info("bot command",
		zap.Int64("operator", operator),
		zap.String("command", cmd.name),
		zap.Int("args", len(cmd.args)))

	h.dispatch(ctx, request{operator: operator, chat: chat, msgID: msg.ID, cmd: cmd})
	return nil
}

// request: одна команда в контексте чата оператора.
type request struct {
	operator int64
	chat     tg.InputPeerClass
	msgID    int
	cmd      command
}

func (h *Handler) dispatch(ctx context.Context, r request) {
	var text string
	switch r.cmd.name {
	case "start", "help":
		text = helpText()
	case "login":
		text = h.login(ctx, r)
	case "otp":
		text = h.code(ctx, r)
	case "2fa":
		text = h.password(ctx, r)
	case "logout":
		text = h.logout(ctx, r)
	case "status":
		text = h.status(ctx, r)
	case "setdest":
		text = h.setDest(ctx, r)
	case "getdest":
		text = h.getDest(ctx, r)
	case "clone", "crange", "resume":
		h.startClone(ctx, r)
		return
	case "cancel":
		text = h.cancel(ctx, r)
	case "progress":
		text = h.progress(ctx, r)
	case "tasks":
		text = h.tasks(ctx, r)
	default:
		text = "Unknown command. Send /help for the list."
	}
	h.reply(ctx, r.chat, text)
}

func (h *Handler) login(ctx context.Context, r request) string {
	phone := r.cmd.arg(0)
	if phone == "" {
		return "Usage: /login <phone> [force]"
	}
	a, err := h.exec.Login(ctx, r.operator, phone, isForce(r.cmd.arg(1)))
	if err != nil {
		return errorText(err)
	}
	return "Code sent to " + a.Phone + ". Send it with /otp <code> before " +
		a.ExpiresAt.Format(timeLayout) + ".\nTip: add spaces between digits, Telegram blocks codes sent as plain text."
}

func (h *Handler) code(ctx context.Context, r request) string {
	if len(r.cmd.args) == 0 {
		return "Usage: /otp <code>"
	}
	h.forget(ctx, r)
	stage, err := h.exec.Code(ctx, r.operator, r.cmd.rest)
	if err != nil {
		return errorText(err)
	}
	return stageText(stage)
}

func (h *Handler) password(ctx context.Context, r request) string {
	if len(r.cmd.args) == 0 {
		return "Usage: /2fa <password>"
	}
	h.forget(ctx, r)
	stage, err := h.exec.Password(ctx, r.operator, r.cmd.rest)
	if err != nil {
		return errorText(err)
	}
	return stageText(stage)
}

func (h *Handler) logout(ctx context.Context, r request) string {
	if err := h.exec.Logout(ctx, r.operator); err != nil {
		return errorText(err)
	}
	return "Logged out."
}

func (h *Handler) status(ctx context.Context, r request) string {
	st, err := h.exec.LoginStatus(ctx, r.operator)
	if err != nil {
		return errorText(err)
	}
	text := formatLoginStatus(st)
	task, err := h.exec.Progress(ctx, r.operator)
	switch {
	case err == nil:
		text += "\n\n" + formatProgress(task)
	case errors.Is(err, clone.ErrNoActiveTask):
		text += "\nNo tasks yet."
	default:
		text += "\n" + errorText(err)
	}
	return text
}

func (h *Handler) setDest(ctx context.Context, r request) string {
	if r.cmd.arg(0) == "" {
		return "Usage: /setdest <channel>"
	}
	ref, err := h.exec.SetDest(ctx, r.operator, r.cmd.arg(0))
	if err != nil {
		return errorText(err)
	}
	return "Default destination: " + ref.String()
}

func (h *Handler) getDest(ctx context.Context, r request) string {
	ref, err := h.exec.GetDest(ctx, r.operator)
	if err != nil {
		return errorText(err)
	}
	return "Default destination: " + ref.String()
}

func (h *Handler) cancel(ctx context.Context, r request) string {
	if err := h.exec.Cancel(ctx, r.operator); err != nil {
		return errorText(err)
	}
	return "Cancelling: the task stops before the next message."
}

func (h *Handler) progress(ctx context.Context, r request) string {
	task, err := h.exec.Progress(ctx, r.operator)
	if err != nil {
		return errorText(err)
	}
	if task.Status.Terminal() {
		return formatReport(task)
	}
	return formatProgress(task)
}

func (h *Handler) tasks(ctx context.Context, r request) string {
	tasks, err := h.exec.Tasks(ctx, r.operator, tasksLimit)
	if err != nil {
		return errorText(err)
	}
	return formatTasks(tasks)
}

// startClone запускает /clone, /crange или /resume и ведёт статусное сообщение.
func (h *Handler) startClone(ctx context.Context, r request) {
	var (
		req    commands.CloneRequest
		launch func(req commands.CloneRequest) (*clone.Handle, error)
	)
	switch r.cmd.name {
	case "clone":
		if r.cmd.arg(0) == "" {
			h.reply(ctx, r.chat, "Usage: /clone <source> [destination]")
			return
		}
		req = commands.CloneRequest{Source: r.cmd.arg(0), Destination: r.cmd.arg(1)}
		launch = func(req commands.CloneRequest) (*clone.Handle, error) {
			return h.exec.Clone(ctx, r.operator, req)
		}
	case "crange":
		from, to, ok := parseRange(r.cmd.arg(1), r.cmd.arg(2))
		if r.cmd.arg(0) == "" || !ok {
			h.reply(ctx, r.chat, "Usage: /crange <source> <from_id> <to_id> [destination]")
			return
		}
		req = commands.CloneRequest{Source: r.cmd.arg(0), Destination: r.cmd.arg(3)}
		launch = func(req commands.CloneRequest) (*clone.Handle, error) {
			return h.exec.CloneRange(ctx, r.operator, req, from, to)
		}
	default:
		req = commands.CloneRequest{Source: r.cmd.arg(0), Destination: r.cmd.arg(1)}
		launch = func(req commands.CloneRequest) (*clone.Handle, error) {
			return h.exec.Resume(ctx, r.operator, req)
		}
	}

	msgID, err := h.send(ctx, r.chat, "Checking channels...")
	if err != nil {
		logger.Error("send status message failed", zap.Int64("operator", r.operator), zap.Error(err))
		return
	}

	p := newProgress(h, r.chat, msgID)
	req.Observer = p.observe
	if _, err = launch(req); err != nil {
		h.edit(ctx, r.chat, msgID, errorText(err))
		return
	}
	h.wg.Go(func() { p.run(context.WithoutCancel(ctx)) })
}

// forget удаляет сообщение с секретом (код, пароль) из чата.
func (h *Handler) forget(ctx context.Context, r request) {
	_, err := h.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
		Revoke: true,
		ID:     []int{r.msgID},
	})
	if err != nil {
		logger.Debug("delete secret message failed", zap.Int64("operator", r.operator), zap.Error(err))
	}
}

func (h *Handler) reply(ctx context.Context, chat tg.InputPeerClass, text string) {
	if _, err := h.send(ctx, chat, text); err != nil {
		logger.Error("bot reply failed", zap.Error(err))
	}
}

// send отправляет сообщение и возвращает его id для последующих правок.
func (h *Handler) send(ctx context.Context, chat tg.InputPeerClass, text string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	upd, err := h.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:      chat,
		Message:   text,
		NoWebpage: true,
		RandomID:  rand.Int64(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "send message")
	}
	return sentMessageID(upd), nil
}

// edit правит статусное сообщение; без id (ответ сервера не распознан) отправляет новое.
func (h *Handler) edit(ctx context.Context, chat tg.InputPeerClass, msgID int, text string) {
	if msgID == 0 {
		h.reply(ctx, chat, text)
		return
	}
	ctx, cancel := context.WithTimeout(ctx, replyTimeout)
	defer cancel()
	_, err := h.api.MessagesEditMessage(ctx, &tg.MessagesEditMessageRequest{
		Peer:      chat,
		ID:        msgID,
		Message:   text,
		NoWebpage: true,
	})
	if err != nil && !tgerr.Is(err, "MESSAGE_NOT_MODIFIED") {
		logger.Warn("edit status message failed", zap.Int("msg_id", msgID), zap.Error(err))
	}
}

func replyPeer(entities tg.Entities, userID int64) tg.InputPeerClass {
	if u, ok := entities.Users[userID]; ok && u != nil {
		return &tg.InputPeerUser{UserID: u.ID, AccessHash: u.AccessHash}
	}
	return &tg.InputPeerUser{UserID: userID}
}

// sentMessageID достаёт id отправленного сообщения из ответа messages.sendMessage.
func sentMessageID(upd tg.UpdatesClass) int {
	var list []tg.UpdateClass
	switch v := upd.(type) {
	case *tg.UpdateShortSentMessage:
		return v.ID
	case *tg.Updates:
		list = v.Updates
	case *tg.UpdatesCombined:
		list = v.Updates
	}
	for _, u := range list {
		switch v := u.(type) {
		case *tg.UpdateMessageID:
			return v.ID
		case *tg.UpdateNewMessage:
			return v.Message.GetID()
		}
	}
	return 0
}

func stageText(stage session.Stage) string {
	switch stage {
	case session.StageComplete:
		return "Logged in. Clones now run with your account."
	case session.StageAwaiting2FA:
		return "2FA is enabled. Send the password with /2fa <password>."
	case session.StageAwaitingCode:
		return "Send the code with /otp <code>."
	}
	return "Login state: " + string(stage)
}
