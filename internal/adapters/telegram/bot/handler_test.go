package bot

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/commands"
	"channel-cloner/internal/domain/links"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/concurrency"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
)

const admin = int64(100)

// fakeAPI запоминает отправленные и отредактированные сообщения.
type fakeAPI struct {
	mu      sync.Mutex
	nextID  int
	sent    []string
	edits   []string
	deleted []int
}

func (f *fakeAPI) MessagesSendMessage(_ context.Context, req *tg.MessagesSendMessageRequest) (tg.UpdatesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	f.sent = append(f.sent, req.Message)
	return &tg.UpdateShortSentMessage{ID: f.nextID}, nil
}

func (f *fakeAPI) MessagesEditMessage(_ context.Context, req *tg.MessagesEditMessageRequest) (tg.UpdatesClass, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, req.Message)
	return &tg.Updates{}, nil
}

func (f *fakeAPI) MessagesDeleteMessages(_ context.Context, req *tg.MessagesDeleteMessagesRequest) (*tg.MessagesAffectedMessages, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, req.ID...)
	return &tg.MessagesAffectedMessages{}, nil
}

func (f *fakeAPI) lastSent() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

// fakeExecutor отвечает заготовками и запоминает вызовы.
type fakeExecutor struct {
	commands.Executor // неиспользуемые методы паникуют

	mu       sync.Mutex
	calls    []string
	password string
	cloneReq commands.CloneRequest
	from, to int
	cloneErr error
	final    clone.Task
}

func (f *fakeExecutor) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeExecutor) Login(_ context.Context, _ int64, phone string, _ bool) (session.Attempt, error) {
	f.record("login")
	if phone == "bad" {
		return session.Attempt{}, session.ErrInvalidPhone
	}
	return session.Attempt{Phone: phone, Stage: session.StageAwaitingCode, ExpiresAt: time.Now().Add(time.Minute)}, nil
}

func (f *fakeExecutor) Password(_ context.Context, _ int64, password string) (session.Stage, error) {
	f.record("password")
	f.password = password
	return session.StageComplete, nil
}

func (f *fakeExecutor) GetDest(context.Context, int64) (links.Ref, error) {
	f.record("getdest")
	return links.Ref{}, commands.ErrNoDestination
}

func (f *fakeExecutor) Clone(_ context.Context, _ int64, req commands.CloneRequest) (*clone.Handle, error) {
	f.record("clone")
	f.cloneReq = req
	if f.cloneErr != nil {
		return nil, f.cloneErr
	}
	return f.emit(req), nil
}

func (f *fakeExecutor) CloneRange(_ context.Context, _ int64, req commands.CloneRequest, from, to int) (*clone.Handle, error) {
	f.record("crange")
	f.cloneReq = req
	f.from, f.to = from, to
	return f.emit(req), nil
}

// emit прогоняет через наблюдателя промежуточный и финальный снимки.
func (f *fakeExecutor) emit(req commands.CloneRequest) *clone.Handle {
	running := f.final
	running.Status = clone.StatusRunning
	req.Observer(running)
	req.Observer(f.final)
	return &clone.Handle{}
}

func newTestHandler(exec commands.Executor) (*Handler, *fakeAPI) {
	api := &fakeAPI{}
	h := NewHandler(api, exec, concurrency.NewDeduplicator(time.Minute), Config{
		IsAdmin:          func(uid int64) bool { return uid == admin },
		ProgressEvery:    10,
		ProgressInterval: time.Hour,
	})
	return h, api
}

func update(from int64, id int, text string) *tg.UpdateNewMessage {
	return &tg.UpdateNewMessage{Message: &tg.Message{
		ID:      id,
		PeerID:  &tg.PeerUser{UserID: from},
		Message: text,
	}}
}

func TestAdminGate(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	h, api := newTestHandler(exec)

	require.NoError(t, h.OnNewMessage(context.Background(), tg.Entities{}, update(7, 1, "/login +15551230001")))
	require.Equal(t, "Access denied.", api.lastSent())
	require.Empty(t, exec.calls)
}

func TestHelpAndDedup(t *testing.T) {
	t.Parallel()

	h, api := newTestHandler(&fakeExecutor{})
	ctx := context.Background()

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 1, "/help@cloner_bot")))
	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 1, "/help@cloner_bot")))
	require.Len(t, api.sent, 1, "повторная доставка апдейта не выполняет команду")
	require.Contains(t, api.sent[0], "/clone <source> [destination]")

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 2, "just text")))
	require.Len(t, api.sent, 1, "обычный текст игнорируется")

	out := &tg.UpdateNewMessage{Message: &tg.Message{ID: 3, Out: true, PeerID: &tg.PeerUser{UserID: admin}, Message: "/help"}}
	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, out))
	require.Len(t, api.sent, 1, "исходящие сообщения игнорируются")
}

func TestLoginReplies(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{}
	h, api := newTestHandler(exec)
	ctx := context.Background()

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 1, "/login")))
	require.Equal(t, "Usage: /login <phone> [force]", api.lastSent())

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 2, "/login bad")))
	require.Contains(t, api.lastSent(), session.ErrInvalidPhone.Error())

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 3, "/login +15551230001")))
	require.Contains(t, api.lastSent(), "Code sent to +15551230001")

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 4, "/2fa correct horse battery")))
	require.Equal(t, "correct horse battery", exec.password, "пароль передаётся целиком с пробелами")
	require.Equal(t, []int{4}, api.deleted, "сообщение с паролем удаляется")
	require.Contains(t, api.lastSent(), "Logged in")
}

func TestGetDestHint(t *testing.T) {
	t.Parallel()

	h, api := newTestHandler(&fakeExecutor{})
	require.NoError(t, h.OnNewMessage(context.Background(), tg.Entities{}, update(admin, 1, "/getdest")))
	require.Contains(t, api.lastSent(), "/setdest <channel>")
}

func TestCloneReportsProgress(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{final: clone.Task{
		ID:            "task-1",
		SourceChannel: clone.Channel{ID: 1, Title: "Source"},
		DestChannel:   clone.Channel{ID: 2, Title: "Mirror", Username: "mirror"},
		Counters:      clone.Counters{Processed: 5, Skipped: 1, Failed: 1, FailedIDs: []int{4}},
		Cursor:        7,
		Status:        clone.StatusCompleted,
	}}
	h, api := newTestHandler(exec)

	require.NoError(t, h.OnNewMessage(context.Background(), tg.Entities{}, update(admin, 1, "/clone @source")))
	h.Wait()

	require.Equal(t, "@source", exec.cloneReq.Source)
	require.Empty(t, exec.cloneReq.Destination)
	require.Equal(t, []string{"Checking channels..."}, api.sent)
	require.NotEmpty(t, api.edits)
	report := api.edits[len(api.edits)-1]
	require.Contains(t, report, "Status: completed")
	require.Contains(t, report, "Source -> Mirror (@mirror)")
	require.Contains(t, report, "Failed ids (last 1): 4")
}

func TestCloneRangeArguments(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{final: clone.Task{Status: clone.StatusCompleted}}
	h, api := newTestHandler(exec)
	ctx := context.Background()

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 1, "/crange @source x 10")))
	require.True(t, strings.HasPrefix(api.lastSent(), "Usage: /crange"))

	require.NoError(t, h.OnNewMessage(ctx, tg.Entities{}, update(admin, 2, "/crange @source 5 10 @dest")))
	h.Wait()
	require.Equal(t, 5, exec.from)
	require.Equal(t, 10, exec.to)
	require.Equal(t, "@dest", exec.cloneReq.Destination)
}

func TestCloneErrorEditsStatus(t *testing.T) {
	t.Parallel()

	exec := &fakeExecutor{cloneErr: clone.ErrAuthRequired}
	h, api := newTestHandler(exec)

	require.NoError(t, h.OnNewMessage(context.Background(), tg.Entities{}, update(admin, 1, "/clone @source")))
	h.Wait()
	require.Len(t, api.edits, 1)
	require.Contains(t, api.edits[0], "/login <phone>")
}

func TestProgressSampling(t *testing.T) {
	t.Parallel()

	h, _ := newTestHandler(&fakeExecutor{})
	p := newProgress(h, &tg.InputPeerUser{UserID: admin}, 1)

	running := clone.Task{Status: clone.StatusRunning}
	for range 25 {
		p.observe(running)
	}
	// First=1, Every=10: события 1, 11, 21 проходят, в канале остаётся последнее.
	require.Len(t, p.latest, 1)

	p.observe(clone.Task{Status: clone.StatusCancelled})
	got := <-p.latest
	require.Equal(t, clone.StatusCancelled, got.Status, "финальный снимок вытесняет промежуточный")
}
