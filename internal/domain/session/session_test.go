package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"channel-cloner/internal/domain/credential"
	"channel-cloner/internal/domain/session"

	"github.com/stretchr/testify/require"
)

const (
	operator = int64(42)
	phone    = "+15551230001"
	code     = "12345"
)

// fakeLogin имитирует сервер авторизации: один верный код, опциональный пароль.
type fakeLogin struct {
	mu         sync.Mutex
	password   string // пусто: 2FA не включена
	requested  []string
	loggedOut  [][]byte
	requestErr error
}

func (f *fakeLogin) RequestCode(_ context.Context, phone string) (session.Pending, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.requestErr != nil {
		return session.Pending{}, f.requestErr
	}
	f.requested = append(f.requested, phone)
	return session.Pending{PhoneCodeHash: "hash-" + phone, Session: []byte("pending")}, nil
}

func (f *fakeLogin) SignIn(_ context.Context, p session.Pending, phone, got string) (session.Result, error) {
	if p.PhoneCodeHash != "hash-"+phone {
		return session.Result{}, errors.New("phone code hash mismatch")
	}
	if got != code {
		return session.Result{}, session.ErrInvalidCode
	}
	if f.password != "" {
		return session.Result{PasswordRequired: true, Session: []byte("needs-2fa")}, nil
	}
	return session.Result{Principal: 777, Session: []byte("authorized")}, nil
}

func (f *fakeLogin) CheckPassword(_ context.Context, p session.Pending, password string) (session.Result, error) {
	if string(p.Session) != "needs-2fa" {
		return session.Result{}, errors.New("unexpected pending session")
	}
	if password != f.password {
		return session.Result{}, session.ErrInvalidPassword
	}
	return session.Result{Principal: 777, Session: []byte("authorized-2fa")}, nil
}

func (f *fakeLogin) LogOut(_ context.Context, s []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loggedOut = append(f.loggedOut, s)
	return nil
}

// memCreds: credential.Store в памяти.
type memCreds struct {
	mu    sync.Mutex
	items map[int64]credential.Credential
	puts  int
}

func newMemCreds() *memCreds { return &memCreds{items: make(map[int64]credential.Credential)} }

func (m *memCreds) Get(_ context.Context, owner int64) (credential.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.items[owner]
	if !ok {
		return credential.Credential{}, credential.ErrNotFound
	}
	return c, nil
}

func (m *memCreds) Put(_ context.Context, owner int64, c credential.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[owner] = c
	m.puts++
	return nil
}

func (m *memCreds) Delete(_ context.Context, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, owner)
	return nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newManager(tr *fakeLogin, creds *memCreds) (*session.Manager, *clock) {
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	m := session.NewManager(tr, creds,
		session.WithClock(clk.Now),
		session.WithTTL(5*time.Minute),
		session.WithMaxAttempts(3, 2),
	)
	return m, clk
}

// Сценарий D: телефон, верный код, без 2FA дают COMPLETE и ровно одна сохранённая запись.
func TestLoginWithoutPassword(t *testing.T) {
	t.Parallel()

	creds := newMemCreds()
	m, _ := newManager(&fakeLogin{}, creds)
	ctx := context.Background()

	a, err := m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)
	require.Equal(t, session.StageAwaitingCode, a.Stage)

	stage, err := m.SubmitCode(ctx, operator, code)
	require.NoError(t, err)
	require.Equal(t, session.StageComplete, stage)

	require.Equal(t, 1, creds.puts)
	cred, err := creds.Get(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, credential.ModeUser, cred.Mode)
	require.Equal(t, []byte("authorized"), cred.Session)
	require.Equal(t, int64(777), cred.Principal)
	require.Equal(t, phone, cred.Phone)

	st, err := m.LoginStatus(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, session.StageIdle, st.Stage, "попытка входа не остаётся после успеха")
	require.True(t, st.LoggedIn)

	_, err = m.StartLogin(ctx, operator, phone, false)
	require.ErrorIs(t, err, session.ErrAlreadyLoggedIn)
	_, err = m.StartLogin(ctx, operator, phone, true)
	require.NoError(t, err, "force перезапускает вход")
}

func TestLoginWithPassword(t *testing.T) {
	t.Parallel()

	creds := newMemCreds()
	m, _ := newManager(&fakeLogin{password: "hunter2"}, creds)
	ctx := context.Background()

	_, err := m.StartLogin(ctx, operator, "+1 (555) 123-0001", false)
	require.NoError(t, err)

	stage, err := m.SubmitCode(ctx, operator, "12 345")
	require.NoError(t, err)
	require.Equal(t, session.StageAwaiting2FA, stage)

	_, err = m.SubmitCode(ctx, operator, code)
	require.ErrorIs(t, err, session.ErrNoPendingLogin, "код на этапе 2FA не принимается")

	stage, err = m.SubmitPassword(ctx, operator, "wrong")
	require.ErrorIs(t, err, session.ErrInvalidPassword)
	require.Equal(t, session.StageAwaiting2FA, stage)

	stage, err = m.SubmitPassword(ctx, operator, "hunter2")
	require.NoError(t, err)
	require.Equal(t, session.StageComplete, stage)

	cred, err := creds.Get(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, []byte("authorized-2fa"), cred.Session)
}

func TestSubmitWithoutPendingLogin(t *testing.T) {
	t.Parallel()

	m, _ := newManager(&fakeLogin{}, newMemCreds())
	ctx := context.Background()

	_, err := m.SubmitCode(ctx, operator, code)
	require.ErrorIs(t, err, session.ErrNoPendingLogin)
	_, err = m.SubmitPassword(ctx, operator, "x")
	require.ErrorIs(t, err, session.ErrNoPendingLogin)
}

func TestInvalidPhone(t *testing.T) {
	t.Parallel()

	tr := &fakeLogin{}
	m, _ := newManager(tr, newMemCreds())

	cases := []struct {
		name  string
		phone string
	}{
		{name: "пусто", phone: ""},
		{name: "буквы", phone: "+1555abc0001"},
		{name: "слишком короткий", phone: "+12345"},
		{name: "ведущий ноль", phone: "+05551230001"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.StartLogin(context.Background(), operator, tc.phone, false)
			require.ErrorIs(t, err, session.ErrInvalidPhone)
		})
	}
	require.Empty(t, tr.requested, "код не запрашивается для неверного номера")
}

func TestNormalizePhone(t *testing.T) {
	t.Parallel()

	got, err := session.NormalizePhone(" 1 555 123-0001 ")
	require.NoError(t, err)
	require.Equal(t, phone, got)
}

func TestCodeRetriesAreBounded(t *testing.T) {
	t.Parallel()

	creds := newMemCreds()
	m, _ := newManager(&fakeLogin{}, creds)
	ctx := context.Background()

	_, err := m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)

	for range 2 {
		stage, err := m.SubmitCode(ctx, operator, "00000")
		require.ErrorIs(t, err, session.ErrInvalidCode)
		require.Equal(t, session.StageAwaitingCode, stage)
	}
	stage, err := m.SubmitCode(ctx, operator, "00000")
	require.ErrorIs(t, err, session.ErrLoginFailed)
	require.Equal(t, session.StageFailed, stage)

	_, err = m.SubmitCode(ctx, operator, code)
	require.ErrorIs(t, err, session.ErrNoPendingLogin, "после FAILED нужен новый вход")
	require.Zero(t, creds.puts)

	st, err := m.LoginStatus(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, session.StageFailed, st.Stage)
	require.False(t, st.LoggedIn)
}

func TestPasswordRetriesAreBounded(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		wrong int
		want  session.Stage
		err   error
	}{
		{name: "one wrong then right", wrong: 1, want: session.StageComplete},
		{name: "attempts exhausted", wrong: 2, want: session.StageFailed, err: session.ErrLoginFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			creds := newMemCreds()
			m, _ := newManager(&fakeLogin{password: "hunter2"}, creds)
			ctx := context.Background()

			_, err := m.StartLogin(ctx, operator, phone, false)
			require.NoError(t, err)
			stage, err := m.SubmitCode(ctx, operator, code)
			require.NoError(t, err)
			require.Equal(t, session.StageAwaiting2FA, stage)

			for i := range tt.wrong {
				stage, err = m.SubmitPassword(ctx, operator, "wrong")
				require.ErrorIs(t, err, session.ErrInvalidPassword)
				if i < tt.wrong-1 || tt.err == nil {
					require.Equal(t, session.StageAwaiting2FA, stage)
				}
			}

			if tt.err != nil {
				require.ErrorIs(t, err, tt.err)
				require.Equal(t, tt.want, stage)

				_, err = m.SubmitPassword(ctx, operator, "hunter2")
				require.ErrorIs(t, err, session.ErrNoPendingLogin, "после FAILED нужен новый вход")
				require.Zero(t, creds.puts)

				st, err := m.LoginStatus(ctx, operator)
				require.NoError(t, err)
				require.Equal(t, session.StageFailed, st.Stage)
				require.False(t, st.LoggedIn)
				return
			}

			stage, err = m.SubmitPassword(ctx, operator, "hunter2")
			require.NoError(t, err)
			require.Equal(t, tt.want, stage)
			require.Equal(t, 1, creds.puts)
		})
	}
}

func TestLoginExpiresAwaitingPassword(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		advance time.Duration
		err     error
	}{
		{name: "before expiry", advance: 4 * time.Minute},
		{name: "at expiry", advance: 5 * time.Minute, err: session.ErrLoginExpired},
		{name: "long after", advance: time.Hour, err: session.ErrLoginExpired},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			creds := newMemCreds()
			m, clk := newManager(&fakeLogin{password: "hunter2"}, creds)
			ctx := context.Background()

			_, err := m.StartLogin(ctx, operator, phone, false)
			require.NoError(t, err)
			_, err = m.SubmitCode(ctx, operator, code)
			require.NoError(t, err)
			clk.Advance(tt.advance)

			stage, err := m.SubmitPassword(ctx, operator, "hunter2")
			if tt.err == nil {
				require.NoError(t, err)
				require.Equal(t, session.StageComplete, stage)
				return
			}
			require.ErrorIs(t, err, tt.err)
			require.Zero(t, creds.puts)

			st, err := m.LoginStatus(ctx, operator)
			require.NoError(t, err)
			require.Equal(t, session.StageFailed, st.Stage)

			_, err = m.SubmitPassword(ctx, operator, "hunter2")
			require.ErrorIs(t, err, session.ErrNoPendingLogin)
		})
	}
}

func TestLoginExpires(t *testing.T) {
	t.Parallel()

	creds := newMemCreds()
	m, clk := newManager(&fakeLogin{}, creds)
	ctx := context.Background()

	_, err := m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)
	clk.Advance(5 * time.Minute)

	_, err = m.SubmitCode(ctx, operator, code)
	require.ErrorIs(t, err, session.ErrLoginExpired)
	require.Zero(t, creds.puts)

	st, err := m.LoginStatus(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, session.StageFailed, st.Stage)

	// Новый вход заменяет истёкшую попытку.
	_, err = m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)
	stage, err := m.SubmitCode(ctx, operator, code)
	require.NoError(t, err)
	require.Equal(t, session.StageComplete, stage)
}

func TestNewLoginOverwritesAttempt(t *testing.T) {
	t.Parallel()

	tr := &fakeLogin{}
	m, _ := newManager(tr, newMemCreds())
	ctx := context.Background()

	_, err := m.StartLogin(ctx, operator, "+15550000000", false)
	require.NoError(t, err)
	_, err = m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)

	st, err := m.LoginStatus(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, phone, st.Phone)
	require.Equal(t, []string{"+15550000000", phone}, tr.requested)
}

func TestLogout(t *testing.T) {
	t.Parallel()

	tr := &fakeLogin{}
	creds := newMemCreds()
	m, _ := newManager(tr, creds)
	ctx := context.Background()

	require.ErrorIs(t, m.Logout(ctx, operator), session.ErrNotLoggedIn)

	_, err := m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)
	require.NoError(t, m.Logout(ctx, operator), "logout сбрасывает незавершённую попытку")
	_, err = m.SubmitCode(ctx, operator, code)
	require.ErrorIs(t, err, session.ErrNoPendingLogin)

	_, err = m.StartLogin(ctx, operator, phone, false)
	require.NoError(t, err)
	_, err = m.SubmitCode(ctx, operator, code)
	require.NoError(t, err)

	require.NoError(t, m.Logout(ctx, operator))
	_, err = creds.Get(ctx, operator)
	require.ErrorIs(t, err, credential.ErrNotFound)
	require.Equal(t, [][]byte{[]byte("authorized")}, tr.loggedOut)

	st, err := m.LoginStatus(ctx, operator)
	require.NoError(t, err)
	require.Equal(t, session.StageIdle, st.Stage)
	require.False(t, st.LoggedIn)
}

func TestRequestCodeErrorKeepsState(t *testing.T) {
	t.Parallel()

	tr := &fakeLogin{requestErr: session.ErrInvalidPhone}
	m, _ := newManager(tr, newMemCreds())

	_, err := m.StartLogin(context.Background(), operator, phone, false)
	require.ErrorIs(t, err, session.ErrInvalidPhone)

	st, err := m.LoginStatus(context.Background(), operator)
	require.NoError(t, err)
	require.Equal(t, session.StageIdle, st.Stage)
}
