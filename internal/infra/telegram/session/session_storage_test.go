package session_test

import (
	"context"
	"path/filepath"
	"testing"

	"channel-cloner/internal/infra/telegram/session"

	tdsession "github.com/gotd/td/session"
	"github.com/stretchr/testify/require"
)

func TestFileStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	fs := &session.FileStorage{Path: filepath.Join(t.TempDir(), "data", "bot_session.json")}

	_, err := fs.LoadSession(ctx)
	require.ErrorIs(t, err, tdsession.ErrNotFound)

	require.NoError(t, fs.StoreSession(ctx, []byte(`{"Version":1}`)))
	data, err := fs.LoadSession(ctx)
	require.NoError(t, err)
	require.JSONEq(t, `{"Version":1}`, string(data))
}

func TestMemoryStorage(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	var stored [][]byte
	ms := session.NewMemoryStorage(nil, func(_ context.Context, data []byte) error {
		stored = append(stored, data)
		return nil
	})

	_, err := ms.LoadSession(ctx)
	require.ErrorIs(t, err, tdsession.ErrNotFound)

	payload := []byte("auth-key")
	require.NoError(t, ms.StoreSession(ctx, payload))
	payload[0] = 'X'

	got, err := ms.LoadSession(ctx)
	require.NoError(t, err)
	require.Equal(t, []byte("auth-key"), got, "хранилище держит свою копию")
	require.Equal(t, [][]byte{[]byte("auth-key")}, stored)
	require.Equal(t, []byte("auth-key"), ms.Bytes())
}
