package peersmgr_test

import (
	"context"
	"path/filepath"
	"testing"

	"channel-cloner/internal/infra/telegram/peersmgr"

	"github.com/gotd/td/tg"
	"github.com/stretchr/testify/require"
	"go.etcd.io/bbolt"
)

func openDB(t *testing.T) *bbolt.DB {
	t.Helper()
	db, err := bbolt.Open(filepath.Join(t.TempDir(), "peers.bbolt"), 0o600, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestRememberPersistsPerBucket(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	db := openDB(t)
	api := tg.NewClient(nil)

	svc, err := peersmgr.New(api, db, "peers_user_1")
	require.NoError(t, err)

	channel := &tg.Channel{ID: 1001, AccessHash: 42, Title: "Source", Username: "source_channel"}
	require.NoError(t, svc.Remember(ctx, nil, []tg.ChatClass{channel}))
	require.NoError(t, svc.RememberUsername(ctx, "@Source_Channel", channel))

	// Непустой бакет не прогревается: сетевых вызовов нет.
	require.NoError(t, svc.WarmupIfEmpty(ctx))

	reopened, err := peersmgr.New(api, db, "peers_user_1")
	require.NoError(t, err)
	require.NoError(t, reopened.LoadFromStorage(ctx))

	got, ok, err := reopened.LookupUsername(ctx, "source_channel")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(1001), got.ID)
	require.Equal(t, int64(42), got.AccessHash)

	other, err := peersmgr.New(api, db, "peers_user_2")
	require.NoError(t, err)
	_, ok, err = other.LookupUsername(ctx, "source_channel")
	require.NoError(t, err)
	require.False(t, ok, "access_hash одной учётной записи не виден другой")
}

func TestNewValidatesArguments(t *testing.T) {
	t.Parallel()

	db := openDB(t)
	_, err := peersmgr.New(nil, db, "peers")
	require.Error(t, err)
	_, err = peersmgr.New(tg.NewClient(nil), nil, "peers")
	require.Error(t, err)
	_, err = peersmgr.New(tg.NewClient(nil), db, " ")
	require.Error(t, err)
}
