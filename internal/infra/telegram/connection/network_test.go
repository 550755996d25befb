package connection_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"testing"

	"channel-cloner/internal/infra/telegram/connection"

	"github.com/gotd/td/pool"
	"github.com/stretchr/testify/require"
)

func TestIsNetworkError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "conn dead", err: fmt.Errorf("invoke: %w", pool.ErrConnDead), want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "net op", err: &net.OpError{Op: "read", Err: errors.New("connection reset")}, want: true},
		{name: "cancel", err: context.Canceled, want: false},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: false},
		{name: "plain", err: errors.New("CHANNEL_PRIVATE"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, connection.IsNetworkError(tc.err))
		})
	}
}
