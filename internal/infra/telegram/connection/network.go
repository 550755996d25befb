// Package connection распознаёт сетевые сбои MTProto-клиента: такие вызовы
// повторяются с backoff, остальные ошибки классифицируются по коду RPC.
package connection

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/gotd/td/pool"
	"github.com/gotd/td/rpc"
)

// IsNetworkError определяет, сигнализирует ли ошибка о сетевой проблеме/разрыве.
// Считаем сетевыми: закрытия соединения/движка (pool.ErrConnDead, rpc.ErrEngineClosed),
// исчерпание ретраев rpc.RetryLimitReachedErr, EOF и net.Error.
// Контекстные отмены и дедлайны вызывающего не считаем сетевыми.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	if errors.Is(err, pool.ErrConnDead) {
		return true
	}
	if errors.Is(err, rpc.ErrEngineClosed) {
		return true
	}
	var retryErr *rpc.RetryLimitReachedErr
	if errors.As(err, &retryErr) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
