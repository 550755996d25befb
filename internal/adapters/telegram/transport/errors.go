// Package transport: реализация clone.Transport и session.LoginTransport поверх gotd.
// Все ошибки Telegram классифицируются здесь один раз: домен видит только
// clone.TransportError и сторожевые ошибки session.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"channel-cloner/internal/domain/clone"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/telegram/connection"
	"channel-cloner/internal/infra/throttle"

	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tgerr"
)

// Коды RPC-ошибок по классам.
var (
	authRevokedCodes = []string{
		"AUTH_KEY_UNREGISTERED",
		"AUTH_KEY_INVALID",
		"AUTH_KEY_DUPLICATED",
		"SESSION_REVOKED",
		"SESSION_EXPIRED",
		"USER_DEACTIVATED",
		"USER_DEACTIVATED_BAN",
	}
	unreachableCodes = []string{
		"CHANNEL_PRIVATE",
		"CHANNEL_INVALID",
		"CHANNEL_PUBLIC_GROUP_NA",
		"CHAT_ID_INVALID",
		"PEER_ID_INVALID",
		"USERNAME_INVALID",
		"USERNAME_NOT_OCCUPIED",
	}
	protectedCodes = []string{
		"CHAT_FORWARDS_RESTRICTED",
	}
	forbiddenCodes = []string{
		"CHAT_WRITE_FORBIDDEN",
		"CHAT_ADMIN_REQUIRED",
		"USER_BANNED_IN_CHANNEL",
	}
)

// randomIDDuplicate: сервер уже принял запрос с этими random_id (повтор после таймаута).
const randomIDDuplicate = "RANDOM_ID_DUPLICATE"

// classify переводит ошибку gotd в *clone.TransportError. Ошибки контекста
// и уже классифицированные ошибки возвращаются как есть.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var te *clone.TransportError
	if errors.As(err, &te) {
		return err
	}

	if wait, ok := tgerr.AsFloodWait(err); ok {
		return &clone.TransportError{Kind: clone.KindRateLimit, Wait: wait, Err: err}
	}

	switch {
	case tgerr.Is(err, authRevokedCodes...):
		return clone.NewTransportError(clone.KindAuthRevoked, err)
	case tgerr.Is(err, unreachableCodes...):
		return clone.NewTransportError(clone.KindUnreachable, err)
	case tgerr.Is(err, protectedCodes...):
		return clone.NewTransportError(clone.KindProtected, err)
	case tgerr.Is(err, forbiddenCodes...):
		return clone.NewTransportError(clone.KindForbidden, err)
	case connection.IsNetworkError(err):
		return clone.NewTransportError(clone.KindTransient, err)
	}

	if rpcErr, ok := tgerr.As(err); ok {
		if rpcErr.Code >= 500 {
			return clone.NewTransportError(clone.KindTransient, err)
		}
		return clone.NewTransportError(clone.KindPermanent, err)
	}
	return clone.NewTransportError(clone.KindTransient, err)
}

// loginError переводит ошибку шага входа в сторожевые ошибки session.
func loginError(err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return fmt.Errorf("%w: too many attempts, retry in %s", session.ErrLoginFailed, wait.Round(time.Second))
	}
	switch {
	case tgerr.Is(err, "PHONE_CODE_INVALID", "PHONE_CODE_EMPTY"):
		return fmt.Errorf("%w: %w", session.ErrInvalidCode, err)
	case tgerr.Is(err, "PHONE_CODE_EXPIRED"):
		return fmt.Errorf("%w: %w", session.ErrLoginExpired, err)
	case tgerr.Is(err, "PHONE_NUMBER_INVALID", "PHONE_NUMBER_BANNED"):
		return fmt.Errorf("%w: %w", session.ErrInvalidPhone, err)
	case tgerr.Is(err, "PASSWORD_HASH_INVALID"), errors.Is(err, auth.ErrPasswordInvalid):
		return fmt.Errorf("%w: %w", session.ErrInvalidPassword, err)
	}
	var signUp *auth.SignUpRequired
	if errors.As(err, &signUp) {
		return fmt.Errorf("%w: phone number is not registered", session.ErrLoginFailed)
	}
	return err
}

// FloodWaitExtractor создаёт throttle.WaitExtractor для сырых ошибок gotd
// (FLOOD_WAIT, FLOOD_PREMIUM_WAIT), не прошедших classify. Пауза берётся из ошибки как есть.
// Ставится после throttle.RetryAfterExtractor.
func FloodWaitExtractor() throttle.WaitExtractor {
	return func(err error) (time.Duration, bool) {
		if err == nil {
			return 0, false
		}
		wait, ok := tgerr.AsFloodWait(err)
		if !ok {
			return 0, false
		}
		return wait, true
	}
}
