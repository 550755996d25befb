package transport

import (
	"context"
	"errors"
	"fmt"

	"channel-cloner/internal/adapters/telegram/core"
	"channel-cloner/internal/domain/session"
	"channel-cloner/internal/infra/logger"
	tgsession "channel-cloner/internal/infra/telegram/session"

	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/tg"
	"go.uber.org/zap"
)

// Login реализует session.LoginTransport: каждый шаг поднимает короткоживущий
// клиент на сессии из Pending, так что phone_code_hash и ключ авторизации
// переживают паузу между командами оператора.
type Login struct {
	factory core.Factory
}

var _ session.LoginTransport = (*Login)(nil)

// NewLogin создаёт транспорт входа.
func NewLogin(factory core.Factory) *Login {
	return &Login{factory: factory}
}

// run выполняет fn на клиенте с сессией initial и возвращает итоговые байты сессии.
func (l *Login) run(ctx context.Context, initial []byte, fn func(ctx context.Context, client *telegram.Client) error) ([]byte, error) {
	storage := tgsession.NewMemoryStorage(initial, nil)
	client := l.factory.NewClient(storage)
	err := client.Run(ctx, func(ctx context.Context) error {
		return fn(ctx, client)
	})
	return storage.Bytes(), err
}

// RequestCode отправляет код подтверждения на phone.
func (l *Login) RequestCode(ctx context.Context, phone string) (session.Pending, error) {
	var hash string
	data, err := l.run(ctx, nil, func(ctx context.Context, client *telegram.Client) error {
		sent, err := client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
		if err != nil {
			return err
		}
		code, ok := sent.(*tg.AuthSentCode)
		if !ok {
			return fmt.Errorf("%w: unexpected sent code %T", session.ErrLoginFailed, sent)
		}
		hash = code.PhoneCodeHash
		return nil
	})
	if err != nil {
		return session.Pending{}, loginError(err)
	}
	return session.Pending{PhoneCodeHash: hash, Session: data}, nil
}

// SignIn проверяет код. Если у аккаунта включена 2FA, возвращает PasswordRequired
// и сессию, на которой нужно проверять пароль.
func (l *Login) SignIn(ctx context.Context, p session.Pending, phone, code string) (session.Result, error) {
	var res session.Result
	data, err := l.run(ctx, p.Session, func(ctx context.Context, client *telegram.Client) error {
		a, err := client.Auth().SignIn(ctx, phone, code, p.PhoneCodeHash)
		if errors.Is(err, auth.ErrPasswordAuthNeeded) {
			res.PasswordRequired = true
			return nil
		}
		if err != nil {
			return err
		}
		res.Principal = principal(a)
		return nil
	})
	if err != nil {
		return session.Result{}, loginError(err)
	}
	res.Session = data
	return res, nil
}

// CheckPassword завершает вход паролем 2FA.
func (l *Login) CheckPassword(ctx context.Context, p session.Pending, password string) (session.Result, error) {
	var res session.Result
	data, err := l.run(ctx, p.Session, func(ctx context.Context, client *telegram.Client) error {
		a, err := client.Auth().Password(ctx, password)
		if err != nil {
			return err
		}
		res.Principal = principal(a)
		return nil
	})
	if err != nil {
		return session.Result{}, loginError(err)
	}
	res.Session = data
	return res, nil
}

// LogOut завершает серверную сессию.
func (l *Login) LogOut(ctx context.Context, data []byte) error {
	_, err := l.run(ctx, data, func(ctx context.Context, client *telegram.Client) error {
		_, err := client.API().AuthLogOut(ctx)
		return err
	})
	if err != nil {
		return classify(err)
	}
	logger.Debug("server session logged out", zap.Int("session_bytes", len(data)))
	return nil
}

func principal(a *tg.AuthAuthorization) int64 {
	if a == nil || a.User == nil {
		return 0
	}
	return a.User.GetID()
}
