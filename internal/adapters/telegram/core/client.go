// Package core собирает опции gotd-клиентов клонера. Все клиенты (бот, задачи
// клонирования, шаги входа) создаются из одной фабрики, чтобы паспорт устройства,
// список DC и логгер MTProto совпадали.
package core

import (
	"channel-cloner/internal/infra/config"
	"channel-cloner/internal/infra/logger"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/dcs"
)

// AppVersion попадает в паспорт устройства MTProto-сессии.
const AppVersion = "channel-cloner/1.0"

// Factory: параметры приложения Telegram, общие для всех клиентов.
type Factory struct {
	APIID   int
	APIHash string
	TestDC  bool
	Debug   bool // логгер MTProto (шумный)
	Device  telegram.DeviceConfig
}

// FactoryFromEnv берёт параметры из конфигурации процесса.
func FactoryFromEnv(env config.EnvConfig) Factory {
	return Factory{
		APIID:   env.APIID,
		APIHash: env.APIHash,
		TestDC:  env.TestDC,
		Debug:   env.MTProtoDebug,
		Device: telegram.DeviceConfig{
			DeviceModel:   "channel-cloner",
			SystemVersion: "linux",
			AppVersion:    AppVersion,
		},
	}
}

// ClientOption донастраивает telegram.Options конкретного клиента.
type ClientOption func(*telegram.Options)

// WithUpdateHandler подключает обработчик апдейтов (только клиент бота).
func WithUpdateHandler(h telegram.UpdateHandler) ClientOption {
	return func(o *telegram.Options) {
		o.UpdateHandler = h
		o.NoUpdates = false
	}
}

// WithMiddlewares добавляет middleware в цепочку вызовов.
func WithMiddlewares(mw ...telegram.Middleware) ClientOption {
	return func(o *telegram.Options) {
		o.Middlewares = append(o.Middlewares, mw...)
	}
}

// Options собирает telegram.Options. Без WithUpdateHandler апдейты отключены:
// клиенты задач и входа только вызывают методы.
func (f Factory) Options(storage session.Storage, opts ...ClientOption) telegram.Options {
	options := telegram.Options{
		SessionStorage: storage,
		NoUpdates:      true,
		Device:         f.Device,
	}
	// Для тестовых окружений используем DC тестового стенда Telegram.
	if f.TestDC {
		options.DCList = dcs.Test()
	}
	if f.Debug {
		options.Logger = logger.Logger().Named("mtproto")
	}
	for _, opt := range opts {
		opt(&options)
	}
	return options
}

// NewClient создаёт gotd-клиент; соединение открывается только в client.Run.
func (f Factory) NewClient(storage session.Storage, opts ...ClientOption) *telegram.Client {
	return telegram.NewClient(f.APIID, f.APIHash, f.Options(storage, opts...))
}
