package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"channel-cloner/internal/adapters/cli"
	"channel-cloner/internal/app"
	"channel-cloner/internal/infra/config"
	"channel-cloner/internal/infra/logger"
	"channel-cloner/internal/infra/pr"
)

func main() {
	// envPath определяет расположение .env с токеном бота, ключами API и настройками.
	envPath := flag.String("env", "assets/.env", "path to .env file")
	flag.Parse()

	if err := config.Load(*envPath); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}
	env := config.Env()

	logger.Init(env.LogLevel)
	logger.InitFile(logger.FileOptions{
		Path:       env.LogFile,
		Level:      env.LogFileLevel,
		MaxSizeMB:  env.LogFileMaxSize,
		MaxBackups: env.LogFileMaxBackups,
		MaxAgeDays: env.LogFileMaxAge,
		Compress:   env.LogFileCompress,
	})
	defer logger.Close()

	// Консоль только на терминале: логи идут через readline, чтобы не ломать строку ввода.
	if env.CLIEnable && cli.Available() {
		if err := pr.Init(); err != nil {
			logger.Fatal("failed to init console", zap.Error(err))
		}
		logger.SetWriters(pr.Stdout(), pr.Stderr())
		defer func() {
			logger.SetWriters(nil, nil)
			pr.Close()
		}()
	}
	for _, msg := range config.Warnings() {
		logger.Warn(msg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := app.NewApp(stop, env).Run(ctx); err != nil {
		logger.Error("app run failed", zap.Error(err))
		stop()
		pr.Close()
		logger.Close()
		os.Exit(1) //nolint:gocritic // ресурсы закрыты вручную выше
	}
	logger.Info("Graceful shutdown complete")
}
