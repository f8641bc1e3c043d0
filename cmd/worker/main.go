// Package main содержит точку входа воркера рулетки.
// Загружает конфигурацию, инициализирует приложение и запускает.
// Поддерживает graceful shutdown по SIGINT/SIGTERM.
package main

import (
	"context"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"serotonyl.ru/roulette-helper/internal/app"
	"serotonyl.ru/roulette-helper/internal/config"
)

func main() {
	// Настраиваем логирование
	setupLogging()

	log.Info("=== Воркер рулетки запускается ===")

	// Загружаем конфигурацию из переменных окружения
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Не удалось загрузить конфигурацию")
	}

	// Уровень логирования и файл из конфига
	if level, err := log.ParseLevel(cfg.AppLogLevel); err == nil {
		log.SetLevel(level)
	}
	if closer := setupLogFile(cfg); closer != nil {
		defer closer.Close()
	}

	log.WithField("worker_id", cfg.WorkerID).Info("Конфигурация загружена")

	// Контекст отменяется по Ctrl+C или docker stop
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Инициализируем приложение (БД, бот, сервис, слушатель)
	application, err := app.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("Не удалось инициализировать приложение")
	}
	defer application.Close()

	log.Info("=== Воркер готов к работе ===")

	if err := application.Run(ctx); err != nil {
		log.WithError(err).Error("Воркер остановлен с ошибкой")
		return
	}

	log.Info("=== Воркер остановлен ===")
}

// setupLogging настраивает формат логов.
func setupLogging() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	log.SetOutput(os.Stdout)
	log.SetLevel(log.DebugLevel)
}

// setupLogFile дублирует логи в файл с ротацией, если задан LOG_FILE.
func setupLogFile(cfg *config.Config) io.Closer {
	if cfg.LogFile == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0o755); err != nil {
		log.WithError(err).Warn("Не удалось создать каталог логов, пишем только в stdout")
		return nil
	}

	lw := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
		MaxAge:     cfg.LogMaxDays,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stdout, lw))
	return lw
}
