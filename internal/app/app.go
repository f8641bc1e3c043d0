// Package app инициализирует все компоненты приложения.
// app.go: точка сборки: создаёт БД-пул, репозиторий, сервис, обработчики,
// слушателя канала подхвата, диспетчер outbox и планировщик сверки.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"serotonyl.ru/roulette-helper/internal/bot"
	"serotonyl.ru/roulette-helper/internal/bot/filters"
	"serotonyl.ru/roulette-helper/internal/config"
	"serotonyl.ru/roulette-helper/internal/db/postgres"
	"serotonyl.ru/roulette-helper/internal/features/roulette"
	"serotonyl.ru/roulette-helper/internal/jobs"
	"serotonyl.ru/roulette-helper/internal/metrics"
)

// App содержит все компоненты приложения.
type App struct {
	Bot        *bot.Bot
	Scheduler  *jobs.Scheduler
	DB         *pgxpool.Pool
	BotAPI     *tgbotapi.BotAPI
	Service    *roulette.Service
	Listener   *roulette.Listener
	Dispatcher *roulette.Dispatcher

	cfg *config.Config
}

// New создаёт и инициализирует приложение.
// Порядок инициализации важен, компоненты зависят друг от друга.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	dsn := cfg.DatabaseDSN()

	// === 1. Миграции и база данных ===
	if err := postgres.RunMigrations(dsn); err != nil {
		return nil, fmt.Errorf("ошибка миграций: %w", err)
	}
	log.Info("Миграции применены")

	pool, err := postgres.NewPool(ctx, dsn, postgres.PoolOptions{
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка подключения к БД: %w", err)
	}

	// === 2. Telegram Bot API ===
	botAPI, err := tgbotapi.NewBotAPI(cfg.TelegramBotToken)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка создания Telegram API: %w", err)
	}
	botAPI.Debug = cfg.AppEnv == "development"
	log.Infof("Авторизован как @%s", botAPI.Self.UserName)

	// === 3. Рулетка ===
	repo := roulette.NewRepository(pool)
	service, err := roulette.NewService(repo, roulette.NewTimerRegistry(), cfg)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("ошибка создания сервиса рулетки: %w", err)
	}

	messenger := bot.NewMessenger(botAPI, cfg.Stickers)
	handler := roulette.NewHandler(service, messenger, cfg)
	dispatcher := roulette.NewDispatcher(repo, handler, messenger, cfg)
	service.OnEnqueued(dispatcher.Wake)

	// === 4. Канал подхвата ===
	var source roulette.Source
	switch cfg.PickupTransport {
	case config.TransportNATS:
		source = roulette.NewNATSSource(cfg.NATSURL, cfg.NATSSubject, cfg.WorkerID)
	default:
		source = roulette.NewPostgresSource(dsn, cfg.PickupChannel)
	}
	listener := roulette.NewListener(source, service)

	// === 5. Бот и планировщик ===
	b := bot.New(botAPI, cfg, handler, filters.NewChatFilter(cfg.AllowedChatIDs))
	scheduler := jobs.NewScheduler(service, cfg.ReconcileSchedule)

	return &App{
		Bot:        b,
		Scheduler:  scheduler,
		DB:         pool,
		BotAPI:     botAPI,
		Service:    service,
		Listener:   listener,
		Dispatcher: dispatcher,
		cfg:        cfg,
	}, nil
}

// Run запускает все циклы и ждёт, пока ctx не отменят или один из них не упадёт.
func (a *App) Run(ctx context.Context) error {
	if err := a.Scheduler.Start(ctx); err != nil {
		return err
	}
	defer a.Scheduler.Stop()
	defer a.Service.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.Bot.Start(ctx) })
	g.Go(func() error { return a.Listener.Run(ctx) })
	g.Go(func() error { return a.Dispatcher.Run(ctx) })

	if a.cfg.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              a.cfg.MetricsAddr,
			Handler:           metricsMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			log.WithField("addr", a.cfg.MetricsAddr).Info("Метрики доступны на /metrics")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("сервер метрик: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	// Сессии, подвисшие пока воркер лежал, подбираем сразу, не дожидаясь cron.
	g.Go(func() error {
		a.Scheduler.Reconcile(ctx)
		return nil
	})

	return g.Wait()
}

// Close освобождает ресурсы.
func (a *App) Close() {
	a.DB.Close()
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
