// Package config загружает конфигурацию воркера рулетки из переменных окружения.
// Используется envconfig для маппинга переменных окружения на поля структуры.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"
)

// Транспорты канала подхвата игр.
const (
	TransportPostgres = "postgres"
	TransportNATS     = "nats"
)

// Варианты колеса.
const (
	WheelEuropean = "european"
	WheelAmerican = "american"
)

// Config содержит ВСЕ настройки приложения.
type Config struct {
	// --- Telegram ---
	TelegramBotToken string `envconfig:"TELEGRAM_BOT_TOKEN" required:"true"`

	// --- Database ---
	// Если задан DATABASE_URL, он важнее отдельных DB_* полей.
	DatabaseURL string `envconfig:"DATABASE_URL"`
	DBHost      string `envconfig:"DB_HOST" default:"postgres"`
	DBPort      int    `envconfig:"DB_PORT" default:"5432"`
	DBUser      string `envconfig:"DB_USER" default:"botuser"`
	DBPassword  string `envconfig:"DB_PASSWORD"`
	DBName      string `envconfig:"DB_NAME" default:"telegram_bot"`
	DBSSLMode   string `envconfig:"DB_SSLMODE" default:"disable"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"10"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"2"`

	// --- Application ---
	AppEnv      string `envconfig:"APP_ENV" default:"development"`
	AppLogLevel string `envconfig:"APP_LOG_LEVEL" default:"debug"`
	// Пустой LOG_FILE, пишем только в stdout.
	LogFile       string `envconfig:"LOG_FILE"`
	LogMaxSizeMB  int    `envconfig:"LOG_MAX_SIZE_MB" default:"100"`
	LogMaxBackups int    `envconfig:"LOG_MAX_BACKUPS" default:"7"`
	LogMaxDays    int    `envconfig:"LOG_MAX_DAYS" default:"14"`

	// Идентификатор процесса, который пишется в worker_id при захвате сессии.
	WorkerID string `envconfig:"WORKER_ID"`

	// --- Pickup channel ---
	PickupTransport string `envconfig:"PICKUP_TRANSPORT" default:"postgres"`
	PickupChannel   string `envconfig:"PICKUP_CHANNEL" default:"roulette_game_pickup"`
	NATSURL         string `envconfig:"NATS_URL" default:"nats://nats:4222"`
	NATSSubject     string `envconfig:"NATS_SUBJECT" default:"roulette.pickup"`

	// --- Roulette ---
	Wheel         string        `envconfig:"ROULETTE_WHEEL" default:"european"`
	BettingWindow time.Duration `envconfig:"ROULETTE_BETTING_WINDOW" default:"60s"`
	// Комиссия дома в виде дроби "числитель/знаменатель".
	FeeRateRaw   string        `envconfig:"ROULETTE_FEE_RATE" default:"2/38"`
	FeeNum       int64         `envconfig:"-"`
	FeeDen       int64         `envconfig:"-"`
	SpinDelay    time.Duration `envconfig:"ROULETTE_SPIN_DELAY" default:"1500ms"`
	RevealDelay  time.Duration `envconfig:"ROULETTE_REVEAL_DELAY" default:"4s"`
	CurrencyName string        `envconfig:"ROULETTE_CURRENCY" default:"SOL"`
	// Сколько знаков после запятой у валюты (лампорты → SOL = 9).
	CurrencyDecimals int32 `envconfig:"ROULETTE_CURRENCY_DECIMALS" default:"9"`
	// Стикеры выпавших чисел: "0:file_id,17:file_id,00:file_id". Нет стикера, шлём текст.
	Stickers map[string]string `envconfig:"ROULETTE_STICKERS"`

	// --- Outbox ---
	OutboxPollInterval time.Duration `envconfig:"OUTBOX_POLL_INTERVAL" default:"500ms"`
	OutboxMaxRetries   int           `envconfig:"OUTBOX_MAX_RETRIES" default:"10"`

	// --- Reconciliation ---
	ReconcileSchedule string        `envconfig:"RECONCILE_SCHEDULE" default:"@every 1m"`
	ReconcileGrace    time.Duration `envconfig:"RECONCILE_GRACE" default:"30s"`

	// --- Bot runtime ---
	BotMaxInflight          int `envconfig:"BOT_MAX_INFLIGHT" default:"64"`
	BotUpdateTimeoutSeconds int `envconfig:"BOT_UPDATE_TIMEOUT_SECONDS" default:"60"`
	// Чаты, из которых принимаем нажатия. Пусто, любые.
	AllowedChatIDs []int64 `envconfig:"ALLOWED_CHAT_IDS"`

	// --- Rate Limiting ---
	RateLimitRequests int           `envconfig:"RATE_LIMIT_REQUESTS" default:"20"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`

	// --- Metrics ---
	// Пустой адрес отключает HTTP-эндпоинт /metrics.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:":9090"`
}

// DatabaseDSN возвращает строку подключения к PostgreSQL в формате DSN.
func (c *Config) DatabaseDSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.DBUser, c.DBPassword, c.DBHost, c.DBPort, c.DBName, c.DBSSLMode,
	)
}

func (c *Config) Validate() error {
	if c.DatabaseURL == "" && c.DBPassword == "" {
		return fmt.Errorf("не задан ни DATABASE_URL, ни DB_PASSWORD")
	}
	if c.BotMaxInflight <= 0 {
		return fmt.Errorf("BOT_MAX_INFLIGHT должен быть > 0")
	}
	if c.BotUpdateTimeoutSeconds <= 0 {
		return fmt.Errorf("BOT_UPDATE_TIMEOUT_SECONDS должен быть > 0")
	}
	if c.DBMaxConns <= 0 || c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("некорректные DB_MIN_CONNS/DB_MAX_CONNS")
	}
	switch c.PickupTransport {
	case TransportPostgres, TransportNATS:
	default:
		return fmt.Errorf("PICKUP_TRANSPORT должен быть %q или %q", TransportPostgres, TransportNATS)
	}
	switch c.Wheel {
	case WheelEuropean, WheelAmerican:
	default:
		return fmt.Errorf("ROULETTE_WHEEL должен быть %q или %q", WheelEuropean, WheelAmerican)
	}
	if c.BettingWindow <= 0 {
		return fmt.Errorf("ROULETTE_BETTING_WINDOW должен быть > 0")
	}
	if c.FeeDen <= 0 || c.FeeNum < 0 || c.FeeNum >= c.FeeDen {
		return fmt.Errorf("ROULETTE_FEE_RATE должен быть дробью 0 <= n/d < 1")
	}
	if c.OutboxPollInterval <= 0 || c.OutboxMaxRetries <= 0 {
		return fmt.Errorf("некорректные OUTBOX_POLL_INTERVAL/OUTBOX_MAX_RETRIES")
	}
	return nil
}

// Load читает переменные окружения и заполняет структуру Config.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("не удалось загрузить конфигурацию: %w", err)
	}

	num, den, err := ParseFraction(cfg.FeeRateRaw)
	if err != nil {
		return nil, fmt.Errorf("ROULETTE_FEE_RATE parse: %w", err)
	}
	cfg.FeeNum, cfg.FeeDen = num, den

	if cfg.WorkerID == "" {
		cfg.WorkerID = defaultWorkerID()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ParseFraction разбирает строку вида "2/38".
func ParseFraction(s string) (int64, int64, error) {
	s = strings.TrimSpace(s)
	numStr, denStr, ok := strings.Cut(s, "/")
	if !ok {
		return 0, 0, fmt.Errorf("ожидалась дробь n/d, получено %q", s)
	}
	num, err := strconv.ParseInt(strings.TrimSpace(numStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad numerator %q: %w", numStr, err)
	}
	den, err := strconv.ParseInt(strings.TrimSpace(denStr), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad denominator %q: %w", denStr, err)
	}
	if den == 0 {
		return 0, 0, fmt.Errorf("знаменатель равен нулю")
	}
	return num, den, nil
}

// defaultWorkerID: имя хоста плюс короткий uuid, чтобы два контейнера
// с одинаковым hostname не путались в worker_id.
func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "roulette-helper"
	}
	return host + "-" + uuid.NewString()[:8]
}
