// Пакет config: загрузка и валидация конфигурации Asset Console
// из переменных окружения (префикс AC_).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации консоли.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL (история загрузок) ---

	DBHost     string
	DBPort     int
	DBName     string
	DBUser     string
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string

	// --- Backend API ---

	// Базовый URL backend (например, https://assets.example.com)
	BackendURL string
	// Путь профиля текущего пользователя
	BackendMePath string
	// Путь health endpoint backend (readiness и dephealth)
	BackendHealthPath string
	// Путь к CA-сертификату backend (опционально)
	BackendCACertPath string
	// Таймаут коротких запросов к backend (профиль, скачивания).
	// Поток прогресса загрузки таймаута не имеет.
	BackendTimeout time.Duration

	// --- Аутентификация ---

	// Имя cookie с токеном доступа
	AuthCookie string
	// URL JWKS для проверки подписи токена (если пусто, проверку выполняет backend)
	JWTJWKSURL string
	// Ожидаемый issuer токена (опционально)
	JWTIssuer string
	// Допуск расхождения часов при проверке exp/nbf
	JWTLeeway time.Duration

	// --- Кэши ---

	// Размер LRU-кэша профилей пользователей
	UserCacheSize int
	// Время жизни профиля в кэше
	UserCacheTTL time.Duration
	// Размер кэша итоговых записей загрузок (для отчёта об ошибках)
	ReportCacheSize int
	// Время жизни итоговой записи загрузки
	ReportCacheTTL time.Duration

	// --- Массовая загрузка ---

	// Путь к YAML-каталогу фич (если пусто, встроенный каталог)
	FeaturesFile string
	// Максимальный размер загружаемого файла
	MaxUploadBytes int64

	// --- Мониторинг ---

	// Имя группы в метриках topologymetrics
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// LoadDotEnv загружает переменные из .env-файла, не перезаписывая
// уже заданные. Отсутствующий файл не считается ошибкой.
func LoadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("загрузка %s: %w", path, err)
	}
	return nil
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AC_PORT: порт HTTP-сервера (по умолчанию 8080)
	cfg.Port, err = getEnvInt("AC_PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("AC_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AC_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AC_LOG_LEVEL: уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AC_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AC_LOG_LEVEL: %w", err)
	}

	// AC_LOG_FORMAT: формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AC_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AC_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	if cfg.DBHost, err = getEnvRequired("AC_DB_HOST"); err != nil {
		return nil, err
	}
	cfg.DBPort, err = getEnvInt("AC_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AC_DB_PORT: %w", err)
	}
	if cfg.DBName, err = getEnvRequired("AC_DB_NAME"); err != nil {
		return nil, err
	}
	if cfg.DBUser, err = getEnvRequired("AC_DB_USER"); err != nil {
		return nil, err
	}
	if cfg.DBPassword, err = getEnvRequired("AC_DB_PASSWORD"); err != nil {
		return nil, err
	}
	cfg.DBSSLMode = getEnvDefault("AC_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AC_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// --- Backend ---

	// AC_BACKEND_URL: обязательный
	cfg.BackendURL, err = getEnvRequired("AC_BACKEND_URL")
	if err != nil {
		return nil, err
	}
	cfg.BackendURL = strings.TrimRight(cfg.BackendURL, "/")
	if u, perr := url.Parse(cfg.BackendURL); perr != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("AC_BACKEND_URL: некорректный URL %q", cfg.BackendURL)
	}
	cfg.BackendMePath = getEnvDefault("AC_BACKEND_ME_PATH", "/api/auth/me")
	cfg.BackendHealthPath = getEnvDefault("AC_BACKEND_HEALTH_PATH", "/health")
	if !strings.HasPrefix(cfg.BackendHealthPath, "/") {
		return nil, fmt.Errorf("AC_BACKEND_HEALTH_PATH: путь %q должен начинаться с /", cfg.BackendHealthPath)
	}
	cfg.BackendCACertPath = getEnvDefault("AC_BACKEND_CA_CERT_PATH", "")
	cfg.BackendTimeout, err = getEnvDuration("AC_BACKEND_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_BACKEND_TIMEOUT: %w", err)
	}

	// --- Аутентификация ---

	cfg.AuthCookie = getEnvDefault("AC_AUTH_COOKIE", "access_token")
	cfg.JWTJWKSURL = getEnvDefault("AC_JWT_JWKS_URL", "")
	cfg.JWTIssuer = getEnvDefault("AC_JWT_ISSUER", "")
	cfg.JWTLeeway, err = getEnvDuration("AC_JWT_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_JWT_LEEWAY: %w", err)
	}

	// --- Кэши ---

	cfg.UserCacheSize, err = getEnvInt("AC_USER_CACHE_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AC_USER_CACHE_SIZE: %w", err)
	}
	if cfg.UserCacheSize < 1 {
		return nil, fmt.Errorf("AC_USER_CACHE_SIZE: значение %d должно быть положительным", cfg.UserCacheSize)
	}
	cfg.UserCacheTTL, err = getEnvDuration("AC_USER_CACHE_TTL", time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AC_USER_CACHE_TTL: %w", err)
	}
	cfg.ReportCacheSize, err = getEnvInt("AC_REPORT_CACHE_SIZE", 500)
	if err != nil {
		return nil, fmt.Errorf("AC_REPORT_CACHE_SIZE: %w", err)
	}
	if cfg.ReportCacheSize < 1 {
		return nil, fmt.Errorf("AC_REPORT_CACHE_SIZE: значение %d должно быть положительным", cfg.ReportCacheSize)
	}
	cfg.ReportCacheTTL, err = getEnvDuration("AC_REPORT_CACHE_TTL", 30*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AC_REPORT_CACHE_TTL: %w", err)
	}

	// --- Массовая загрузка ---

	cfg.FeaturesFile = getEnvDefault("AC_FEATURES_FILE", "")
	maxMB, err := getEnvInt("AC_MAX_UPLOAD_MB", 50)
	if err != nil {
		return nil, fmt.Errorf("AC_MAX_UPLOAD_MB: %w", err)
	}
	if maxMB < 1 || maxMB > 1024 {
		return nil, fmt.Errorf("AC_MAX_UPLOAD_MB: значение %d вне допустимого диапазона 1-1024", maxMB)
	}
	cfg.MaxUploadBytes = int64(maxMB) << 20

	// --- Мониторинг ---

	cfg.DephealthGroup = getEnvDefault("AC_DEPHEALTH_GROUP", "asset-console")
	cfg.DephealthCheckInterval, err = getEnvDuration("AC_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	cfg.ShutdownTimeout, err = getEnvDuration("AC_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AC_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// DatabaseDSN возвращает строку подключения к PostgreSQL.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL pgx5:// для golang-migrate и меток dephealth.
func (c *Config) DatabaseURL() string {
	u := url.URL{
		Scheme:   "pgx5",
		User:     url.UserPassword(c.DBUser, c.DBPassword),
		Host:     fmt.Sprintf("%s:%d", c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + c.DBSSLMode,
	}
	return u.String()
}

// SetupLogger настраивает глобальный slog-логгер на основе конфигурации.
func SetupLogger(cfg *Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	if cfg.LogFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// --- Вспомогательные функции ---

// getEnvRequired возвращает значение переменной окружения или ошибку, если она не задана.
func getEnvRequired(key string) (string, error) {
	val := os.Getenv(key)
	if val == "" {
		return "", fmt.Errorf("%s: обязательная переменная окружения не задана", key)
	}
	return val, nil
}

// getEnvDefault возвращает значение переменной окружения или значение по умолчанию.
func getEnvDefault(key, defaultVal string) string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	return val
}

func getEnvInt(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("некорректное целое число: %q", val)
	}
	return n, nil
}

func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	return d, nil
}

// ParseLogLevel преобразует строку уровня логирования в slog.Level.
// Используется также флагом --log-level утилиты asset-bulk.
func ParseLogLevel(level string) (slog.Level, error) {
	return parseLogLevel(level)
}

func parseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("недопустимый уровень %q, допустимые: debug, info, warn, error", level)
	}
}
