// Пакет config - загрузка и валидация конфигурации Artifact Engine
// из переменных окружения с префиксом AE_.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/bigkaa/goartstore/artifact-engine/internal/domain/policy"
)

// Версия приложения, задаётся при сборке через -ldflags.
var Version = "dev"

// Config содержит все параметры конфигурации Artifact Engine.
type Config struct {
	// --- Сервер ---

	// Порт HTTP-сервера (health, metrics)
	Port int
	// Уровень логирования (debug, info, warn, error)
	LogLevel slog.Level
	// Формат логов (json, text)
	LogFormat string

	// --- PostgreSQL ---

	// Хост PostgreSQL
	DBHost string
	// Порт PostgreSQL
	DBPort int
	// Имя базы данных
	DBName string
	// Имя пользователя PostgreSQL
	DBUser string
	// Пароль пользователя PostgreSQL
	DBPassword string
	// Режим SSL: disable, require, verify-ca, verify-full
	DBSSLMode string
	// Верхняя граница пула подключений
	DBMaxConns int

	// --- Хранилище ---

	// Корневая директория загрузок
	UploadRoot string
	// Директория временных архивов для скачивания
	ArchiveDir string

	// --- Лимиты загрузки ---

	// Максимальный размер одного файла в мегабайтах
	MaxFileSizeMB int
	// Максимум файлов в базе знаний
	MaxFilesPerKnowledgeBase int
	// Допустимые расширения файлов базы знаний
	KnowledgeExtensions []string
	// Допустимые расширения файла карточки персонажа
	PersonaExtensions []string
	// Обязательное имя файла карточки персонажа
	PersonaFilename string

	// --- Кэш ---

	// Максимальное количество записей LRU-кэша списков файлов
	CacheMaxSize int
	// Время жизни записи кэша
	CacheTTL time.Duration

	// --- Фоновые задачи ---

	// Интервал очистки незавершённых загрузок
	SweepInterval time.Duration
	// Минимальный возраст staging-директории для очистки
	SweepGracePeriod time.Duration

	// --- topologymetrics ---

	// Включён ли мониторинг зависимостей
	DephealthEnabled bool
	// Имя группы в метриках зависимостей
	DephealthGroup string
	// Интервал проверки зависимостей
	DephealthCheckInterval time.Duration

	// --- HTTP Server Timeouts ---

	// Таймаут чтения запроса
	HTTPReadTimeout time.Duration
	// Таймаут записи ответа
	HTTPWriteTimeout time.Duration
	// Таймаут простоя keep-alive соединения
	HTTPIdleTimeout time.Duration

	// --- Graceful shutdown ---

	// Таймаут graceful shutdown HTTP-сервера
	ShutdownTimeout time.Duration
}

// Load загружает конфигурацию из переменных окружения, валидирует
// обязательные поля и возвращает Config или ошибку.
func Load() (*Config, error) {
	cfg := &Config{}
	var err error

	// --- Сервер ---

	// AE_PORT - порт HTTP-сервера (по умолчанию 8020)
	cfg.Port, err = getEnvInt("AE_PORT", 8020)
	if err != nil {
		return nil, fmt.Errorf("AE_PORT: %w", err)
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("AE_PORT: значение %d вне допустимого диапазона 1-65535", cfg.Port)
	}

	// AE_LOG_LEVEL - уровень логирования (по умолчанию info)
	cfg.LogLevel, err = parseLogLevel(getEnvDefault("AE_LOG_LEVEL", "info"))
	if err != nil {
		return nil, fmt.Errorf("AE_LOG_LEVEL: %w", err)
	}

	// AE_LOG_FORMAT - формат логов (по умолчанию json)
	cfg.LogFormat = getEnvDefault("AE_LOG_FORMAT", "json")
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("AE_LOG_FORMAT: недопустимое значение %q, допустимые: json, text", cfg.LogFormat)
	}

	// --- PostgreSQL ---

	cfg.DBHost, err = getEnvRequired("AE_DB_HOST")
	if err != nil {
		return nil, err
	}

	cfg.DBPort, err = getEnvInt("AE_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("AE_DB_PORT: %w", err)
	}

	cfg.DBName, err = getEnvRequired("AE_DB_NAME")
	if err != nil {
		return nil, err
	}

	cfg.DBUser, err = getEnvRequired("AE_DB_USER")
	if err != nil {
		return nil, err
	}

	cfg.DBPassword, err = getEnvRequired("AE_DB_PASSWORD")
	if err != nil {
		return nil, err
	}

	// AE_DB_SSL_MODE - режим SSL (по умолчанию disable)
	cfg.DBSSLMode = getEnvDefault("AE_DB_SSL_MODE", "disable")
	validSSLModes := map[string]bool{
		"disable": true, "require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[cfg.DBSSLMode] {
		return nil, fmt.Errorf("AE_DB_SSL_MODE: недопустимое значение %q, допустимые: disable, require, verify-ca, verify-full", cfg.DBSSLMode)
	}

	// AE_DB_MAX_CONNS - размер пула (по умолчанию 10)
	cfg.DBMaxConns, err = getEnvInt("AE_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("AE_DB_MAX_CONNS: %w", err)
	}
	if cfg.DBMaxConns < 1 {
		return nil, fmt.Errorf("AE_DB_MAX_CONNS: должно быть >= 1, получено %d", cfg.DBMaxConns)
	}

	// --- Хранилище ---

	// AE_UPLOAD_ROOT - корень загрузок (по умолчанию ./uploads)
	cfg.UploadRoot = filepath.Clean(getEnvDefault("AE_UPLOAD_ROOT", "uploads"))

	// AE_ARCHIVE_DIR - временные архивы (по умолчанию $TMPDIR/artifact-engine)
	cfg.ArchiveDir = filepath.Clean(getEnvDefault("AE_ARCHIVE_DIR", filepath.Join(os.TempDir(), "artifact-engine")))

	// --- Лимиты ---

	// AE_MAX_FILE_SIZE_MB - размер файла (по умолчанию 10 MB)
	cfg.MaxFileSizeMB, err = getEnvInt("AE_MAX_FILE_SIZE_MB", policy.DefaultMaxFileSizeMB)
	if err != nil {
		return nil, fmt.Errorf("AE_MAX_FILE_SIZE_MB: %w", err)
	}
	if cfg.MaxFileSizeMB < 1 {
		return nil, fmt.Errorf("AE_MAX_FILE_SIZE_MB: значение должно быть > 0")
	}

	// AE_MAX_FILES_PER_KNOWLEDGE_BASE - файлов в базе знаний (по умолчанию 100)
	cfg.MaxFilesPerKnowledgeBase, err = getEnvInt("AE_MAX_FILES_PER_KNOWLEDGE_BASE", policy.DefaultMaxKnowledgeFiles)
	if err != nil {
		return nil, fmt.Errorf("AE_MAX_FILES_PER_KNOWLEDGE_BASE: %w", err)
	}
	if cfg.MaxFilesPerKnowledgeBase < 1 {
		return nil, fmt.Errorf("AE_MAX_FILES_PER_KNOWLEDGE_BASE: значение должно быть > 0")
	}

	defaults := policy.DefaultLimits()

	cfg.KnowledgeExtensions = parseCSV(getEnvDefault("AE_KNOWLEDGE_EXTENSIONS", strings.Join(defaults.KnowledgeExtensions, ",")))
	if len(cfg.KnowledgeExtensions) == 0 {
		return nil, fmt.Errorf("AE_KNOWLEDGE_EXTENSIONS: список расширений пуст")
	}

	cfg.PersonaExtensions = parseCSV(getEnvDefault("AE_PERSONA_EXTENSIONS", strings.Join(defaults.PersonaExtensions, ",")))
	if len(cfg.PersonaExtensions) == 0 {
		return nil, fmt.Errorf("AE_PERSONA_EXTENSIONS: список расширений пуст")
	}

	cfg.PersonaFilename = getEnvDefault("AE_PERSONA_FILENAME", defaults.PersonaFilename)

	// --- Кэш ---

	cfg.CacheMaxSize, err = getEnvInt("AE_CACHE_MAX_SIZE", 1000)
	if err != nil {
		return nil, fmt.Errorf("AE_CACHE_MAX_SIZE: %w", err)
	}
	if cfg.CacheMaxSize < 1 {
		return nil, fmt.Errorf("AE_CACHE_MAX_SIZE: значение должно быть > 0")
	}

	cfg.CacheTTL, err = getEnvDuration("AE_CACHE_TTL", 5*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AE_CACHE_TTL: %w", err)
	}

	// --- Фоновые задачи ---

	cfg.SweepInterval, err = getEnvDuration("AE_SWEEP_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("AE_SWEEP_INTERVAL: %w", err)
	}

	cfg.SweepGracePeriod, err = getEnvDuration("AE_SWEEP_GRACE_PERIOD", time.Hour)
	if err != nil {
		return nil, fmt.Errorf("AE_SWEEP_GRACE_PERIOD: %w", err)
	}

	// --- topologymetrics ---

	cfg.DephealthEnabled, err = getEnvBool("AE_DEPHEALTH_ENABLED", true)
	if err != nil {
		return nil, fmt.Errorf("AE_DEPHEALTH_ENABLED: %w", err)
	}

	cfg.DephealthGroup = getEnvDefault("AE_DEPHEALTH_GROUP", "artifact-engine")

	cfg.DephealthCheckInterval, err = getEnvDuration("AE_DEPHEALTH_CHECK_INTERVAL", 15*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AE_DEPHEALTH_CHECK_INTERVAL: %w", err)
	}

	// --- HTTP Server Timeouts ---

	cfg.HTTPReadTimeout, err = getEnvDuration("AE_HTTP_READ_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AE_HTTP_READ_TIMEOUT: %w", err)
	}

	cfg.HTTPWriteTimeout, err = getEnvDuration("AE_HTTP_WRITE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AE_HTTP_WRITE_TIMEOUT: %w", err)
	}

	cfg.HTTPIdleTimeout, err = getEnvDuration("AE_HTTP_IDLE_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AE_HTTP_IDLE_TIMEOUT: %w", err)
	}

	// --- Graceful shutdown ---

	cfg.ShutdownTimeout, err = getEnvDuration("AE_SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("AE_SHUTDOWN_TIMEOUT: %w", err)
	}

	return cfg, nil
}

// Limits возвращает лимиты загрузки для валидатора.
func (c *Config) Limits() policy.Limits {
	return policy.Limits{
		MaxFileSize:         policy.MBToBytes(c.MaxFileSizeMB),
		MaxKnowledgeFiles:   c.MaxFilesPerKnowledgeBase,
		MaxPersonaFiles:     policy.PersonaMaxFiles,
		KnowledgeExtensions: c.KnowledgeExtensions,
		PersonaExtensions:   c.PersonaExtensions,
		PersonaFilename:     c.PersonaFilename,
	}
}

// DatabaseDSN возвращает строку подключения к PostgreSQL для pgxpool.
func (c *Config) DatabaseDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBName, c.DBUser, c.DBPassword, c.DBSSLMode,
	)
}

// DatabaseURL возвращает URL подключения с указанной схемой
// ("postgres" для меток topologymetrics, "pgx5" для golang-migrate).
func (c *Config) DatabaseURL(scheme string) string {
	u := url.URL{
		Scheme:   scheme,
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

// getEnvInt возвращает целочисленное значение переменной окружения или значение по умолчанию.
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

// getEnvDuration возвращает time.Duration из переменной окружения или значение по умолчанию.
func getEnvDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("некорректная длительность: %q (используйте формат Go: 30s, 1h, 15m)", val)
	}
	if d <= 0 {
		return 0, fmt.Errorf("значение должно быть > 0")
	}
	return d, nil
}

// getEnvBool возвращает булево значение переменной окружения или значение по умолчанию.
func getEnvBool(key string, defaultVal bool) (bool, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return false, fmt.Errorf("некорректное булево значение: %q (допустимые: true, false, 1, 0)", val)
	}
	return b, nil
}

// parseLogLevel преобразует строку уровня логирования в slog.Level.
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

// parseCSV разбирает строку, разделённую запятыми, на срез строк.
// Пробелы вокруг элементов убираются, пустые элементы игнорируются.
func parseCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
