// Пакет config отвечает за сбор и предоставление конфигурации клонера каналов.
// Он:
//  1. читает переменные окружения из .env (через godotenv),
//  2. нормализует и валидирует входные значения,
//  3. накапливает предупреждения о подставленных значениях по умолчанию,
//  4. предоставляет потокобезопасный доступ к результату через R/W мьютекс.
//
// Конфиг среды управляет подключением к Telegram API (MTProto), токеном бота,
// темпом копирования, лимитами FLOOD_WAIT, параметрами логина, логированием и
// внешними поверхностями (консоль администратора, веб).
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/joho/godotenv"
)

// EnvConfig описывает параметры, приходящие из окружения (.env).
//
// NB: значения уже проходят минимальную валидацию в loadConfig.
type EnvConfig struct {
	APIID          int
	APIHash        string
	BotToken       string
	AdminUIDs      []int64
	DBFile         string
	BotSessionFile string
	TestDC         bool
	MTProtoDebug   bool
	ThrottleRPS    int
	// Клонирование
	CloneMinIntervalMS  int
	FloodWaitCeilingSec int
	CloneMaxRetries     int
	CloneRetryBaseMS    int
	ClonePageSize       int
	ProgressEvery       int
	ProgressIntervalSec int
	// Логин
	LoginCodeTTLSec          int
	LoginMaxCodeAttempts     int
	LoginMaxPasswordAttempts int
	// Логирование
	LogLevel          string
	LogFile           string
	LogFileLevel      string
	LogFileMaxSize    int
	LogFileMaxBackups int
	LogFileMaxAge     int
	LogFileCompress   bool
	// Внешние поверхности
	WebServerEnable  bool
	WebServerAddress string
	CLIEnable        bool
}

// Config хранит конфигурацию среды и предупреждения загрузки.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Значения по умолчанию для параметров окружения.
const (
	defaultDBFile              = "data/cloner.bbolt"
	defaultBotSessionFile      = "data/bot_session.json"
	defaultThrottleRPS         = 2
	defaultCloneMinIntervalMS  = 1500
	defaultFloodWaitCeilingSec = 300
	defaultCloneMaxRetries     = 3
	defaultCloneRetryBaseMS    = 1000
	defaultClonePageSize       = 100
	defaultProgressEvery       = 10
	defaultProgressIntervalSec = 5
	defaultLoginCodeTTLSec     = 300
	defaultLoginMaxCodeTries   = 3
	defaultLoginMaxPassTries   = 3
	defaultLogLevel            = "info"
	// LOG_FILE не имеет дефолта: файловый лог включается явно.
	defaultLogFileLevel      = "debug"
	defaultLogFileMaxSize    = 50
	defaultLogFileMaxBackups = 3
	defaultLogFileMaxAge     = 7
	defaultLogFileCompress   = true
	defaultWebServerEnable   = false
	defaultWebServerAddress  = "127.0.0.1:8080"
	defaultCLIEnable         = true

	// maxPageSize: верхняя граница страницы messages.getHistory на стороне Telegram.
	maxPageSize = 100
)

var (
	cfgInstance = &Config{}
	cfgDone     bool
	loadMu      sync.Mutex
)

// Load: точка входа для инициализации глобальной конфигурации. Повторный вызов
// запрещён, чтобы избежать гонок конфигурации на старте.
func Load(envPath string) error {
	loadMu.Lock()
	defer loadMu.Unlock()
	if cfgDone {
		return errors.New("config already loaded")
	}
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig выполняет фактическую загрузку/валидацию без установки глобального
// состояния. Отсутствующий .env не ошибка: переменные могут прийти из окружения контейнера.
func loadConfig(envPath string) (*Config, error) {
	var warnings []string

	if err := godotenv.Load(envPath); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
		appendWarningf(&warnings, "env file %q not found; using process environment", envPath)
	}

	apiID, err := parseRequiredInt("API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env API_HASH must be set")
	}
	botToken := strings.TrimSpace(os.Getenv("BOT_TOKEN"))
	if botToken == "" {
		return nil, errors.New("env BOT_TOKEN must be set")
	}

	adminUIDs := parseInt64List("ADMIN_UIDS", &warnings)
	dbFile := sanitizeFile("DB_FILE", os.Getenv("DB_FILE"), defaultDBFile, &warnings)
	botSessionFile := sanitizeFile("BOT_SESSION_FILE", os.Getenv("BOT_SESSION_FILE"), defaultBotSessionFile, &warnings)
	testDC := strings.EqualFold(strings.TrimSpace(os.Getenv("TEST_DC")), "true")
	mtprotoDebug := strings.EqualFold(strings.TrimSpace(os.Getenv("MTPROTO_DEBUG")), "true")
	throttleRPS := parseIntDefault("THROTTLE_RPS", defaultThrottleRPS, greaterThanZero, &warnings)

	minInterval := parseIntDefault("CLONE_MIN_INTERVAL_MS", defaultCloneMinIntervalMS, nonNegative, &warnings)
	ceiling := parseIntDefault("FLOOD_WAIT_CEILING_SEC", defaultFloodWaitCeilingSec, greaterThanZero, &warnings)
	maxRetries := parseIntDefault("CLONE_MAX_RETRIES", defaultCloneMaxRetries, nonNegative, &warnings)
	retryBase := parseIntDefault("CLONE_RETRY_BASE_MS", defaultCloneRetryBaseMS, greaterThanZero, &warnings)
	pageSize := parseIntDefault("CLONE_PAGE_SIZE", defaultClonePageSize, pageSizeValid, &warnings)
	progressEvery := parseIntDefault("PROGRESS_EVERY", defaultProgressEvery, greaterThanZero, &warnings)
	progressInterval := parseIntDefault("PROGRESS_INTERVAL_SEC", defaultProgressIntervalSec, greaterThanZero, &warnings)

	codeTTL := parseIntDefault("LOGIN_CODE_TTL_SEC", defaultLoginCodeTTLSec, greaterThanZero, &warnings)
	codeTries := parseIntDefault("LOGIN_MAX_CODE_ATTEMPTS", defaultLoginMaxCodeTries, greaterThanZero, &warnings)
	passTries := parseIntDefault("LOGIN_MAX_PASSWORD_ATTEMPTS", defaultLoginMaxPassTries, greaterThanZero, &warnings)

	logLevel := sanitizeLogLevel("LOG_LEVEL", os.Getenv("LOG_LEVEL"), defaultLogLevel, &warnings)
	logFile := strings.TrimSpace(os.Getenv("LOG_FILE"))
	logFileLevel := sanitizeLogLevel("LOG_FILE_LEVEL", os.Getenv("LOG_FILE_LEVEL"), defaultLogFileLevel, &warnings)
	logFileMaxSize := parseIntDefault("LOG_FILE_MAX_SIZE_MB", defaultLogFileMaxSize, greaterThanZero, &warnings)
	logFileMaxBackups := parseIntDefault("LOG_FILE_MAX_BACKUPS", defaultLogFileMaxBackups, nonNegative, &warnings)
	logFileMaxAge := parseIntDefault("LOG_FILE_MAX_AGE_DAYS", defaultLogFileMaxAge, nonNegative, &warnings)
	logFileCompress := parseBoolDefault("LOG_FILE_COMPRESS", defaultLogFileCompress, &warnings)

	webServerEnable := parseBoolDefault("WEB_SERVER_ENABLE", defaultWebServerEnable, &warnings)
	webServerAddress := sanitizeFile("WEB_SERVER_ADDRESS", os.Getenv("WEB_SERVER_ADDRESS"),
		defaultWebServerAddress, &warnings)
	cliEnable := parseBoolDefault("CLI_ENABLE", defaultCLIEnable, &warnings)

	env := EnvConfig{
		APIID:                    apiID,
		APIHash:                  apiHash,
		BotToken:                 botToken,
		AdminUIDs:                adminUIDs,
		DBFile:                   dbFile,
		BotSessionFile:           botSessionFile,
		TestDC:                   testDC,
		MTProtoDebug:             mtprotoDebug,
		ThrottleRPS:              throttleRPS,
		CloneMinIntervalMS:       minInterval,
		FloodWaitCeilingSec:      ceiling,
		CloneMaxRetries:          maxRetries,
		CloneRetryBaseMS:         retryBase,
		ClonePageSize:            pageSize,
		ProgressEvery:            progressEvery,
		ProgressIntervalSec:      progressInterval,
		LoginCodeTTLSec:          codeTTL,
		LoginMaxCodeAttempts:     codeTries,
		LoginMaxPasswordAttempts: passTries,
		LogLevel:                 logLevel,
		LogFile:                  logFile,
		LogFileLevel:             logFileLevel,
		LogFileMaxSize:           logFileMaxSize,
		LogFileMaxBackups:        logFileMaxBackups,
		LogFileMaxAge:            logFileMaxAge,
		LogFileCompress:          logFileCompress,
		WebServerEnable:          webServerEnable,
		WebServerAddress:         webServerAddress,
		CLIEnable:                cliEnable,
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings возвращает копию предупреждений, накопленных при загрузке .env.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env возвращает неизменяемый снимок EnvConfig из глобального singleton.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// IsAdmin сообщает, разрешено ли пользователю управлять клонером. Пустой
// список ADMIN_UIDS означает «разрешено всем».
func (e EnvConfig) IsAdmin(uid int64) bool {
	if len(e.AdminUIDs) == 0 {
		return true
	}
	for _, id := range e.AdminUIDs {
		if id == uid {
			return true
		}
	}
	return false
}

// parseRequiredInt читает обязательную целочисленную переменную окружения name.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault читает name как int. Если пусто/некорректно/не проходит
// validator: возвращает defaultVal и пишет предупреждение.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseInt64List разбирает CSV со списком числовых id. Некорректные элементы
// пропускаются с предупреждением.
func parseInt64List(name string, warnings *[]string) []int64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		appendWarningf(warnings, "env %s is not set; commands are accepted from everyone", name)
		return nil
	}
	parts := strings.Split(raw, ",")
	result := make([]int64, 0, len(parts))
	for _, part := range parts {
		token := strings.TrimSpace(part)
		if token == "" {
			continue
		}
		v, err := strconv.ParseInt(token, 10, 64)
		if err != nil || v <= 0 {
			appendWarningf(warnings, "env %s entry %q is not a valid user id; skipped", name, token)
			continue
		}
		result = append(result, v)
	}
	return result
}

// appendWarningf накапливает предупреждение о некорректной переменной окружения.
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/nonNegative/pageSizeValid: валидаторы для parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }
func pageSizeValid(v int) bool   { return v > 0 && v <= maxPageSize }

// parseBoolDefault читает name как bool. Если пусто/некорректно: defaultVal и предупреждение.
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid boolean; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// sanitizeLogLevel ограничивает уровень набором {debug, info, warn, error}.
func sanitizeLogLevel(name, level, defaultVal string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, defaultVal)
		return defaultVal
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env %s value %q is invalid; using default %q", name, level, defaultVal)
		return defaultVal
	}
}

// sanitizeFile возвращает значение или fallback с предупреждением.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}
