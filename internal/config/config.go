package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

const (
	defaultSheetName     = "Ledger"
	defaultSyncInterval  = time.Minute
	defaultSyncBatchSize = 100
	defaultSheetsRPM     = 60
	defaultCurrency      = "EUR"
)

// Env holds process-wide settings shared by every bot.
type Env struct {
	ConfigDir       string        `env:"BOT_CONFIG_DIR" envDefault:"config"`
	DatabasePath    string        `env:"DATABASE_PATH" envDefault:"bot.db"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	LogDevelopment  bool          `env:"LOG_DEVELOPMENT" envDefault:"false"`
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	RedisAddr       string        `env:"REDIS_ADDR"`
	RedisPassword   string        `env:"REDIS_PASSWORD"`
	RedisDB         int           `env:"REDIS_DB" envDefault:"0"`
	StateTTL        time.Duration `env:"STATE_TTL" envDefault:"30m"`
	CredentialsFile string        `env:"GOOGLE_APPLICATION_CREDENTIALS"`
}

// LoadEnv reads the optional dotenv file and parses Env from the process
// environment. Variables already set in the environment win over the file.
func LoadEnv(dotenv string) (*Env, error) {
	if dotenv != "" {
		if err := godotenv.Load(dotenv); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", dotenv, err)
		}
	}

	var cfg Env
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	if cfg.StateTTL <= 0 {
		return nil, fmt.Errorf("STATE_TTL must be positive, got %s", cfg.StateTTL)
	}
	return &cfg, nil
}

// BotConfig is the per-bot JSON configuration file.
type BotConfig struct {
	ID                      string   `json:"id"`
	TelegramToken           string   `json:"telegram_token"`
	OwnerTelegramID         int64    `json:"owner_telegram_id"`
	Active                  bool     `json:"active"`
	MessagePerHour          int      `json:"messages_per_hour"`
	MessagePerDay           int      `json:"messages_per_day"`
	TempBanDuration         string   `json:"temp_ban_duration"`
	SpreadsheetID           string   `json:"spreadsheet_id"`
	SheetName               string   `json:"sheet_name"`
	SyncInterval            string   `json:"sync_interval"`
	SyncBatchSize           int      `json:"sync_batch_size"`
	SheetsRequestsPerMinute int      `json:"sheets_requests_per_minute"`
	WebhookURL              string   `json:"webhook_url"`
	WebhookSecret           string   `json:"webhook_secret"`
	Currency                string   `json:"currency"`
	Timezone                string   `json:"timezone"`
	Categories              []string `json:"categories"`

	// Parsed from the string fields above by normalize.
	TempBan   time.Duration  `json:"-"`
	SyncEvery time.Duration  `json:"-"`
	Location  *time.Location `json:"-"`
}

// TokenEnvVar is the variable consulted when telegram_token is empty.
func TokenEnvVar(id string) string {
	return "TELEGRAM_TOKEN_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
}

// normalize fills defaults and parses durations and the timezone.
func (c *BotConfig) normalize() error {
	if c.TelegramToken == "" && c.ID != "" {
		c.TelegramToken = os.Getenv(TokenEnvVar(c.ID))
	}
	if c.SheetName == "" {
		c.SheetName = defaultSheetName
	}
	if c.SyncBatchSize <= 0 {
		c.SyncBatchSize = defaultSyncBatchSize
	}
	if c.SheetsRequestsPerMinute <= 0 {
		c.SheetsRequestsPerMinute = defaultSheetsRPM
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	c.Currency = strings.ToUpper(c.Currency)
	if c.MessagePerHour < 0 || c.MessagePerDay < 0 {
		return fmt.Errorf("message limits must not be negative")
	}

	c.TempBan = 0
	if c.TempBanDuration != "" {
		d, err := time.ParseDuration(c.TempBanDuration)
		if err != nil {
			return fmt.Errorf("invalid 'temp_ban_duration': %w", err)
		}
		c.TempBan = d
	}

	c.SyncEvery = defaultSyncInterval
	if c.SyncInterval != "" {
		d, err := time.ParseDuration(c.SyncInterval)
		if err != nil {
			return fmt.Errorf("invalid 'sync_interval': %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("'sync_interval' must be positive")
		}
		c.SyncEvery = d
	}

	tz := c.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid 'timezone': %w", err)
	}
	c.Location = loc
	return nil
}

// validateConfig checks required fields and uniqueness against the
// ids and tokens already accepted.
func validateConfig(c *BotConfig, ids, tokens map[string]bool) error {
	if c.ID == "" {
		return fmt.Errorf("missing 'id' field")
	}
	if ids[c.ID] {
		return fmt.Errorf("duplicate bot id: %s", c.ID)
	}
	if c.TelegramToken == "" {
		return fmt.Errorf("missing 'telegram_token' field (or %s)", TokenEnvVar(c.ID))
	}
	if tokens[c.TelegramToken] {
		return fmt.Errorf("duplicate telegram_token for bot %s", c.ID)
	}
	if c.OwnerTelegramID == 0 {
		return fmt.Errorf("missing 'owner_telegram_id' field")
	}
	return nil
}

// ValidatePath resolves filename inside configDir and rejects anything
// that is not a .json file within it.
func ValidatePath(configDir, filename string) (string, error) {
	if filepath.Ext(filename) != ".json" {
		return "", fmt.Errorf("invalid file extension: %s", filename)
	}
	if filepath.IsAbs(filename) {
		return "", fmt.Errorf("absolute paths are not allowed: %s", filename)
	}

	absDir, err := filepath.Abs(configDir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config dir: %w", err)
	}
	full := filepath.Join(absDir, filename)

	rel, err := filepath.Rel(absDir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal attempt detected: %s", filename)
	}
	return full, nil
}

// Load reads and normalizes a single config file without validating it.
func Load(filename string) (BotConfig, error) {
	var cfg BotConfig

	file, err := os.Open(filename)
	if err != nil {
		return cfg, fmt.Errorf("failed to open config file %s: %w", filename, err)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to decode JSON from %s: %w", filename, err)
	}
	if err := cfg.normalize(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", filename, err)
	}
	return cfg, nil
}

// LoadAll loads every active, valid config in dir. Invalid, inactive and
// duplicate configs are skipped with a warning.
func LoadAll(dir string, log *zap.Logger) ([]BotConfig, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read config directory %s: %w", dir, err)
	}

	var (
		configs []BotConfig
		ids     = make(map[string]bool)
		tokens  = make(map[string]bool)
	)

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		path, err := ValidatePath(dir, entry.Name())
		if err != nil {
			log.Warn("Skipping config file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		cfg, err := Load(path)
		if err != nil {
			log.Warn("Skipping config file", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		if !cfg.Active {
			log.Info("Skipping inactive bot", zap.String("bot", cfg.ID))
			continue
		}

		if err := validateConfig(&cfg, ids, tokens); err != nil {
			log.Warn("Skipping invalid config", zap.String("file", entry.Name()), zap.Error(err))
			continue
		}

		ids[cfg.ID] = true
		tokens[cfg.TelegramToken] = true
		configs = append(configs, cfg)
	}

	return configs, nil
}

// Reload re-reads filename from configDir into c. c is left untouched if
// the new file fails to load or validate.
func (c *BotConfig) Reload(configDir, filename string) error {
	path, err := ValidatePath(configDir, filename)
	if err != nil {
		return err
	}

	cfg, err := Load(path)
	if err != nil {
		return err
	}
	if err := validateConfig(&cfg, map[string]bool{}, map[string]bool{}); err != nil {
		return fmt.Errorf("reloaded config is invalid: %w", err)
	}

	*c = cfg
	return nil
}
