package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

const validConfig = `{
	"id": "bot123",
	"telegram_token": "token123",
	"owner_telegram_id": 123456789,
	"active": true,
	"messages_per_hour": 10,
	"messages_per_day": 100,
	"temp_ban_duration": "1h",
	"spreadsheet_id": "sheet-abc",
	"sync_interval": "30s",
	"timezone": "Europe/Berlin",
	"categories": ["food", "rent"]
}`

// TestBotConfig_UnmarshalJSON tests decoding of BotConfig
func TestBotConfig_UnmarshalJSON(t *testing.T) {
	var config BotConfig
	if err := json.Unmarshal([]byte(validConfig), &config); err != nil {
		t.Fatalf("Failed to unmarshal JSON: %v", err)
	}

	if config.ID != "bot123" {
		t.Errorf("Expected ID %s, got %s", "bot123", config.ID)
	}
	if config.SpreadsheetID != "sheet-abc" {
		t.Errorf("Expected spreadsheet id sheet-abc, got %s", config.SpreadsheetID)
	}
	if len(config.Categories) != 2 {
		t.Errorf("Expected 2 categories, got %d", len(config.Categories))
	}
}

// TestValidatePath tests the ValidatePath function
func TestValidatePath(t *testing.T) {
	configDir := t.TempDir()
	subDir := filepath.Join(configDir, "subdir")
	if err := os.MkdirAll(subDir, 0755); err != nil {
		t.Fatalf("Failed to create subdir: %v", err)
	}

	tests := []struct {
		name     string
		filename string
		wantErr  bool
	}{
		{name: "Valid Path", filename: "config.json", wantErr: false},
		{name: "Invalid Extension", filename: "config.yaml", wantErr: true},
		{name: "Path Traversal", filename: "../config.json", wantErr: true},
		{name: "Absolute Path Outside", filename: "/etc/passwd", wantErr: true},
		{name: "Absolute JSON Path", filename: "/etc/bot.json", wantErr: true},
		{name: "Nested Valid Path", filename: "subdir/config.json", wantErr: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ValidatePath(configDir, tt.filename)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidatePath() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// TestLoad tests the Load function
func TestLoad(t *testing.T) {
	tempDir := t.TempDir()

	invalidConfig := `{
		"id": "bot123",
		"telegram_token": "token123",
		"messages_per_hour": "should be int"
	}`
	badDuration := `{
		"id": "bot123",
		"telegram_token": "token123",
		"temp_ban_duration": "forever"
	}`

	files := map[string]string{
		"valid_config.json":   validConfig,
		"invalid_config.json": invalidConfig,
		"bad_duration.json":   badDuration,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(tempDir, name), []byte(content), 0644); err != nil {
			t.Fatalf("Failed to write %s: %v", name, err)
		}
	}

	tests := []struct {
		name      string
		filename  string
		wantErr   bool
		expectErr string
	}{
		{name: "Load Valid Config", filename: "valid_config.json"},
		{name: "Load Invalid Config", filename: "invalid_config.json", wantErr: true, expectErr: "failed to decode JSON"},
		{name: "Bad Duration", filename: "bad_duration.json", wantErr: true, expectErr: "temp_ban_duration"},
		{name: "Non-existent File", filename: "nonexistent.json", wantErr: true, expectErr: "failed to open config file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config, err := Load(filepath.Join(tempDir, tt.filename))
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !strings.Contains(err.Error(), tt.expectErr) {
					t.Errorf("Load() error = %v, expected to contain %v", err, tt.expectErr)
				}
				return
			}
			if config.TempBan != time.Hour {
				t.Errorf("Expected temp ban 1h, got %s", config.TempBan)
			}
			if config.SyncEvery != 30*time.Second {
				t.Errorf("Expected sync interval 30s, got %s", config.SyncEvery)
			}
			if config.SheetName != defaultSheetName {
				t.Errorf("Expected default sheet name, got %q", config.SheetName)
			}
			if config.Location == nil || config.Location.String() != "Europe/Berlin" {
				t.Errorf("Expected Europe/Berlin location, got %v", config.Location)
			}
		})
	}
}

// TestValidateConfig tests the validateConfig function
func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name          string
		config        BotConfig
		ids           map[string]bool
		tokens        map[string]bool
		expectedError string
	}{
		{
			name:   "Valid Config",
			config: BotConfig{ID: "bot123", TelegramToken: "token123", OwnerTelegramID: 1},
		},
		{
			name:          "Missing ID",
			config:        BotConfig{TelegramToken: "token123", OwnerTelegramID: 1},
			expectedError: "missing 'id' field",
		},
		{
			name:          "Duplicate ID",
			config:        BotConfig{ID: "bot123", TelegramToken: "token123", OwnerTelegramID: 1},
			ids:           map[string]bool{"bot123": true},
			expectedError: "duplicate bot id",
		},
		{
			name:          "Missing Telegram Token",
			config:        BotConfig{ID: "bot123", OwnerTelegramID: 1},
			expectedError: "missing 'telegram_token' field",
		},
		{
			name:          "Duplicate Telegram Token",
			config:        BotConfig{ID: "bot123", TelegramToken: "token123", OwnerTelegramID: 1},
			tokens:        map[string]bool{"token123": true},
			expectedError: "duplicate telegram_token",
		},
		{
			name:          "Missing Owner",
			config:        BotConfig{ID: "bot123", TelegramToken: "token123"},
			expectedError: "missing 'owner_telegram_id' field",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ids, tokens := tt.ids, tt.tokens
			if ids == nil {
				ids = map[string]bool{}
			}
			if tokens == nil {
				tokens = map[string]bool{}
			}
			err := validateConfig(&tt.config, ids, tokens)
			if (err != nil) != (tt.expectedError != "") {
				t.Fatalf("validateConfig() error = %v, expected %q", err, tt.expectedError)
			}
			if err != nil && !strings.Contains(err.Error(), tt.expectedError) {
				t.Errorf("validateConfig() error = %v, expected to contain %v", err, tt.expectedError)
			}
		})
	}
}

// TestLoadAll tests the LoadAll function
func TestLoadAll(t *testing.T) {
	tests := []struct {
		name          string
		setupFiles    map[string]string
		expectConfigs int
	}{
		{
			name:          "Load All Valid Configs",
			setupFiles:    map[string]string{"valid_config.json": validConfig},
			expectConfigs: 1,
		},
		{
			name: "Skip Inactive Config",
			setupFiles: map[string]string{
				"valid_config.json":    validConfig,
				"inactive_config.json": `{"id": "bot124", "telegram_token": "token124", "owner_telegram_id": 2, "active": false}`,
			},
			expectConfigs: 1,
		},
		{
			name: "Duplicate Telegram Token",
			setupFiles: map[string]string{
				"a_config.json": validConfig,
				"b_config.json": `{"id": "bot126", "telegram_token": "token123", "owner_telegram_id": 2, "active": true}`,
			},
			expectConfigs: 1,
		},
		{
			name: "Skip Non-JSON And Invalid",
			setupFiles: map[string]string{
				"valid_config.json":   validConfig,
				"notes.txt":           "not a config",
				"invalid_config.json": `{"id": "bot127", "active": true}`,
			},
			expectConfigs: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tempDir := t.TempDir()
			for filename, content := range tt.setupFiles {
				if err := os.WriteFile(filepath.Join(tempDir, filename), []byte(content), 0644); err != nil {
					t.Fatalf("Failed to write file %s: %v", filename, err)
				}
			}

			configs, err := LoadAll(tempDir, zap.NewNop())
			if err != nil {
				t.Fatalf("LoadAll() error = %v", err)
			}
			if len(configs) != tt.expectConfigs {
				t.Errorf("Expected %d configs, got %d", tt.expectConfigs, len(configs))
			}
		})
	}

	if _, err := LoadAll(filepath.Join(t.TempDir(), "missing"), zap.NewNop()); err == nil {
		t.Error("Expected error for missing directory")
	}
}

func TestLoadAll_TokenFromEnv(t *testing.T) {
	tempDir := t.TempDir()
	content := `{"id": "ledger-bot", "owner_telegram_id": 5, "active": true}`
	if err := os.WriteFile(filepath.Join(tempDir, "ledger.json"), []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	t.Setenv("TELEGRAM_TOKEN_LEDGER_BOT", "env-token")

	configs, err := LoadAll(tempDir, zap.NewNop())
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(configs) != 1 || configs[0].TelegramToken != "env-token" {
		t.Fatalf("Expected token from environment, got %+v", configs)
	}
}

// TestBotConfig_Reload tests the Reload method of BotConfig
func TestBotConfig_Reload(t *testing.T) {
	tempDir := t.TempDir()
	path := filepath.Join(tempDir, "config.json")
	if err := os.WriteFile(path, []byte(validConfig), 0644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}

	config, err := Load(path)
	if err != nil {
		t.Fatalf("Failed to load config: %v", err)
	}

	updated := strings.Replace(validConfig, `"messages_per_hour": 10`, `"messages_per_hour": 20`, 1)
	if err := os.WriteFile(path, []byte(updated), 0644); err != nil {
		t.Fatalf("Failed to update config: %v", err)
	}
	if err := config.Reload(tempDir, "config.json"); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if config.MessagePerHour != 20 {
		t.Errorf("Expected messages_per_hour 20 after reload, got %d", config.MessagePerHour)
	}

	if err := os.WriteFile(path, []byte(`{"id": ""}`), 0644); err != nil {
		t.Fatalf("Failed to break config: %v", err)
	}
	if err := config.Reload(tempDir, "config.json"); err == nil {
		t.Error("Expected reload of invalid config to fail")
	}
	if config.ID != "bot123" {
		t.Errorf("Failed reload must keep previous config, got id %q", config.ID)
	}
}

func TestLoadEnv_Defaults(t *testing.T) {
	t.Setenv("DATABASE_PATH", "")
	os.Unsetenv("DATABASE_PATH")

	cfg, err := LoadEnv("")
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.DatabasePath != "bot.db" {
		t.Errorf("Expected default database path, got %q", cfg.DatabasePath)
	}
	if cfg.StateTTL != 30*time.Minute {
		t.Errorf("Expected default state ttl, got %s", cfg.StateTTL)
	}
}

func TestLoadEnv_DotenvFile(t *testing.T) {
	t.Setenv("BOT_CONFIG_DIR", "")
	os.Unsetenv("BOT_CONFIG_DIR")

	dotenv := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(dotenv, []byte("BOT_CONFIG_DIR=/srv/bots\n"), 0644); err != nil {
		t.Fatalf("Failed to write dotenv: %v", err)
	}
	t.Cleanup(func() { os.Unsetenv("BOT_CONFIG_DIR") })

	cfg, err := LoadEnv(dotenv)
	if err != nil {
		t.Fatalf("LoadEnv() error = %v", err)
	}
	if cfg.ConfigDir != "/srv/bots" {
		t.Errorf("Expected config dir from dotenv, got %q", cfg.ConfigDir)
	}

	if _, err := LoadEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Missing dotenv file should be ignored, got %v", err)
	}
}
