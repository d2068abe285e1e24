package config

import (
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    Server    `mapstructure:"server"`
	Admin     Admin     `mapstructure:"admin"`
	Database  Database  `mapstructure:"database"`
	NLU       NLU       `mapstructure:"nlu"`
	Assistant Assistant `mapstructure:"assistant"`
	SMTP      SMTP      `mapstructure:"smtp"`
	Telegram  Telegram  `mapstructure:"telegram"`
	Valuation Valuation `mapstructure:"valuation"`
	Content   Content   `mapstructure:"content"`
}

type Server struct {
	Port           string        `mapstructure:"port"`
	PublicURL      string        `mapstructure:"public_url"`
	DataDir        string        `mapstructure:"data_dir"`
	StorageDir     string        `mapstructure:"storage_dir"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
}

type Admin struct {
	Token string `mapstructure:"token"`
}

type Database struct {
	Driver          string        `mapstructure:"driver"`
	URL             string        `mapstructure:"url"`
	BoltPath        string        `mapstructure:"bolt_path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type NLU struct {
	Provider        string   `mapstructure:"provider"`
	ProjectID       string   `mapstructure:"project_id"`
	LanguageCode    string   `mapstructure:"language_code"`
	Endpoint        string   `mapstructure:"endpoint"`
	TerminalIntents []string `mapstructure:"terminal_intents"`
	MaxRetries      int      `mapstructure:"max_retries"`

	// SessionTTL bounds how long the keyword matcher keeps an idle session.
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type Assistant struct {
	Enabled      bool   `mapstructure:"enabled"`
	Model        string `mapstructure:"model"`
	APIKey       string `mapstructure:"api_key"`
	BaseURL      string `mapstructure:"base_url"`
	HistoryLimit int    `mapstructure:"history_limit"`
}

type SMTP struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	Username string   `mapstructure:"username"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
}

type Telegram struct {
	Token  string `mapstructure:"token"`
	ChatID int64  `mapstructure:"chat_id"`
}

type Valuation struct {
	TotalLossThreshold float64 `mapstructure:"total_loss_threshold"`
}

// Content points at a JSON file of posts upserted by slug at startup.
type Content struct {
	PostsFile string `mapstructure:"posts_file"`
}

var defaults = map[string]any{
	"server.port":                    "8000",
	"server.public_url":              "http://localhost:8000",
	"server.data_dir":                "data",
	"server.storage_dir":             filepath.Join("storage", "chat-media"),
	"server.allowed_origins":         []string{"https://*", "http://*"},
	"server.read_timeout":            15 * time.Second,
	"server.write_timeout":           30 * time.Second,
	"admin.token":                    "",
	"database.driver":                "bolt",
	"database.url":                   "",
	"database.bolt_path":             "",
	"database.max_open_conns":        20,
	"database.max_idle_conns":        10,
	"database.conn_max_lifetime":     5 * time.Minute,
	"nlu.provider":                   "keyword",
	"nlu.project_id":                 "",
	"nlu.language_code":              "en-US",
	"nlu.endpoint":                   "https://dialogflow.googleapis.com",
	"nlu.terminal_intents":           []string{"claim.intake.complete"},
	"nlu.max_retries":                3,
	"nlu.session_ttl":                2 * time.Hour,
	"assistant.enabled":              false,
	"assistant.model":                "gpt-4o-mini",
	"assistant.api_key":              "",
	"assistant.base_url":             "",
	"assistant.history_limit":        12,
	"smtp.host":                      "",
	"smtp.port":                      587,
	"smtp.username":                  "",
	"smtp.password":                  "",
	"smtp.from":                      "",
	"smtp.to":                        []string{},
	"telegram.token":                 "",
	"telegram.chat_id":               0,
	"valuation.total_loss_threshold": 1.0,
	"content.posts_file":             "",
}

// Load reads an optional YAML file named path from ./config or the working
// directory, then overlays environment variables (SMTP_HOST -> smtp.host).
// A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetConfigName(path)
	v.SetConfigType("yaml")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SERVER_PORT", "PORT"); err != nil {
		return nil, err
	}
	if err := v.BindEnv("database.url", "DATABASE_URL"); err != nil {
		return nil, err
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		log.Printf("config: no %s.yaml found, using defaults and environment", path)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Database.BoltPath == "" {
		cfg.Database.BoltPath = filepath.Join(cfg.Server.DataDir, "intake.db")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Admin.Token == "" {
		return errors.New("config: admin.token (ADMIN_TOKEN) is required")
	}
	switch c.Database.Driver {
	case "bolt":
	case "postgres":
		if c.Database.URL == "" {
			return errors.New("config: database.url is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown database.driver %q", c.Database.Driver)
	}
	switch c.NLU.Provider {
	case "keyword":
	case "dialogflow":
		if c.NLU.ProjectID == "" {
			return errors.New("config: nlu.project_id is required for the dialogflow provider")
		}
	default:
		return fmt.Errorf("config: unknown nlu.provider %q", c.NLU.Provider)
	}
	if c.Valuation.TotalLossThreshold <= 0 {
		return errors.New("config: valuation.total_loss_threshold must be positive")
	}
	if c.Assistant.Enabled && c.Assistant.APIKey == "" {
		log.Println("config: assistant enabled without api_key, falling back to OPENAI_API_KEY")
	}
	return nil
}

// EmailEnabled reports whether enough SMTP settings are present to send.
func (c *Config) EmailEnabled() bool {
	return c.SMTP.Host != "" && c.SMTP.From != "" && len(c.SMTP.To) > 0
}

func (c *Config) TelegramEnabled() bool {
	return c.Telegram.Token != "" && c.Telegram.ChatID != 0
}
