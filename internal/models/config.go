package models

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	DefaultServerAddr      = ":8080"
	DefaultAdminUsername   = "admin"
	DefaultTokenTTL        = 24 * time.Hour
	DefaultTelegramAPIURL  = "https://api.telegram.org"
	DefaultRequestTimeout  = 10 * time.Second
	DefaultTransferTimeout = 15 * time.Second
	DefaultMaxUploadBytes  = 5 * 1024 * 1024
	DefaultRateLimit       = 10
	DefaultRateWindow      = 60 * time.Second
	DefaultStoreDriver     = "memory"
	DefaultKeyPrefix       = "imgbed"
	DefaultBadgerPath      = "data/badger"
	DefaultKafkaTopic      = "imgbed-images"
	DefaultKafkaGroupID    = "imgbed-probe"

	botTokenPlaceholder = "your_bot_token_here"
	chatIDPlaceholder   = "your_chat_id_here"
)

// Telegram target modes.
const (
	TelegramModeAuto    = "auto"
	TelegramModeAccount = "account"
	TelegramModeChannel = "channel"
)

// Duration reads "15s"-style strings from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	ServerAddr string         `yaml:"server_addr"`
	SiteURL    string         `yaml:"site_url"`
	LogLevel   string         `yaml:"log_level"`
	Admin      AdminConfig    `yaml:"admin"`
	Telegram   TelegramConfig `yaml:"telegram"`
	Store      StoreConfig    `yaml:"store"`
	Upload     UploadConfig   `yaml:"upload"`
	Kafka      KafkaConfig    `yaml:"kafka"`
}

type AdminConfig struct {
	Username     string   `yaml:"username"`
	Password     string   `yaml:"password"`
	PasswordHash string   `yaml:"password_hash"`
	JWTSecret    string   `yaml:"jwt_secret"`
	TokenTTL     Duration `yaml:"token_ttl"`
}

type TelegramConfig struct {
	BotToken        string   `yaml:"bot_token"`
	ChatID          string   `yaml:"chat_id"`
	APIURL          string   `yaml:"api_url"`
	Mode            string   `yaml:"mode"`
	RequestTimeout  Duration `yaml:"request_timeout"`
	TransferTimeout Duration `yaml:"transfer_timeout"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	KeyPrefix     string `yaml:"key_prefix"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	DatabaseURL   string `yaml:"database_url"`
	BadgerPath    string `yaml:"badger_path"`
}

type UploadConfig struct {
	MaxBytes   int64    `yaml:"max_bytes"`
	RateLimit  int      `yaml:"rate_limit"`
	RateWindow Duration `yaml:"rate_window"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

// Enabled reports whether events should go to kafka.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// Default returns configuration with every default filled in.
func Default() *Config {
	return &Config{
		ServerAddr: DefaultServerAddr,
		LogLevel:   "info",
		Admin: AdminConfig{
			Username: DefaultAdminUsername,
			TokenTTL: Duration(DefaultTokenTTL),
		},
		Telegram: TelegramConfig{
			APIURL:          DefaultTelegramAPIURL,
			Mode:            TelegramModeAuto,
			RequestTimeout:  Duration(DefaultRequestTimeout),
			TransferTimeout: Duration(DefaultTransferTimeout),
		},
		Store: StoreConfig{
			Driver:     DefaultStoreDriver,
			KeyPrefix:  DefaultKeyPrefix,
			BadgerPath: DefaultBadgerPath,
		},
		Upload: UploadConfig{
			MaxBytes:   DefaultMaxUploadBytes,
			RateLimit:  DefaultRateLimit,
			RateWindow: Duration(DefaultRateWindow),
		},
		Kafka: KafkaConfig{
			Topic:   DefaultKafkaTopic,
			GroupID: DefaultKafkaGroupID,
		},
	}
}

// LoadConfig reads path (when it exists) over the defaults, then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	const op = "models.LoadConfig"

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	cfg.fillZeroes()
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	str("IMGBED_SERVER_ADDR", &c.ServerAddr)
	str("SITE_URL", &c.SiteURL)
	str("LOG_LEVEL", &c.LogLevel)
	str("ADMIN_USERNAME", &c.Admin.Username)
	str("ADMIN_PASSWORD", &c.Admin.Password)
	str("ADMIN_PASSWORD_HASH", &c.Admin.PasswordHash)
	str("JWT_SECRET", &c.Admin.JWTSecret)
	str("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	str("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	str("TELEGRAM_API_URL", &c.Telegram.APIURL)
	str("TELEGRAM_MODE", &c.Telegram.Mode)
	str("IMGBED_STORE_DRIVER", &c.Store.Driver)
	str("REDIS_ADDR", &c.Store.RedisAddr)
	str("REDIS_PASSWORD", &c.Store.RedisPassword)
	str("DATABASE_URL", &c.Store.DatabaseURL)
	str("BADGER_PATH", &c.Store.BadgerPath)
	str("KAFKA_TOPIC", &c.Kafka.Topic)

	if v, ok := lookup("REDIS_DB"); ok && v != "" {
		db, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
		c.Store.RedisDB = db
	}
	if v, ok := lookup("KAFKA_BROKERS"); ok && v != "" {
		var brokers []string
		for _, b := range strings.Split(v, ",") {
			if b = strings.TrimSpace(b); b != "" {
				brokers = append(brokers, b)
			}
		}
		c.Kafka.Brokers = brokers
	}
	return nil
}

func (c *Config) fillZeroes() {
	def := Default()
	if c.ServerAddr == "" {
		c.ServerAddr = def.ServerAddr
	}
	if c.Admin.Username == "" {
		c.Admin.Username = def.Admin.Username
	}
	if c.Admin.TokenTTL <= 0 {
		c.Admin.TokenTTL = def.Admin.TokenTTL
	}
	if c.Telegram.APIURL == "" {
		c.Telegram.APIURL = def.Telegram.APIURL
	}
	c.Telegram.APIURL = strings.TrimRight(c.Telegram.APIURL, "/")
	if c.Telegram.Mode == "" {
		c.Telegram.Mode = def.Telegram.Mode
	}
	if c.Telegram.RequestTimeout <= 0 {
		c.Telegram.RequestTimeout = def.Telegram.RequestTimeout
	}
	if c.Telegram.TransferTimeout <= 0 {
		c.Telegram.TransferTimeout = def.Telegram.TransferTimeout
	}
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Store.KeyPrefix == "" {
		c.Store.KeyPrefix = def.Store.KeyPrefix
	}
	if c.Store.BadgerPath == "" {
		c.Store.BadgerPath = def.Store.BadgerPath
	}
	if c.Upload.MaxBytes <= 0 {
		c.Upload.MaxBytes = def.Upload.MaxBytes
	}
	if c.Upload.RateLimit <= 0 {
		c.Upload.RateLimit = def.Upload.RateLimit
	}
	if c.Upload.RateWindow <= 0 {
		c.Upload.RateWindow = def.Upload.RateWindow
	}
	if c.Kafka.Topic == "" {
		c.Kafka.Topic = def.Kafka.Topic
	}
	if c.Kafka.GroupID == "" {
		c.Kafka.GroupID = def.Kafka.GroupID
	}
}

// Validate checks the settings every Bot API call needs. It is called on
// first use rather than at startup so a missing token only breaks sync and
// upload.
func (t TelegramConfig) Validate() error {
	token := strings.TrimSpace(t.BotToken)
	if token == "" || token == botTokenPlaceholder {
		return fmt.Errorf("%w: TELEGRAM_BOT_TOKEN is not set", ErrConfiguration)
	}
	chat := strings.TrimSpace(t.ChatID)
	if chat == "" || chat == chatIDPlaceholder {
		return fmt.Errorf("%w: TELEGRAM_CHAT_ID is not set", ErrConfiguration)
	}
	return nil
}

// IsChannel reports whether the chat id targets a broadcast channel rather
// than an individual account.
func (t TelegramConfig) IsChannel() bool {
	switch t.Mode {
	case TelegramModeChannel:
		return true
	case TelegramModeAccount:
		return false
	}
	return strings.HasPrefix(t.ChatID, "-") || strings.HasPrefix(t.ChatID, "@")
}
