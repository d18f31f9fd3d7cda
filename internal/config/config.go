package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// Values come from env, optionally seeded from an env-file (ENV_FILE or ./.env).
// No business logic should depend on raw environment variables.
type Config struct {
	App     AppConfig
	Log     LogConfig
	DB      DBConfig
	Redis   RedisConfig
	ARI     ARIConfig
	Auth    AuthConfig
	Calls   CallsConfig
	Webhook WebhookConfig
	MQTT    MQTTConfig
	Trunks  TrunksConfig
	TTS     TTSConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type LogConfig struct {
	File       string
	MaxSizeMB  int
	MaxBackups int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

// RedisConfig is optional; an empty Host disables the per-key concurrency cap.
type RedisConfig struct {
	Host string
	Port int
}

func (c RedisConfig) Enabled() bool { return c.Host != "" }

// ARIConfig points at the switch's REST interface, e.g. http://127.0.0.1:8088.
type ARIConfig struct {
	URL      string
	Username string
	Password string
	App      string
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type CallsConfig struct {
	DefaultCallerID     string
	DefaultVoice        string
	RingTimeout         time.Duration
	Context             string
	AMDContext          string
	MaxConcurrentPerKey int
	DefaultRateLimit    int
	// RecordingsDir is where the switch writes finished recordings.
	RecordingsDir string
}

type WebhookConfig struct {
	Timeout   time.Duration
	UserAgent string
}

// MQTTConfig is optional; an empty Broker disables the lifecycle mirror.
type MQTTConfig struct {
	Broker      string
	ClientID    string
	TopicPrefix string
}

func (c MQTTConfig) Enabled() bool { return c.Broker != "" }

type TrunksConfig struct {
	// File is an optional YAML file of static trunks merged with the sip_trunks table.
	File string
}

type TTSConfig struct {
	GoogleAPIKey string
	SoundsDir    string
	FFmpegPath   string
}

func Load() (Config, error) {
	loadEnvFile()

	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

	c.Log.File = strings.TrimSpace(os.Getenv("LOG_FILE"))
	c.Log.MaxSizeMB = optInt("LOG_MAX_SIZE_MB")
	c.Log.MaxBackups = optInt("LOG_MAX_BACKUPS")

	c.DB.Host = strings.TrimSpace(os.Getenv("DB_HOST"))
	{
		n, err := mustInt("DB_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.DB.Port = n
	}
	c.DB.User = strings.TrimSpace(os.Getenv("DB_USER"))
	c.DB.Password = os.Getenv("DB_PASSWORD")
	c.DB.Name = strings.TrimSpace(os.Getenv("DB_NAME"))
	c.DB.SSLMode = strings.TrimSpace(os.Getenv("DB_SSLMODE"))

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	if c.Redis.Enabled() {
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}

	c.ARI.URL = strings.TrimRight(strings.TrimSpace(os.Getenv("ARI_URL")), "/")
	c.ARI.Username = strings.TrimSpace(os.Getenv("ARI_USERNAME"))
	c.ARI.Password = os.Getenv("ARI_PASSWORD")
	c.ARI.App = strings.TrimSpace(os.Getenv("ARI_APP"))

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = mustDuration("JWT_REFRESH_TTL")

	c.Calls.DefaultCallerID = strings.TrimSpace(os.Getenv("CALLER_ID"))
	c.Calls.DefaultVoice = strings.TrimSpace(os.Getenv("TTS_DEFAULT_VOICE"))
	c.Calls.RingTimeout = mustDuration("CALL_RING_TIMEOUT")
	c.Calls.Context = strings.TrimSpace(os.Getenv("CALL_CONTEXT"))
	c.Calls.AMDContext = strings.TrimSpace(os.Getenv("CALL_AMD_CONTEXT"))
	c.Calls.MaxConcurrentPerKey = optInt("CALL_MAX_CONCURRENT_PER_KEY")
	c.Calls.DefaultRateLimit = optInt("API_DEFAULT_RATE_LIMIT")
	c.Calls.RecordingsDir = strings.TrimSpace(os.Getenv("RECORDINGS_DIR"))

	c.Webhook.Timeout = mustDuration("WEBHOOK_TIMEOUT")
	c.Webhook.UserAgent = strings.TrimSpace(os.Getenv("WEBHOOK_USER_AGENT"))

	c.MQTT.Broker = strings.TrimSpace(os.Getenv("MQTT_BROKER"))
	c.MQTT.ClientID = strings.TrimSpace(os.Getenv("MQTT_CLIENT_ID"))
	c.MQTT.TopicPrefix = strings.TrimSpace(os.Getenv("MQTT_TOPIC_PREFIX"))

	c.Trunks.File = strings.TrimSpace(os.Getenv("TRUNKS_FILE"))

	c.TTS.GoogleAPIKey = os.Getenv("GOOGLE_TTS_API_KEY")
	c.TTS.SoundsDir = strings.TrimSpace(os.Getenv("TTS_SOUNDS_DIR"))
	c.TTS.FFmpegPath = strings.TrimSpace(os.Getenv("FFMPEG_PATH"))

	if err := joinErrors(parseErrs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks required values and fills environment-dependent defaults.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Enabled() && (c.Redis.Port <= 0 || c.Redis.Port > 65535) {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}

	if c.ARI.URL == "" {
		errs = append(errs, errors.New("ARI_URL is required"))
	} else if u, err := url.Parse(c.ARI.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, fmt.Errorf("ARI_URL must be an http(s) URL, got %q", c.ARI.URL))
	}
	if c.ARI.Username == "" {
		errs = append(errs, errors.New("ARI_USERNAME is required"))
	}
	if c.ARI.Password == "" {
		errs = append(errs, errors.New("ARI_PASSWORD is required"))
	}
	if c.ARI.App == "" {
		c.ARI.App = "voice-orchestrator"
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 7 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Calls.DefaultCallerID == "" {
		c.Calls.DefaultCallerID = "1000"
	}
	if c.Calls.DefaultVoice == "" {
		c.Calls.DefaultVoice = "en-US-Neural2-A"
	}
	if c.Calls.RingTimeout <= 0 {
		c.Calls.RingTimeout = 30 * time.Second
	}
	if c.Calls.Context == "" {
		c.Calls.Context = "internal"
	}
	if c.Calls.AMDContext == "" {
		c.Calls.AMDContext = "internal_amd"
	}
	if c.Calls.MaxConcurrentPerKey < 0 {
		errs = append(errs, fmt.Errorf("CALL_MAX_CONCURRENT_PER_KEY must be >= 0, got %d", c.Calls.MaxConcurrentPerKey))
	}
	if c.Calls.MaxConcurrentPerKey > 0 && !c.Redis.Enabled() {
		errs = append(errs, errors.New("CALL_MAX_CONCURRENT_PER_KEY requires REDIS_HOST"))
	}
	if c.Calls.DefaultRateLimit <= 0 {
		c.Calls.DefaultRateLimit = 100
	}
	if c.Calls.RecordingsDir == "" {
		c.Calls.RecordingsDir = "/var/spool/asterisk/recording"
	}

	if c.Webhook.Timeout <= 0 {
		c.Webhook.Timeout = 5 * time.Second
	}
	if c.Webhook.UserAgent == "" {
		c.Webhook.UserAgent = "voice-orchestrator/2.0"
	}

	if c.MQTT.Enabled() {
		if c.MQTT.ClientID == "" {
			c.MQTT.ClientID = "voice-orchestrator"
		}
		if c.MQTT.TopicPrefix == "" {
			c.MQTT.TopicPrefix = "voice"
		}
	}

	if c.TTS.SoundsDir == "" {
		c.TTS.SoundsDir = "/var/lib/asterisk/sounds/en"
	}
	if c.TTS.FFmpegPath == "" {
		c.TTS.FFmpegPath = "ffmpeg"
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// loadEnvFile seeds the process env from ENV_FILE or ./.env.
// Variables already present in the environment win.
func loadEnvFile() {
	path := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if path == "" {
		path = ".env"
	}
	if _, err := os.Stat(path); err == nil {
		_ = godotenv.Load(path)
	}
}

func mustInt(key string) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, fmt.Errorf("%s is required", key)
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func optInt(key string) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

func mustDuration(key string) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0
	}
	return d
}

func appendParseErr(errs []error, n int, err error) (int, []error) {
	if err != nil {
		errs = append(errs, err)
	}
	return n, errs
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
