package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration required by the API process.
// All values must come from env (or an env file loaded via LoadEnvFile).
// No business logic should depend on raw environment variables.
type Config struct {
	App      AppConfig
	DB       DBConfig
	Redis    RedisConfig
	Auth     AuthConfig
	WhatsApp WhatsAppConfig
	Calling  CallingConfig
}

type AppConfig struct {
	Env  string
	Port int
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string

	// AutoMigrate applies embedded migrations at API startup.
	AutoMigrate bool
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret      string
	JWTIssuer      string
	JWTAudience    string
	AccessTokenTTL time.Duration
}

// WhatsAppConfig configures the Cloud API boundary.
type WhatsAppConfig struct {
	GraphBaseURL string
	AccessToken  string
	// VerifyToken is echoed back during the webhook subscription handshake.
	VerifyToken string
	// AppSecret signs webhook deliveries; empty disables signature checks.
	AppSecret string
	// Mode is sandbox or production; it selects the default call budget.
	Mode string
}

// CallingConfig configures the call lifecycle engine.
type CallingConfig struct {
	// RateLimit is the per-contact call ceiling per window. RateLimitSet
	// distinguishes an explicit 0 (always deny) from "use the mode default".
	RateLimit    int
	RateLimitSet bool
	RateWindow   time.Duration

	// NotifyAutoClose retracts incoming-call notifications that never see a
	// terminal webhook.
	NotifyAutoClose time.Duration
}

const (
	ModeSandbox    = "sandbox"
	ModeProduction = "production"

	DefaultSandboxRateLimit    = 10
	DefaultProductionRateLimit = 100
	DefaultRateWindow          = 24 * time.Hour
	DefaultNotifyAutoClose     = 60 * time.Second
	DefaultGraphBaseURL        = "https://graph.facebook.com/v21.0"
)

// LoadEnvFile loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are ignored so the same binary runs with or without one.
func LoadEnvFile(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load env file %s: %w", p, err)
		}
	}
	return nil
}

func Load() (Config, error) {
	c := Config{}
	var parseErrs []error

	c.App.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	{
		n, err := mustInt("APP_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.App.Port = n
	}

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
	if v := strings.TrimSpace(os.Getenv("DB_AUTO_MIGRATE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			parseErrs = append(parseErrs, fmt.Errorf("DB_AUTO_MIGRATE must be a boolean: %w", err))
		}
		c.DB.AutoMigrate = b
	}

	c.Redis.Host = strings.TrimSpace(os.Getenv("REDIS_HOST"))
	{
		n, err := mustInt("REDIS_PORT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.Port = n
	}
	c.Redis.Password = os.Getenv("REDIS_PASSWORD")
	{
		n, _, err := optionalInt("REDIS_DB")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Redis.DB = n
	}

	c.Auth.JWTSecret = os.Getenv("JWT_SECRET")
	c.Auth.JWTIssuer = strings.TrimSpace(os.Getenv("JWT_ISSUER"))
	c.Auth.JWTAudience = strings.TrimSpace(os.Getenv("JWT_AUDIENCE"))
	// Duration env vars are optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = mustDuration("JWT_ACCESS_TTL")

	c.WhatsApp.GraphBaseURL = strings.TrimSpace(os.Getenv("WHATSAPP_GRAPH_BASE_URL"))
	c.WhatsApp.AccessToken = os.Getenv("WHATSAPP_ACCESS_TOKEN")
	c.WhatsApp.VerifyToken = os.Getenv("WHATSAPP_VERIFY_TOKEN")
	c.WhatsApp.AppSecret = os.Getenv("WHATSAPP_APP_SECRET")
	c.WhatsApp.Mode = strings.TrimSpace(os.Getenv("WHATSAPP_MODE"))

	{
		n, set, err := optionalInt("CALL_RATE_LIMIT")
		n, parseErrs = appendParseErr(parseErrs, n, err)
		c.Calling.RateLimit = n
		c.Calling.RateLimitSet = set
	}
	c.Calling.RateWindow = mustDuration("CALL_RATE_WINDOW")
	c.Calling.NotifyAutoClose = mustDuration("NOTIFY_AUTO_CLOSE")

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
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must be >= 0, got %d", c.Redis.DB))
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

	if c.WhatsApp.GraphBaseURL == "" {
		c.WhatsApp.GraphBaseURL = DefaultGraphBaseURL
	}
	if c.WhatsApp.Mode == "" {
		if c.IsProduction() {
			c.WhatsApp.Mode = ModeProduction
		} else {
			c.WhatsApp.Mode = ModeSandbox
		}
	}
	if c.WhatsApp.Mode != ModeSandbox && c.WhatsApp.Mode != ModeProduction {
		errs = append(errs, fmt.Errorf("WHATSAPP_MODE must be one of sandbox, production, got %q", c.WhatsApp.Mode))
	}
	if c.IsProduction() {
		if c.WhatsApp.AccessToken == "" {
			errs = append(errs, errors.New("WHATSAPP_ACCESS_TOKEN is required in production"))
		}
		if c.WhatsApp.VerifyToken == "" {
			errs = append(errs, errors.New("WHATSAPP_VERIFY_TOKEN is required in production"))
		}
	}

	if !c.Calling.RateLimitSet {
		c.Calling.RateLimit = c.DefaultRateLimit()
	}
	if c.Calling.RateLimit < 0 {
		errs = append(errs, fmt.Errorf("CALL_RATE_LIMIT must be >= 0, got %d", c.Calling.RateLimit))
	}
	if c.Calling.RateWindow <= 0 {
		c.Calling.RateWindow = DefaultRateWindow
	}
	if c.Calling.NotifyAutoClose <= 0 {
		c.Calling.NotifyAutoClose = DefaultNotifyAutoClose
	}

	return joinErrors(errs)
}

// DefaultRateLimit is the per-contact daily budget for the configured mode.
func (c Config) DefaultRateLimit() int {
	if c.WhatsApp.Mode == ModeProduction {
		return DefaultProductionRateLimit
	}
	return DefaultSandboxRateLimit
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

// DevLoginEnabled reports whether the credential-less development login may
// be served. Never outside local and dev.
func (c Config) DevLoginEnabled() bool {
	return c.App.Env == "local" || c.App.Env == "dev"
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

// PostgresURL is the URL form of the DSN, as required by the migrate driver.
func (c Config) PostgresURL(scheme string) string {
	return fmt.Sprintf("%s://%s:%s@%s:%d/%s?sslmode=%s",
		scheme,
		c.DB.User,
		c.DB.Password,
		c.DB.Host,
		c.DB.Port,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
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

func optionalInt(key string) (int, bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, true, nil
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
