package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DBConfig is the single source of database connection settings. Both the
// raw pgx access path and the GORM models are built from it.
type DBConfig struct {
	Host     string `mapstructure:"DB_HOST"`
	Port     int    `mapstructure:"DB_PORT"`
	Database string `mapstructure:"DB_NAME"`
	User     string `mapstructure:"DB_USER"`
	Password string `mapstructure:"DB_PASSWORD"`
	SSLMode  string `mapstructure:"DB_SSLMODE"`
}

// URL renders the settings as a postgres:// connection string.
func (d DBConfig) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   net.JoinHostPort(d.Host, strconv.Itoa(d.Port)),
		Path:   "/" + d.Database,
	}
	if d.Password != "" {
		u.User = url.UserPassword(d.User, d.Password)
	} else if d.User != "" {
		u.User = url.User(d.User)
	}
	if d.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {d.SSLMode}}.Encode()
	}
	return u.String()
}

type Config struct {
	Port        string        `mapstructure:"PORT"`
	Env         string        `mapstructure:"ENV"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DB          DBConfig      `mapstructure:",squash"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins []string      `mapstructure:"CORS_ORIGINS"`
	HSTSMaxAge  time.Duration `mapstructure:"HSTS_MAX_AGE"`

	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	QueryTimeout     time.Duration `mapstructure:"QUERY_TIMEOUT"`
	QueryConcurrency int           `mapstructure:"QUERY_CONCURRENCY"`

	TrendMonths             int     `mapstructure:"TREND_MONTHS"`
	MonthlyAdmissionsMonths int     `mapstructure:"MONTHLY_ADMISSIONS_MONTHS"`
	RiskFactorLimit         int     `mapstructure:"RISK_FACTOR_LIMIT"`
	NotifiedLimit           int     `mapstructure:"NOTIFIED_LIMIT"`
	PatientSatisfactionRate float64 `mapstructure:"PATIENT_SATISFACTION_RATE"`

	PredictionProviders  []string      `mapstructure:"PREDICTION_PROVIDERS"`
	PredictionURL        string        `mapstructure:"PREDICTION_URL"`
	PredictionTimeout    time.Duration `mapstructure:"PREDICTION_TIMEOUT"`
	PredictionMaxRetries int           `mapstructure:"PREDICTION_MAX_RETRIES"`
	GeminiAPIKey         string        `mapstructure:"GEMINI_API_KEY"`
	GeminiModel          string        `mapstructure:"GEMINI_MODEL"`
	GeminiBaseURL        string        `mapstructure:"GEMINI_BASE_URL"`
}

var envKeys = []string{
	"PORT", "ENV", "DATABASE_URL",
	"DB_HOST", "DB_PORT", "DB_NAME", "DB_USER", "DB_PASSWORD", "DB_SSLMODE",
	"DB_MAX_CONNS", "DB_MIN_CONNS", "CORS_ORIGINS", "HSTS_MAX_AGE",
	"REQUEST_TIMEOUT", "QUERY_TIMEOUT", "QUERY_CONCURRENCY",
	"TREND_MONTHS", "MONTHLY_ADMISSIONS_MONTHS", "RISK_FACTOR_LIMIT", "NOTIFIED_LIMIT",
	"PATIENT_SATISFACTION_RATE",
	"PREDICTION_PROVIDERS", "PREDICTION_URL", "PREDICTION_TIMEOUT", "PREDICTION_MAX_RETRIES",
	"GEMINI_API_KEY", "GEMINI_MODEL", "GEMINI_BASE_URL",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "5000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_NAME", "mimic_4")
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CORS_ORIGINS", "http://localhost:5173")
	v.SetDefault("HSTS_MAX_AGE", "0s")
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("QUERY_TIMEOUT", "5s")
	v.SetDefault("QUERY_CONCURRENCY", 4)
	v.SetDefault("TREND_MONTHS", 10)
	v.SetDefault("MONTHLY_ADMISSIONS_MONTHS", 7)
	v.SetDefault("RISK_FACTOR_LIMIT", 10)
	v.SetDefault("NOTIFIED_LIMIT", 50)
	v.SetDefault("PATIENT_SATISFACTION_RATE", 95)
	v.SetDefault("PREDICTION_PROVIDERS", "heuristic")
	v.SetDefault("PREDICTION_TIMEOUT", "20s")
	v.SetDefault("PREDICTION_MAX_RETRIES", 3)
	v.SetDefault("GEMINI_MODEL", "gemini-1.5-flash")
	v.SetDefault("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range envKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	cfg.PredictionProviders = splitList(v.GetString("PREDICTION_PROVIDERS"))

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, strings.ToLower(p))
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// ConnString returns DATABASE_URL when set, otherwise the URL assembled from
// the DB_* settings.
func (c *Config) ConnString() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return c.DB.URL()
}

// Validate checks that the configuration is usable before any connection is
// attempted.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		if c.DB.Host == "" {
			return fmt.Errorf("DB_HOST is required when DATABASE_URL is not set")
		}
		if c.DB.Database == "" {
			return fmt.Errorf("DB_NAME is required when DATABASE_URL is not set")
		}
		if c.DB.Port <= 0 || c.DB.Port > 65535 {
			return fmt.Errorf("DB_PORT must be between 1 and 65535, got %d", c.DB.Port)
		}
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) must not exceed DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.HSTSMaxAge < 0 {
		return fmt.Errorf("HSTS_MAX_AGE must not be negative")
	}
	if c.QueryTimeout <= 0 {
		return fmt.Errorf("QUERY_TIMEOUT must be positive")
	}
	if c.QueryConcurrency < 1 {
		return fmt.Errorf("QUERY_CONCURRENCY must be at least 1")
	}
	if c.TrendMonths < 1 || c.MonthlyAdmissionsMonths < 1 {
		return fmt.Errorf("TREND_MONTHS and MONTHLY_ADMISSIONS_MONTHS must be at least 1")
	}

	for _, p := range c.PredictionProviders {
		switch p {
		case "heuristic":
		case "http":
			if c.PredictionURL == "" {
				return fmt.Errorf("PREDICTION_URL is required for the http prediction provider")
			}
		case "gemini":
			if c.GeminiAPIKey == "" {
				return fmt.Errorf("GEMINI_API_KEY is required for the gemini prediction provider")
			}
		default:
			return fmt.Errorf("unknown prediction provider %q (want heuristic, http or gemini)", p)
		}
	}

	return nil
}
