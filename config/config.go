package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the ranking service
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Provider ProviderConfig `mapstructure:"provider"`
	Ranking  RankingConfig  `mapstructure:"ranking"`
	Quota    QuotaConfig    `mapstructure:"quota"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

// GeneralConfig contains server and auth settings
type GeneralConfig struct {
	Address   string `mapstructure:"address"`
	Debug     bool   `mapstructure:"debug"`
	LogLevel  string `mapstructure:"log_level"`
	JWTSecret string `mapstructure:"jwt_secret"`
	AdminKey  string `mapstructure:"admin_key"` // guards the credit top-up endpoint
}

func (g GeneralConfig) Validate() error {
	if strings.TrimSpace(g.JWTSecret) == "" {
		return fmt.Errorf("general.jwt_secret is required")
	}
	return nil
}

// ProviderConfig contains the remote inference endpoint settings
type ProviderConfig struct {
	APIToken string        `mapstructure:"api_token"`
	Model    string        `mapstructure:"model"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p ProviderConfig) Validate() error {
	if strings.TrimSpace(p.APIToken) == "" {
		return fmt.Errorf("provider.api_token is required")
	}
	return nil
}

// RankingConfig tunes the batching pipeline
type RankingConfig struct {
	BatchSize       int           `mapstructure:"batch_size"`
	MaxTasks        int           `mapstructure:"max_tasks"`
	MaxTotalChars   int           `mapstructure:"max_total_chars"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InterBatchDelay time.Duration `mapstructure:"inter_batch_delay"`
	GateWait        time.Duration `mapstructure:"gate_wait"`
}

// Normalize applies production defaults for unset ranking values.
func (r RankingConfig) Normalize() RankingConfig {
	if r.BatchSize <= 0 {
		r.BatchSize = 10
	}
	if r.MaxTasks <= 0 {
		r.MaxTasks = 1000
	}
	if r.MaxTotalChars <= 0 {
		r.MaxTotalChars = 1_000_000
	}
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = 5
	}
	if r.InterBatchDelay <= 0 {
		r.InterBatchDelay = 500 * time.Millisecond
	}
	if r.GateWait <= 0 {
		r.GateWait = 15 * time.Second
	}
	return r
}

// QuotaConfig sets the per-tier usage limits
type QuotaConfig struct {
	FreeMonthly   int `mapstructure:"free_monthly"`
	LightMonthly  int `mapstructure:"light_monthly"`
	ProMonthly    int `mapstructure:"pro_monthly"`
	GracePercent  int `mapstructure:"grace_percent"`
	WarnPercent   int `mapstructure:"warn_percent"`
	SignupCredits int `mapstructure:"signup_credits"`
}

// Normalize applies production defaults for unset quota values.
func (q QuotaConfig) Normalize() QuotaConfig {
	if q.FreeMonthly <= 0 {
		q.FreeMonthly = 10
	}
	if q.LightMonthly <= 0 {
		q.LightMonthly = 300
	}
	if q.ProMonthly <= 0 {
		q.ProMonthly = 1000
	}
	if q.GracePercent <= 0 {
		q.GracePercent = 20
	}
	if q.WarnPercent <= 0 {
		q.WarnPercent = 90
	}
	if q.SignupCredits <= 0 {
		q.SignupCredits = 25
	}
	return q
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis    RedisConfig    `mapstructure:"redis"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Enabled reports whether a Redis endpoint is configured. Without one
// the concurrency gate falls back to an in-process mutex.
func (r RedisConfig) Enabled() bool {
	return strings.TrimSpace(r.Host) != ""
}

func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

// PostgresConfig contains Postgres connection settings
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN renders the connection string.
func (p PostgresConfig) DSN() string {
	if strings.TrimSpace(p.URL) != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// LoadConfig loads config from file, overlaid with RANKER_* environment
// variables. A missing config file is not fatal when the environment
// carries the required settings.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
		viper.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("RANKER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv() // read in environment variables that match (RANKER_*)

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	config.Ranking = config.Ranking.Normalize()
	config.Quota = config.Quota.Normalize()

	if err := config.General.Validate(); err != nil {
		panic(err)
	}
	if err := config.Provider.Validate(); err != nil {
		panic(err)
	}
	if err := config.Storage.Postgres.Validate(); err != nil {
		panic(err)
	}
	return &config
}
