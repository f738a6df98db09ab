// Package config loads the Receipt Processing Core's configuration,
// layering flags over environment variables (including any loaded from a
// local .env file) over a YAML file over built-in defaults. See
// SPEC_FULL.md §6 (A1).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is every tunable the core reads at startup. Field names mirror
// the RECEIPT_<FIELD> environment variable convention (e.g. DataDir binds
// to RECEIPT_DATA_DIR).
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	LogLevel string `mapstructure:"log_level"`
	LogPretty bool  `mapstructure:"log_pretty"`

	LLMAPIKey          string `mapstructure:"llm_api_key"`
	LLMBaseURL         string `mapstructure:"llm_base_url"`
	LLMExtractionModel string `mapstructure:"llm_extraction_model"`
	LLMCategorizeModel string `mapstructure:"llm_categorize_model"`
	LLMVisionHeader      string `mapstructure:"llm_vision_header"`
	LLMVisionHeaderValue string `mapstructure:"llm_vision_header_value"`

	OAuthClientID     string `mapstructure:"oauth_client_id"`
	OAuthClientSecret string `mapstructure:"oauth_client_secret"`
	OAuthTokenURL     string `mapstructure:"oauth_token_url"`
	OAuthAuthURL      string `mapstructure:"oauth_auth_url"`
	OAuthRedirectURL  string `mapstructure:"oauth_redirect_url"`

	AccountingBaseURL string `mapstructure:"accounting_base_url"`

	RateLimitRPM          int    `mapstructure:"rate_limit_rpm"`
	RateLimitRPD          int    `mapstructure:"rate_limit_rpd"`
	RateLimitReferenceZone string `mapstructure:"rate_limit_reference_zone"`

	CacheTTL time.Duration `mapstructure:"cache_ttl"`

	RulesPath string `mapstructure:"rules_path"`

	ServerPort    int    `mapstructure:"server_port"`
	ServerDebug   bool   `mapstructure:"server_debug"`
	BatchParallel int    `mapstructure:"batch_parallel"`
}

const envPrefix = "RECEIPT"

// Load builds a Config from, in ascending precedence: built-in defaults,
// the YAML file named by configPath or the default .receipt-processor.yaml
// search path, environment variables prefixed RECEIPT_, and finally flags
// already parsed onto fs. A local .env file, if present, is first loaded
// into the process environment without overriding variables already set,
// so its entries rank as environment variables.
func Load(configPath string, fs *pflag.FlagSet) (*Config, error) {
	_ = godotenv.Load() // a missing .env is not an error; env vars may be set directly

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(".receipt-processor")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME")
	if configPath != "" {
		v.SetConfigFile(configPath)
	}
	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)

	v.SetDefault("llm_base_url", "https://api.openai.com/v1")
	v.SetDefault("llm_extraction_model", "gpt-4o")
	v.SetDefault("llm_categorize_model", "gpt-4o-mini")

	v.SetDefault("rate_limit_rpm", 60)
	v.SetDefault("rate_limit_rpd", 10000)
	v.SetDefault("rate_limit_reference_zone", "America/Los_Angeles")

	v.SetDefault("cache_ttl", 15*time.Minute)

	v.SetDefault("rules_path", "./rules.toml")

	v.SetDefault("server_port", 8080)
	v.SetDefault("server_debug", false)
	v.SetDefault("batch_parallel", 1)
}
