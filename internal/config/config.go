package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/Masterminds/semver/v3"
)

type ServerConfig struct {
	Port             int      `json:"port"`
	HTTPPort         int      `json:"http_port"`
	APIToken         string   `json:"api_token"`
	AllowedOrigins   []string `json:"allowed_origins"`
	MinClientVersion string   `json:"min_client_version"`
}

type AuthConfig struct {
	// Tokens maps a client bearer token to the student id it
	// authenticates. Stands in for the external identity service.
	Tokens map[string]string `json:"tokens"`
}

type LimitsConfig struct {
	RequestsPerMinute int `json:"requests_per_minute"`
	Burst             int `json:"burst"`
}

type SessionConfig struct {
	IdleTimeoutSec   int `json:"idle_timeout_sec"`
	SweepIntervalSec int `json:"sweep_interval_sec"`
	CloseGraceSec    int `json:"close_grace_sec"`
	ResponseBudgetMS int `json:"response_budget_ms"`
}

type SelectorConfig struct {
	ZPDLow        float64 `json:"zpd_low"`
	ZPDHigh       float64 `json:"zpd_high"`
	LogisticSlope float64 `json:"logistic_slope"`
	PaceTarget    float64 `json:"pace_target"`
}

type TracerConfig struct {
	Prior float64 `json:"prior"`
	Learn float64 `json:"learn"`
	Slip  float64 `json:"slip"`
	Guess float64 `json:"guess"`
}

type DatabaseConfig struct {
	Path string `json:"path"`
}

type ContentConfig struct {
	QuestionsPath string `json:"questions_path"`
}

type BackplaneConfig struct {
	BrokerURL string `json:"broker_url"`
}

type DiscordChannelConfig struct {
	BotToken  string `json:"bot_token"`
	ChannelID string `json:"channel_id"`
}

type ChannelsConfig struct {
	Discord DiscordChannelConfig `json:"discord"`
}

type CoachConfig struct {
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Limits    LimitsConfig    `json:"limits"`
	Session   SessionConfig   `json:"session"`
	Selector  SelectorConfig  `json:"selector"`
	Tracer    TracerConfig    `json:"tracer"`
	Database  DatabaseConfig  `json:"database"`
	Content   ContentConfig   `json:"content"`
	Backplane BackplaneConfig `json:"backplane"`
	Channels  ChannelsConfig  `json:"channels"`
}

const (
	defaultRequestsPerMinute = 60
	defaultIdleTimeoutSec    = 1800
	defaultSweepIntervalSec  = 60
	defaultCloseGraceSec     = 300
	defaultResponseBudgetMS  = 2000
	defaultZPDLow            = 0.6
	defaultZPDHigh           = 0.8
	defaultLogisticSlope     = 5.0
	defaultPaceTarget        = 0.85
	defaultPrior             = 0.3
	defaultLearn             = 0.1
	defaultSlip              = 0.1
	defaultGuess             = 0.2
	defaultDatabasePath      = "./coach.db"
)

func LoadCoachConfig(path string) (*CoachConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg CoachConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := validateCoachConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validateCoachConfig(cfg *CoachConfig) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("validation error: server.port must be between 1 and 65535, got %d", cfg.Server.Port)
	}
	if cfg.Server.HTTPPort < 0 || cfg.Server.HTTPPort > 65535 {
		return fmt.Errorf("validation error: server.http_port must be between 0 and 65535, got %d", cfg.Server.HTTPPort)
	}
	if cfg.Server.MinClientVersion != "" {
		if _, err := semver.NewVersion(cfg.Server.MinClientVersion); err != nil {
			return fmt.Errorf("validation error: server.min_client_version is not a valid semver: %w", err)
		}
	}
	if len(cfg.Auth.Tokens) == 0 {
		return fmt.Errorf("validation error: auth.tokens must contain at least one token")
	}
	for token, studentID := range cfg.Auth.Tokens {
		if token == "" || studentID == "" {
			return fmt.Errorf("validation error: auth.tokens entries must have non-empty token and student id")
		}
	}
	if cfg.Content.QuestionsPath == "" {
		return fmt.Errorf("validation error: content.questions_path is required")
	}

	cfg.applyDefaults()

	if cfg.Limits.RequestsPerMinute <= 0 {
		return fmt.Errorf("validation error: limits.requests_per_minute must be positive, got %d", cfg.Limits.RequestsPerMinute)
	}
	if cfg.Selector.ZPDLow <= 0 || cfg.Selector.ZPDHigh >= 1 || cfg.Selector.ZPDLow >= cfg.Selector.ZPDHigh {
		return fmt.Errorf("validation error: selector zpd window must satisfy 0 < zpd_low < zpd_high < 1, got [%f, %f]",
			cfg.Selector.ZPDLow, cfg.Selector.ZPDHigh)
	}
	for name, v := range map[string]float64{
		"tracer.prior": cfg.Tracer.Prior,
		"tracer.learn": cfg.Tracer.Learn,
		"tracer.slip":  cfg.Tracer.Slip,
		"tracer.guess": cfg.Tracer.Guess,
	} {
		if v <= 0 || v >= 1 {
			return fmt.Errorf("validation error: %s must be in (0, 1), got %f", name, v)
		}
	}
	if cfg.Tracer.Slip+cfg.Tracer.Guess >= 1 {
		return fmt.Errorf("validation error: tracer.slip + tracer.guess must be < 1, got %f",
			cfg.Tracer.Slip+cfg.Tracer.Guess)
	}

	return nil
}

func (cfg *CoachConfig) applyDefaults() {
	if cfg.Limits.RequestsPerMinute == 0 {
		cfg.Limits.RequestsPerMinute = defaultRequestsPerMinute
	}
	if cfg.Limits.Burst <= 0 {
		cfg.Limits.Burst = cfg.Limits.RequestsPerMinute
	}
	if cfg.Session.IdleTimeoutSec <= 0 {
		cfg.Session.IdleTimeoutSec = defaultIdleTimeoutSec
	}
	if cfg.Session.SweepIntervalSec <= 0 {
		cfg.Session.SweepIntervalSec = defaultSweepIntervalSec
	}
	if cfg.Session.CloseGraceSec <= 0 {
		cfg.Session.CloseGraceSec = defaultCloseGraceSec
	}
	if cfg.Session.ResponseBudgetMS <= 0 {
		cfg.Session.ResponseBudgetMS = defaultResponseBudgetMS
	}
	if cfg.Selector.ZPDLow == 0 {
		cfg.Selector.ZPDLow = defaultZPDLow
	}
	if cfg.Selector.ZPDHigh == 0 {
		cfg.Selector.ZPDHigh = defaultZPDHigh
	}
	if cfg.Selector.LogisticSlope == 0 {
		cfg.Selector.LogisticSlope = defaultLogisticSlope
	}
	if cfg.Selector.PaceTarget == 0 {
		cfg.Selector.PaceTarget = defaultPaceTarget
	}
	if cfg.Tracer.Prior == 0 {
		cfg.Tracer.Prior = defaultPrior
	}
	if cfg.Tracer.Learn == 0 {
		cfg.Tracer.Learn = defaultLearn
	}
	if cfg.Tracer.Slip == 0 {
		cfg.Tracer.Slip = defaultSlip
	}
	if cfg.Tracer.Guess == 0 {
		cfg.Tracer.Guess = defaultGuess
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = defaultDatabasePath
	}
}
