package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Config is the root configuration for the tourbot relay.
type Config struct {
	General  GeneralConfig  `json:"general"`
	WhatsApp WhatsAppConfig `json:"whatsapp"`
	Backend  BackendConfig  `json:"backend"`
	Memory   MemoryConfig   `json:"memory"`
	Tasks    TasksConfig    `json:"tasks"`
	Metrics  MetricsConfig  `json:"metrics"`
}

type GeneralConfig struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	LogLevel    string `json:"logLevel"`
	DefaultArea string `json:"defaultArea"`
	DefaultSite string `json:"defaultSite"`
	RepliesPath string `json:"repliesPath,omitempty"` // optional YAML overriding user-facing texts
}

type WhatsAppConfig struct {
	VerifyToken   string `json:"verifyToken"`
	AccessToken   string `json:"accessToken"`
	AppSecret     string `json:"appSecret,omitempty"`
	PhoneNumberID string `json:"phoneNumberId"`
	GraphAPIBase  string `json:"graphApiBase,omitempty"` // override for testing
	WebhookPath   string `json:"webhookPath,omitempty"`
}

type BackendConfig struct {
	BaseURL        string `json:"baseUrl"`
	APIKey         string `json:"apiKey"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type MemoryConfig struct {
	DBPath                    string `json:"dbPath"`
	MaxHistoryPerConversation int    `json:"maxHistoryPerConversation"`
	RetentionDays             int    `json:"retentionDays"`
}

// TasksConfig tunes the asynchronous processing pipeline.
type TasksConfig struct {
	TimeoutSeconds      int `json:"timeoutSeconds"`      // per-task deadline
	MaxConcurrent       int `json:"maxConcurrent"`       // concurrency ceiling, submissions beyond it are rejected
	DedupTTLSeconds     int `json:"dedupTtlSeconds"`     // duplicate-webhook suppression window
	DeliveryTTLSeconds  int `json:"deliveryTtlSeconds"`  // outbound delivery-tracking window
	ShutdownWaitSeconds int `json:"shutdownWaitSeconds"` // bounded wait for in-flight tasks on SIGTERM
}

type MetricsConfig struct {
	Enabled bool `json:"enabled"`
}

// DefaultConfigDir returns the default config directory (~/.tourbot).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tourbot"
	}
	return filepath.Join(home, ".tourbot")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Memory.DBPath = ExpandPath(cfg.Memory.DBPath)
	cfg.General.RepliesPath = ExpandPath(cfg.General.RepliesPath)
	scrubUnresolved(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // keep original if no env var and no default
		}
		return val
	})
}

// scrubUnresolved blanks credential fields whose env placeholder had no
// value, so missing secrets fail RequireCredentials instead of leaking a
// literal "${VAR}" into requests.
func scrubUnresolved(cfg *Config) {
	fields := []*string{
		&cfg.WhatsApp.VerifyToken,
		&cfg.WhatsApp.AccessToken,
		&cfg.WhatsApp.AppSecret,
		&cfg.WhatsApp.PhoneNumberID,
		&cfg.Backend.BaseURL,
		&cfg.Backend.APIKey,
	}
	for _, f := range fields {
		if envVarPattern.MatchString(*f) {
			*f = ""
		}
	}
}

func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.General.Port < 0 || cfg.General.Port > 65535 {
		errs = append(errs, "general.port must be between 0 and 65535")
	}
	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Backend.TimeoutSeconds < 1 {
		errs = append(errs, "backend.timeoutSeconds must be >= 1")
	}

	if cfg.Memory.MaxHistoryPerConversation < 1 {
		errs = append(errs, "memory.maxHistoryPerConversation must be >= 1")
	}
	if cfg.Memory.RetentionDays < 1 {
		errs = append(errs, "memory.retentionDays must be >= 1")
	}

	if cfg.Tasks.TimeoutSeconds < 1 {
		errs = append(errs, "tasks.timeoutSeconds must be >= 1")
	}
	if cfg.Tasks.MaxConcurrent < 1 || cfg.Tasks.MaxConcurrent > 1024 {
		errs = append(errs, "tasks.maxConcurrent must be between 1 and 1024")
	}
	if cfg.Tasks.DedupTTLSeconds < 1 {
		errs = append(errs, "tasks.dedupTtlSeconds must be >= 1")
	}
	if cfg.Tasks.ShutdownWaitSeconds < 1 {
		errs = append(errs, "tasks.shutdownWaitSeconds must be >= 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// RequireCredentials checks that the settings needed to talk to the outside
// world are present. Called by serve rather than Load so that offline
// commands (init, config) work on an incomplete file.
func RequireCredentials(cfg *Config) error {
	required := []struct{ name, value string }{
		{"whatsapp.verifyToken", cfg.WhatsApp.VerifyToken},
		{"whatsapp.accessToken", cfg.WhatsApp.AccessToken},
		{"whatsapp.phoneNumberId", cfg.WhatsApp.PhoneNumberID},
		{"backend.baseUrl", cfg.Backend.BaseURL},
		{"backend.apiKey", cfg.Backend.APIKey},
	}

	var missing []string
	for _, r := range required {
		if r.value == "" {
			missing = append(missing, r.name)
		}
	}
	if IsProduction() && cfg.WhatsApp.AppSecret == "" {
		missing = append(missing, "whatsapp.appSecret (required in production)")
	}

	if len(missing) > 0 {
		return fmt.Errorf("missing required settings:\n  - %s", strings.Join(missing, "\n  - "))
	}
	return nil
}

// IsProduction reports whether the process runs in a production-like
// environment. Cloud Run sets K_SERVICE, App Engine sets GAE_ENV.
func IsProduction() bool {
	return os.Getenv("K_SERVICE") != "" || os.Getenv("GAE_ENV") != ""
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
