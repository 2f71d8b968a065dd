package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Listen         string `yaml:"listen"`
		ReadTimeoutMs  int    `yaml:"read_timeout_ms"`
		WriteTimeoutMs int    `yaml:"write_timeout_ms"`
		PidFile        string `yaml:"pid_file"`
	} `yaml:"server"`

	Upstream struct {
		// BaseURL is the Gemini API origin, without a trailing slash.
		BaseURL string `yaml:"base_url"`
		Model   string `yaml:"model"`
		// APIKey is the upstream credential. Usually left empty here and
		// supplied via GEMINI_API_KEY. Its absence is not a load error:
		// requests fail with 500 until the key is configured.
		APIKey    string `yaml:"api_key"`
		TimeoutMs int    `yaml:"timeout_ms"`
	} `yaml:"upstream"`

	TrafficDump struct {
		Enabled     bool   `yaml:"enabled"`
		Dir         string `yaml:"dir"`
		FilePath    string `yaml:"file_path"`
		MaxBytes    int    `yaml:"max_bytes"`
		MaskSecrets bool   `yaml:"mask_secrets"`
	} `yaml:"traffic_dump"`

	Logging struct {
		Level         string `yaml:"level"`
		AccessLog     bool   `yaml:"access_log"`
		AccessLogPath string `yaml:"access_log_path"`
	} `yaml:"logging"`
}

// Load reads the config file at path, applies defaults and env overrides,
// and validates the result. An empty path is allowed: the relay can run on
// defaults plus environment alone.
func Load(path string) (*Config, error) {
	var cfg Config
	if strings.TrimSpace(path) != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Server.Listen) == "" {
		cfg.Server.Listen = ":8787"
	}
	if cfg.Server.ReadTimeoutMs <= 0 {
		cfg.Server.ReadTimeoutMs = 60000
	}
	if cfg.Server.WriteTimeoutMs <= 0 {
		cfg.Server.WriteTimeoutMs = 120000
	}
	if strings.TrimSpace(cfg.Upstream.BaseURL) == "" {
		cfg.Upstream.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if strings.TrimSpace(cfg.Upstream.Model) == "" {
		cfg.Upstream.Model = "gemini-2.0-flash"
	}
	if cfg.Upstream.TimeoutMs <= 0 {
		cfg.Upstream.TimeoutMs = 60000
	}
	if strings.TrimSpace(cfg.TrafficDump.Dir) == "" {
		cfg.TrafficDump.Dir = "./dumps"
	}
	if strings.TrimSpace(cfg.TrafficDump.FilePath) == "" {
		cfg.TrafficDump.FilePath = "{{.request_id}}.log"
	}
	if cfg.TrafficDump.MaxBytes == 0 {
		cfg.TrafficDump.MaxBytes = 1 * 1024 * 1024
	}
	// default true
	if !cfg.TrafficDump.MaskSecrets {
		cfg.TrafficDump.MaskSecrets = true
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	// default true for local debugging
	if !cfg.Logging.AccessLog {
		cfg.Logging.AccessLog = true
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("RELAY_LISTEN")); v != "" {
		cfg.Server.Listen = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_BASE_URL")); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_MODEL")); v != "" {
		cfg.Upstream.Model = v
	}
	if v := strings.TrimSpace(os.Getenv("GEMINI_API_KEY")); v != "" {
		cfg.Upstream.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_UPSTREAM_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Upstream.TimeoutMs = n
		}
	}
	cfg.TrafficDump.Enabled = envBool("RELAY_TRAFFIC_DUMP_ENABLED", cfg.TrafficDump.Enabled)
	if v := strings.TrimSpace(os.Getenv("RELAY_TRAFFIC_DUMP_DIR")); v != "" {
		cfg.TrafficDump.Dir = v
	}
	cfg.TrafficDump.MaskSecrets = envBool("RELAY_TRAFFIC_DUMP_MASK_SECRETS", cfg.TrafficDump.MaskSecrets)
	if v := strings.TrimSpace(os.Getenv("RELAY_READ_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.ReadTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_WRITE_TIMEOUT_MS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.WriteTimeoutMs = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("RELAY_ACCESS_LOG_PATH")); v != "" {
		cfg.Logging.AccessLogPath = v
	}
}

func validate(cfg *Config) error {
	if !strings.HasPrefix(cfg.Upstream.BaseURL, "http://") && !strings.HasPrefix(cfg.Upstream.BaseURL, "https://") {
		return errors.New("upstream.base_url must be an http(s) URL")
	}
	if cfg.TrafficDump.MaxBytes < 0 {
		return errors.New("traffic_dump.max_bytes must be non-negative")
	}
	return nil
}

func envBool(name string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}
