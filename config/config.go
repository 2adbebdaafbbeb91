package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so values like "30s" can be written in YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Broker struct {
		Scheme string `yaml:"scheme"`
		Host   string `yaml:"host"`
		Port   int    `yaml:"port"`
		Token  string `yaml:"token"`
	} `yaml:"broker"`
	Topics struct {
		Message      string `yaml:"message"`
		Confirmation string `yaml:"confirmation"`
		Alert        string `yaml:"alert"`
	} `yaml:"topics"`
	Storage struct {
		Path string `yaml:"path"`
	} `yaml:"storage"`
	Sync struct {
		BaseURL string `yaml:"base_url"`
	} `yaml:"sync"`
	Reconnect struct {
		MaxRetries int      `yaml:"max_retries"`
		BaseDelay  Duration `yaml:"base_delay"`
		MaxDelay   Duration `yaml:"max_delay"`
	} `yaml:"reconnect"`
}

// Default returns the built-in configuration matching the broker and topic
// constants the mobile app shipped with.
func Default() *Config {
	cfg := &Config{}
	cfg.Broker.Scheme = "ws"
	cfg.Broker.Host = "127.0.0.1"
	cfg.Broker.Port = 9001
	cfg.Topics.Message = "abuela/mensaje"
	cfg.Topics.Confirmation = "abuela/confirmacion"
	cfg.Topics.Alert = "abuela/alerta"
	cfg.Storage.Path = "./conecta.db"
	cfg.Reconnect.MaxRetries = 5
	cfg.Reconnect.BaseDelay = Duration(time.Second)
	cfg.Reconnect.MaxDelay = Duration(30 * time.Second)
	return cfg
}

// Load reads the YAML file at path over the defaults and then applies
// environment overrides. A missing file is not an error; the defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	case os.IsNotExist(err):
		// defaults only
	default:
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CONECTA_BROKER_HOST"); v != "" {
		cfg.Broker.Host = v
	}
	if v := os.Getenv("CONECTA_BROKER_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Broker.Port = p
		}
	}
	if v := os.Getenv("CONECTA_BROKER_TOKEN"); v != "" {
		cfg.Broker.Token = v
	}
	if v := os.Getenv("CONECTA_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("CONECTA_SYNC_URL"); v != "" {
		cfg.Sync.BaseURL = v
	}
}

func (c *Config) validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("config: broker host is required")
	}
	if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
		return fmt.Errorf("config: broker port %d out of range", c.Broker.Port)
	}
	if c.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("config: reconnect max_retries must not be negative")
	}
	return nil
}

// BrokerURL builds the WebSocket endpoint, e.g. "ws://127.0.0.1:9001".
func (c *Config) BrokerURL() string {
	return fmt.Sprintf("%s://%s:%d", c.Broker.Scheme, c.Broker.Host, c.Broker.Port)
}
