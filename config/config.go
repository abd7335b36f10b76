package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/tnt2402/jvm-explorer/api"
)

// EnvPrefix prefixes every environment variable, e.g. JVMX_WORKERS.
const EnvPrefix = "jvmx"

// FileEnv names the variable holding the config file path.
const FileEnv = "JVMX_CONFIG"

// Config holds the controller configuration.
type Config struct {
	// AppDir holds staged payloads and the agent log.
	AppDir string `yaml:"appDir" envconfig:"APP_DIR"`
	// PayloadDir is the source the agent payloads are staged from.
	PayloadDir string `yaml:"payloadDir" envconfig:"PAYLOAD_DIR"`
	// PayloadKey is the HotSpot agent payload, relative to PayloadDir.
	PayloadKey string `yaml:"payloadKey" envconfig:"PAYLOAD_KEY"`

	AgentHost     string       `yaml:"agentHost" envconfig:"AGENT_HOST"`
	AgentLogLevel api.LogLevel `yaml:"agentLogLevel" envconfig:"AGENT_LOG_LEVEL"`

	Workers        int           `yaml:"workers" envconfig:"WORKERS"`
	AttachTimeout  time.Duration `yaml:"attachTimeout" envconfig:"ATTACH_TIMEOUT"`
	ConnectTimeout time.Duration `yaml:"connectTimeout" envconfig:"CONNECT_TIMEOUT"`

	RendezvousDir string `yaml:"rendezvousDir" envconfig:"RENDEZVOUS_DIR"`
	HotspotTmpDir string `yaml:"hotspotTmpDir" envconfig:"HOTSPOT_TMP_DIR"`

	// EventsAddr and MetricsAddr enable the event push and metrics
	// listeners when set.
	EventsAddr  string `yaml:"eventsAddr" envconfig:"EVENTS_ADDR"`
	MetricsAddr string `yaml:"metricsAddr" envconfig:"METRICS_ADDR"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	appDir := filepath.Join(os.TempDir(), "jvmx-app")
	if dir, err := os.UserCacheDir(); err == nil {
		appDir = filepath.Join(dir, "jvmx")
	}
	payloadDir := "payloads"
	if exe, err := os.Executable(); err == nil {
		payloadDir = filepath.Join(filepath.Dir(exe), "payloads")
	}
	return &Config{
		AppDir:         appDir,
		PayloadDir:     payloadDir,
		PayloadKey:     "agents/agent.jar",
		AgentHost:      "127.0.0.1",
		AgentLogLevel:  api.LogInfo,
		Workers:        4,
		AttachTimeout:  10 * time.Second,
		ConnectTimeout: 5 * time.Second,
		RendezvousDir:  api.DefaultRendezvousDir(),
		HotspotTmpDir:  "/tmp",
	}
}

// Load builds the configuration from Default, the YAML file at path (or
// $JVMX_CONFIG when path is empty) and then the environment.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		path = os.Getenv(FileEnv)
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}
	return nil
}

// Validate rejects values no component can work with.
func (c *Config) Validate() error {
	var errs []error
	if c.AppDir == "" {
		errs = append(errs, errors.New("appDir must be set"))
	}
	if strings.Contains(c.AppDir, ";") {
		errs = append(errs, fmt.Errorf("appDir %q must not contain ';'", c.AppDir))
	}
	if !fs.ValidPath(c.PayloadKey) || c.PayloadKey == "." {
		errs = append(errs, fmt.Errorf("payloadKey %q is not a relative slash-separated path", c.PayloadKey))
	}
	if c.AgentHost == "" {
		errs = append(errs, errors.New("agentHost must be set"))
	}
	if strings.Contains(c.AgentHost, ";") {
		errs = append(errs, fmt.Errorf("agentHost %q must not contain ';'", c.AgentHost))
	}
	if _, err := api.ParseLogLevel(string(c.AgentLogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("agentLogLevel: %w", err))
	}
	if c.Workers < 1 {
		errs = append(errs, fmt.Errorf("workers must be at least 1, got %d", c.Workers))
	}
	if c.AttachTimeout <= 0 {
		errs = append(errs, errors.New("attachTimeout must be positive"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connectTimeout must be positive"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// AgentLogFile is where injected agents write their log.
func (c *Config) AgentLogFile() string {
	return filepath.Join(c.AppDir, "logs", "agent.log")
}

// PayloadSource is the file system payloads are staged from.
func (c *Config) PayloadSource() fs.FS {
	return os.DirFS(c.PayloadDir)
}
