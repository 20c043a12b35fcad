package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// TokenEnvVar overrides the shared access token of both the registry and the agent.
const TokenEnvVar = "SYNC_HELPER_TOKEN"

type Config struct {
	Logger struct {
		Verbosity string `yaml:"verbosity"`
		Format    string `yaml:"format"`
	} `yaml:"logger"`
	Registry RegistryConfig `yaml:"registry"`
	Agent    AgentConfig    `yaml:"agent"`
}

type RegistryConfig struct {
	ListenAddress string        `yaml:"listenAddress"`
	ListenPort    int           `yaml:"listenPort"`
	AccessToken   string        `yaml:"accessToken"`
	DataDir       string        `yaml:"dataDir"`
	RosterPath    string        `yaml:"rosterPath"`
	MaxEndpoints  int           `yaml:"maxEndpoints"`
	MaxHistory    int           `yaml:"maxHistory"`
	FlushInterval time.Duration `yaml:"flushInterval"`
	ReadTimeout   time.Duration `yaml:"readTimeout"`
	WriteTimeout  time.Duration `yaml:"writeTimeout"`
}

type AgentConfig struct {
	IPCPath        string        `yaml:"ipcPath"`
	RegistryURL    string        `yaml:"registryURL"`
	AccessToken    string        `yaml:"accessToken"`
	MarkerDir      string        `yaml:"markerDir"`
	UpdateFlagPath string        `yaml:"updateFlagPath"`
	RepoDir        string        `yaml:"repoDir"`
	BuildID        string        `yaml:"buildId"`
	PublicIP       string        `yaml:"publicIP"`
	IPLookupURL    string        `yaml:"ipLookupURL"`
	MetricsAddress string        `yaml:"metricsAddress"`
	RequestTimeout time.Duration `yaml:"requestTimeout"`
	Intervals      struct {
		SocketPoll   time.Duration `yaml:"socketPoll"`
		StartupDelay time.Duration `yaml:"startupDelay"`
		Announce     time.Duration `yaml:"announce"`
		Peers        time.Duration `yaml:"peers"`
		UpdateCheck  time.Duration `yaml:"updateCheck"`
	} `yaml:"intervals"`
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Logger.Verbosity == "" {
		c.Logger.Verbosity = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}

	r := &c.Registry
	if r.ListenPort == 0 {
		r.ListenPort = 3000
	}
	if r.DataDir == "" {
		r.DataDir = "data"
	}
	if r.MaxEndpoints == 0 {
		r.MaxEndpoints = 1000
	}
	if r.MaxHistory == 0 {
		r.MaxHistory = 100
	}
	if r.FlushInterval == 0 {
		r.FlushInterval = 5 * time.Minute
	}
	if r.ReadTimeout == 0 {
		r.ReadTimeout = 10 * time.Second
	}
	if r.WriteTimeout == 0 {
		r.WriteTimeout = 10 * time.Second
	}

	a := &c.Agent
	if a.UpdateFlagPath == "" {
		a.UpdateFlagPath = "/var/tmp/splendor-update-completed"
	}
	if a.MarkerDir == "" && a.IPCPath != "" {
		a.MarkerDir = filepath.Dir(a.IPCPath)
	}
	if a.IPLookupURL == "" {
		a.IPLookupURL = "https://api.ipify.org?format=json"
	}
	if a.RequestTimeout == 0 {
		a.RequestTimeout = 10 * time.Second
	}
	if a.Intervals.SocketPoll == 0 {
		a.Intervals.SocketPoll = 5 * time.Second
	}
	if a.Intervals.StartupDelay == 0 {
		a.Intervals.StartupDelay = 5 * time.Second
	}
	if a.Intervals.Announce == 0 {
		a.Intervals.Announce = 15 * time.Second
	}
	if a.Intervals.Peers == 0 {
		a.Intervals.Peers = 9 * time.Second
	}
	if a.Intervals.UpdateCheck == 0 {
		a.Intervals.UpdateCheck = time.Minute
	}
}

// LoadConfig reads the YAML file at path, fills defaults and applies the
// token environment override.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var config Config
	err = yaml.Unmarshal(data, &config)
	if err != nil {
		return nil, err
	}
	config.applyDefaults()
	config.ApplyEnv()
	return &config, nil
}

// ApplyEnv applies environment overrides on top of the file values.
func (c *Config) ApplyEnv() {
	if tok := os.Getenv(TokenEnvVar); tok != "" {
		c.Registry.AccessToken = tok
		c.Agent.AccessToken = tok
	}
}

// ValidateRegistry checks the fields the registry service needs.
func (c *Config) ValidateRegistry() error {
	var errs []error
	if c.Registry.AccessToken == "" {
		errs = append(errs, errors.New("registry.accessToken is required"))
	}
	if c.Registry.ListenPort < 0 || c.Registry.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("registry.listenPort %d out of range", c.Registry.ListenPort))
	}
	if c.Registry.MaxEndpoints < 0 || c.Registry.MaxHistory < 0 {
		errs = append(errs, errors.New("registry caps must not be negative"))
	}
	return errors.Join(errs...)
}

// ValidateAgent checks the fields the sync agent needs.
func (c *Config) ValidateAgent() error {
	var errs []error
	if c.Agent.IPCPath == "" {
		errs = append(errs, errors.New("agent.ipcPath is required"))
	}
	if c.Agent.RegistryURL == "" {
		errs = append(errs, errors.New("agent.registryURL is required"))
	}
	if c.Agent.AccessToken == "" {
		errs = append(errs, errors.New("agent.accessToken is required"))
	}
	return errors.Join(errs...)
}

// ListenAddr is the host:port the registry binds to.
func (r RegistryConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.ListenAddress, r.ListenPort)
}

// GetDefaultConfigPath returns ~/.sync-helper/config.yaml, falling back to
// the working directory when the home directory is unknown.
func GetDefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.yaml"
	}
	return filepath.Join(home, ".sync-helper", "config.yaml")
}
