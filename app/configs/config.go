package config

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Completer CompleterConfig `yaml:"completer"`
	Triage    TriageConfig    `yaml:"triage"`
	Realtime  RealtimeConfig  `yaml:"realtime"`
	LogDebug  bool            `yaml:"log_debug"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type StorageConfig struct {
	DataDir        string `yaml:"data_dir"`
	QueryTimeoutMS int    `yaml:"query_timeout_ms"`
	SeedRoster     bool   `yaml:"seed_roster"`
}

type CompleterConfig struct {
	APIKey     string `yaml:"api_key"`
	BaseURL    string `yaml:"base_url"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

type TriageConfig struct {
	AutoApprove      bool `yaml:"auto_approve"`
	SnapshotMembers  int  `yaml:"snapshot_members_limit"`
	CommitTimeoutSec int  `yaml:"commit_timeout_sec"`
	PendingTTLMin    int  `yaml:"pending_ttl_min"`
}

type RealtimeConfig struct {
	HeartbeatSec int `yaml:"heartbeat_sec"`
}

type Manager struct {
	path string
	mu   sync.RWMutex
	cfg  Config
}

func DefaultPath() string {
	return filepath.Join("config", "config.yaml")
}

func NewManager(path string) (*Manager, error) {
	mgr := &Manager{
		path: path,
		cfg:  defaultConfig(),
	}
	if err := mgr.load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}
	if err := mgr.save(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) Path() string {
	return m.path
}

func (m *Manager) Update(apply func(*Config)) (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	apply(&m.cfg)
	applyDefaults(&m.cfg)
	if err := m.saveLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

// Reload re-reads the config file, used by the fsnotify watcher.
func (m *Manager) Reload() (Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.loadLocked(); err != nil {
		return Config{}, err
	}
	return m.cfg, nil
}

func (m *Manager) load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked()
}

func (m *Manager) loadLocked() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var fileCfg Config
	if err := yaml.Unmarshal(data, &fileCfg); err != nil {
		return err
	}
	m.cfg = fileCfg
	applyDefaults(&m.cfg)
	applyEnvOverrides(&m.cfg)
	return nil
}

func (m *Manager) save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

func (m *Manager) saveLocked() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(m.cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, data, 0644)
}

func defaultConfig() Config {
	cfg := Config{}
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = filepath.Join("output", "db")
	}
	if cfg.Storage.QueryTimeoutMS <= 0 {
		cfg.Storage.QueryTimeoutMS = 5000
	}
	if cfg.Completer.BaseURL == "" {
		cfg.Completer.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Completer.Model == "" {
		cfg.Completer.Model = "gpt-4o-mini"
	}
	if cfg.Completer.TimeoutSec <= 0 {
		cfg.Completer.TimeoutSec = 45
	}
	if cfg.Triage.SnapshotMembers <= 0 {
		cfg.Triage.SnapshotMembers = 50
	}
	if cfg.Triage.CommitTimeoutSec <= 0 {
		cfg.Triage.CommitTimeoutSec = 10
	}
	if cfg.Triage.PendingTTLMin <= 0 {
		cfg.Triage.PendingTTLMin = 60
	}
	if cfg.Realtime.HeartbeatSec <= 0 {
		cfg.Realtime.HeartbeatSec = 25
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("OPSDESK_API_KEY"); v != "" {
		cfg.Completer.APIKey = v
	}
	if v := os.Getenv("OPSDESK_BASE_URL"); v != "" {
		cfg.Completer.BaseURL = v
	}
	if v := os.Getenv("OPSDESK_MODEL"); v != "" {
		cfg.Completer.Model = v
	}
	if v := os.Getenv("OPSDESK_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("OPSDESK_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
}
