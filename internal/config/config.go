package config

import (
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config holds all engine configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Catalog CatalogConfig `mapstructure:"catalog"`
	Feeds   FeedsConfig   `mapstructure:"feeds"`
	Broker  BrokerConfig  `mapstructure:"broker"`
	Relay   RelayConfig   `mapstructure:"relay"`
	Trading TradingConfig `mapstructure:"trading"`
	Storage StorageConfig `mapstructure:"storage"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

type ServerConfig struct {
	ListenHost string `mapstructure:"listen_host"`
	ListenPort int    `mapstructure:"listen_port"`
}

type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

type FeedsConfig struct {
	BrokerWSURL      string `mapstructure:"broker_ws_url"`
	ExchangeWSURL    string `mapstructure:"exchange_ws_url"`
	ReconnectDelayMs int    `mapstructure:"reconnect_delay_ms"`
	PingIntervalMs   int    `mapstructure:"ping_interval_ms"`
}

type BrokerConfig struct {
	OrderURL       string `mapstructure:"order_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

type RelayConfig struct {
	URL string `mapstructure:"url"`
}

type TradingConfig struct {
	// Capital sizes paper entries: qty = ceil(capital / (lot * ltp)).
	Capital int `mapstructure:"capital"`

	EventBufferSize int `mapstructure:"event_buffer_size"`
}

type StorageConfig struct {
	SQLitePath string `mapstructure:"sqlite_path"`
}

type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// Manager handles config loading and hot-reload
type Manager struct {
	mu       sync.RWMutex
	config   *Config
	viper    *viper.Viper
	onChange func(*Config)
}

// NewManager creates a new config manager
func NewManager(configPath string) (*Manager, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("server.listen_host", "0.0.0.0")
	v.SetDefault("server.listen_port", 8787)
	v.SetDefault("catalog.path", "./config/instruments.json")
	v.SetDefault("feeds.reconnect_delay_ms", 3000)
	v.SetDefault("feeds.ping_interval_ms", 30000)
	v.SetDefault("broker.timeout_seconds", 10)
	v.SetDefault("trading.capital", 100_000)
	v.SetDefault("trading.event_buffer_size", 1024)
	v.SetDefault("storage.sqlite_path", "./data/state.db")
	v.SetDefault("metrics.listen_addr", ":9090")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.Trading.Capital <= 0 {
		cfg.Trading.Capital = 100_000
	}

	m := &Manager{
		config: &cfg,
		viper:  v,
	}

	// Watch for config changes
	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		log.Info().Str("file", e.Name).Msg("config file changed, reloading")
		m.reload()
	})

	return m, nil
}

// Get returns the current config (thread-safe)
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// SetOnChange registers a callback for config changes
func (m *Manager) SetOnChange(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onChange = fn
}

func (m *Manager) reload() {
	m.mu.Lock()
	defer m.mu.Unlock()

	var cfg Config
	if err := m.viper.Unmarshal(&cfg); err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config on reload")
		return
	}
	if cfg.Trading.Capital <= 0 {
		cfg.Trading.Capital = 100_000
	}

	m.config = &cfg
	if m.onChange != nil {
		m.onChange(&cfg)
	}
}

// GetCapital returns the paper sizing capital (most frequently accessed)
func (m *Manager) GetCapital() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Trading.Capital
}

// GetRelayURL returns the webhook relay target, "" when disabled
func (m *Manager) GetRelayURL() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config.Relay.URL
}

// GetReconnectDelay returns the feed reconnect delay as duration
func (m *Manager) GetReconnectDelay() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Feeds.ReconnectDelayMs) * time.Millisecond
}

// GetPingInterval returns the feed ping interval as duration
func (m *Manager) GetPingInterval() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Feeds.PingIntervalMs) * time.Millisecond
}

// GetBrokerTimeout returns the order post timeout as duration
func (m *Manager) GetBrokerTimeout() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return time.Duration(m.config.Broker.TimeoutSeconds) * time.Second
}
