// internal/config/config.go
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// IngestConfig covers the ingestion boundary.
type IngestConfig struct {
	SyslogListen string        `yaml:"syslog_listen"`
	ClockSkewMax time.Duration `yaml:"clock_skew_max"`
}

// TrackerConfig drives the per-device state machines.
type TrackerConfig struct {
	CheckInterval        time.Duration `yaml:"check_interval"`
	MissThreshold        int           `yaml:"miss_threshold"`
	FlapThreshold        int           `yaml:"flap_threshold"`
	FlapWindow           time.Duration `yaml:"flap_window"`
	EwmaAlpha            float64       `yaml:"ewma_alpha"`
	OfflineCriticalAfter time.Duration `yaml:"offline_critical_after"`
	EvictAfter           time.Duration `yaml:"evict_after"`
}

// WifiConfig holds the fixed classification policy, overridable per site.
type WifiConfig struct {
	SignalGoodDbm         float64 `yaml:"signal_good_dbm"`
	SignalPoorDbm         float64 `yaml:"signal_poor_dbm"`
	CongestionModeratePct float64 `yaml:"congestion_moderate_pct"`
	CongestionHighPct     float64 `yaml:"congestion_congested_pct"`
	PoorSignalStreak      int     `yaml:"poor_signal_streak"`
	AuthFailureThreshold  int     `yaml:"auth_failure_threshold"`
}

// AnalysisConfig drives windowing and rule thresholds.
type AnalysisConfig struct {
	FrequencyMinutes    int           `yaml:"frequency_minutes"`
	MaxLogsPerAnalysis  int           `yaml:"max_logs_per_analysis"`
	ConfidenceThreshold float64       `yaml:"confidence_threshold"`
	PacketLossWarning   float64       `yaml:"packet_loss_warning"`
	PacketLossCritical  float64       `yaml:"packet_loss_critical"`
	LatencyWarningMs    float64       `yaml:"latency_warning_ms"`
	LatencyCriticalMs   float64       `yaml:"latency_critical_ms"`
	WifiClientsWarning  int           `yaml:"wifi_clients_warning"`
	LeaseExpiryHorizon  time.Duration `yaml:"lease_expiry_horizon"`
	ScorerTimeout       time.Duration `yaml:"scorer_timeout"`
}

// ScorerEndpoint represents one scoring provider in the fallback chain.
type ScorerEndpoint struct {
	URL       string `yaml:"url"`
	Model     string `yaml:"model"`
	APIKeyEnv string `yaml:"api_key_env"` // env var name for API key
	APIKey    string `yaml:"-"`           // resolved at load time
}

// ScorerConfig configures the external scoring collaborator.
type ScorerConfig struct {
	Endpoints []ScorerEndpoint `yaml:"endpoints"`
}

// StorageConfig covers the report store and checkpoint.
type StorageConfig struct {
	Dir            string  `yaml:"dir"`
	RetentionDays  int     `yaml:"retention_days"`
	MaxSizeGB      float64 `yaml:"max_size_gb"`
	CheckpointPath string  `yaml:"checkpoint_path"`
}

// Config is the immutable configuration snapshot threaded through every
// constructor. Reloading builds a new Config; nothing mutates one in place.
type Config struct {
	// MetricsListen enables the Prometheus exposition endpoint when set,
	// e.g. ":9477". Empty disables it.
	MetricsListen string `yaml:"metrics_listen"`

	Ingest   IngestConfig   `yaml:"ingest"`
	Tracker  TrackerConfig  `yaml:"tracker"`
	Wifi     WifiConfig     `yaml:"wifi"`
	Analysis AnalysisConfig `yaml:"analysis"`
	Scorer   ScorerConfig   `yaml:"scorer"`
	Storage  StorageConfig  `yaml:"storage"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Ingest: IngestConfig{
			SyslogListen: ":5514",
			ClockSkewMax: 5 * time.Minute,
		},
		Tracker: TrackerConfig{
			CheckInterval:        time.Minute,
			MissThreshold:        3,
			FlapThreshold:        3,
			FlapWindow:           10 * time.Minute,
			EwmaAlpha:            0.3,
			OfflineCriticalAfter: 30 * time.Minute,
			EvictAfter:           24 * time.Hour,
		},
		Wifi: WifiConfig{
			SignalGoodDbm:         -50,
			SignalPoorDbm:         -70,
			CongestionModeratePct: 20,
			CongestionHighPct:     50,
			PoorSignalStreak:      3,
			AuthFailureThreshold:  5,
		},
		Analysis: AnalysisConfig{
			FrequencyMinutes:    5,
			MaxLogsPerAnalysis:  2000,
			ConfidenceThreshold: 0.6,
			PacketLossWarning:   1.0,
			PacketLossCritical:  5.0,
			LatencyWarningMs:    100,
			LatencyCriticalMs:   500,
			WifiClientsWarning:  100,
			LeaseExpiryHorizon:  time.Hour,
			ScorerTimeout:       10 * time.Second,
		},
		Storage: StorageConfig{
			Dir:           "/var/lib/sentinel",
			RetentionDays: 30,
			MaxSizeGB:     1,
		},
	}
}

// Load reads a YAML config file, layers it over the defaults, applies env
// overrides and resolves scorer API keys from the environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	// Env overrides
	if dir := os.Getenv("SENTINEL_STORAGE_DIR"); dir != "" {
		cfg.Storage.Dir = dir
	}
	if addr := os.Getenv("SENTINEL_SYSLOG_LISTEN"); addr != "" {
		cfg.Ingest.SyslogListen = addr
	}

	// Resolve API keys for each scorer endpoint from env vars
	for i := range cfg.Scorer.Endpoints {
		if cfg.Scorer.Endpoints[i].APIKeyEnv != "" {
			cfg.Scorer.Endpoints[i].APIKey = os.Getenv(cfg.Scorer.Endpoints[i].APIKeyEnv)
		}
	}

	if cfg.Storage.CheckpointPath == "" {
		cfg.Storage.CheckpointPath = cfg.Storage.Dir + "/checkpoint.db"
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if c.Tracker.CheckInterval <= 0 {
		return fmt.Errorf("tracker.check_interval must be positive, got %v", c.Tracker.CheckInterval)
	}
	if c.Tracker.FlapWindow <= 0 {
		return fmt.Errorf("tracker.flap_window must be positive, got %v", c.Tracker.FlapWindow)
	}
	if c.Tracker.EvictAfter <= 0 {
		return fmt.Errorf("tracker.evict_after must be positive, got %v", c.Tracker.EvictAfter)
	}
	if c.Tracker.MissThreshold < 1 {
		return fmt.Errorf("tracker.miss_threshold must be >= 1, got %d", c.Tracker.MissThreshold)
	}
	if c.Tracker.FlapThreshold < 2 {
		return fmt.Errorf("tracker.flap_threshold must be >= 2, got %d", c.Tracker.FlapThreshold)
	}
	if c.Tracker.EwmaAlpha <= 0 || c.Tracker.EwmaAlpha > 1 {
		return fmt.Errorf("tracker.ewma_alpha must be in (0, 1], got %v", c.Tracker.EwmaAlpha)
	}
	if c.Analysis.FrequencyMinutes < 1 {
		return fmt.Errorf("analysis.frequency_minutes must be >= 1, got %d", c.Analysis.FrequencyMinutes)
	}
	if c.Analysis.MaxLogsPerAnalysis < 1 {
		return fmt.Errorf("analysis.max_logs_per_analysis must be >= 1, got %d", c.Analysis.MaxLogsPerAnalysis)
	}
	if c.Wifi.SignalGoodDbm <= c.Wifi.SignalPoorDbm {
		return fmt.Errorf("wifi.signal_good_dbm must exceed signal_poor_dbm")
	}
	if c.Storage.RetentionDays < 1 {
		return fmt.Errorf("storage.retention_days must be >= 1, got %d", c.Storage.RetentionDays)
	}
	return nil
}

// Frequency returns the analysis window duration.
func (c *Config) Frequency() time.Duration {
	return time.Duration(c.Analysis.FrequencyMinutes) * time.Minute
}

// MaxStoreBytes converts the configured GB cap to bytes.
func (c *Config) MaxStoreBytes() int64 {
	return int64(c.Storage.MaxSizeGB * 1024 * 1024 * 1024)
}
