package config

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for the economy coordinator
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	P2P      P2PConfig      `toml:"p2p"`
	Auth     AuthConfig     `toml:"auth"`
	Economy  EconomyConfig  `toml:"economy"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"`
	ReadTimeout  int    `toml:"read_timeout"`
	WriteTimeout int    `toml:"write_timeout"`
}

// DatabaseConfig holds database configuration. Driver selects the backend:
// "sqlite" for a single-node deployment, "postgres" for a hosted one.
type DatabaseConfig struct {
	Driver         string `toml:"driver"`
	Path           string `toml:"path"` // sqlite only
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	Database       string `toml:"database"`
	SSLMode        string `toml:"ssl_mode"`
	MigrationsPath string `toml:"migrations_path"`
}

// P2PConfig holds libp2p configuration for challenge delivery
type P2PConfig struct {
	ListenAddresses []string `toml:"listen_addresses"`
	BootstrapPeers  []string `toml:"bootstrap_peers"`
	EnableTCP       bool     `toml:"enable_tcp"`
	EnableQUIC      bool     `toml:"enable_quic"`
}

// AuthConfig holds authentication settings
type AuthConfig struct {
	JWTSecret      string `toml:"jwt_secret"`
	JWTExpiryHours int    `toml:"jwt_expiry_hours"`
	NodeAPIKey     string `toml:"node_api_key"`
}

// EconomyConfig holds the storage economy parameters
type EconomyConfig struct {
	ContributionRatio           int64   `toml:"contribution_ratio"`
	FreeStorageBytes            int64   `toml:"free_storage_bytes"`
	FreeUploadBytes             int64   `toml:"free_upload_bytes"`
	FreeDownloadBytes           int64   `toml:"free_download_bytes"`
	VerifyIntervalHours         int     `toml:"verify_interval_hours"`
	VerifyTimeoutMinutes        int     `toml:"verify_timeout_minutes"`
	VerifyMinResponseSeconds    int     `toml:"verify_min_response_seconds"`
	MaxFailedVerifications      int     `toml:"max_failed_verifications"`
	FailedWindowHours           int     `toml:"failed_window_hours"`
	DifficultyLevels            int     `toml:"difficulty_levels"`
	StreakBonusK                int     `toml:"streak_bonus_k"`
	StreakBonusBytes            int64   `toml:"streak_bonus_bytes"`
	StreakBonusMaxBytes         int64   `toml:"streak_bonus_max_bytes"`
	MinReputationForContributor float64 `toml:"min_reputation_for_contributor"`
	ReputationDecayPerDay       float64 `toml:"reputation_decay_per_day"`
	HardReputationFloor         float64 `toml:"hard_reputation_floor"`
	UploadReputationFloor       float64 `toml:"upload_reputation_floor"`
	SchedulerPeriodSeconds      int     `toml:"scheduler_period_seconds"`
	SchedulerBatch              int     `toml:"scheduler_batch"`
}

// Load loads configuration from TOML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := toml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.SetDefaults()

	return &config, nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.SetDefaults()
	return cfg
}

// DatabaseURL returns the PostgreSQL connection URL
func (c *DatabaseConfig) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// SetDefaults sets default values for config
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = "data/economy.db"
	}
	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 5432
	}
	if c.Database.User == "" {
		c.Database.User = "postgres"
	}
	if c.Database.Database == "" {
		c.Database.Database = "economy"
	}
	if c.Database.SSLMode == "" {
		c.Database.SSLMode = "disable"
	}
	if c.Database.MigrationsPath == "" {
		c.Database.MigrationsPath = "./migrations"
	}
	if !c.P2P.EnableTCP && !c.P2P.EnableQUIC {
		c.P2P.EnableTCP = true
		c.P2P.EnableQUIC = true
	}
	if c.Auth.JWTExpiryHours == 0 {
		c.Auth.JWTExpiryHours = 24
	}
	e := &c.Economy
	if e.ContributionRatio == 0 {
		e.ContributionRatio = 4
	}
	if e.FreeStorageBytes == 0 {
		e.FreeStorageBytes = 100 * 1024 * 1024 // 100 MiB
	}
	if e.FreeUploadBytes == 0 {
		e.FreeUploadBytes = 1024 * 1024 * 1024 // 1 GiB per period
	}
	if e.FreeDownloadBytes == 0 {
		e.FreeDownloadBytes = 2 * 1024 * 1024 * 1024 // 2 GiB per period
	}
	if e.VerifyIntervalHours == 0 {
		e.VerifyIntervalHours = 24
	}
	if e.VerifyTimeoutMinutes == 0 {
		e.VerifyTimeoutMinutes = 60
	}
	if e.VerifyMinResponseSeconds == 0 {
		e.VerifyMinResponseSeconds = 30
	}
	if e.MaxFailedVerifications == 0 {
		e.MaxFailedVerifications = 3
	}
	if e.FailedWindowHours == 0 {
		e.FailedWindowHours = 7 * 24
	}
	if e.DifficultyLevels == 0 {
		e.DifficultyLevels = 5
	}
	if e.StreakBonusK == 0 {
		e.StreakBonusK = 7
	}
	if e.StreakBonusBytes == 0 {
		e.StreakBonusBytes = 64 * 1024 * 1024 // 64 MiB per streak bonus
	}
	if e.StreakBonusMaxBytes == 0 {
		e.StreakBonusMaxBytes = 1024 * 1024 * 1024 // 1 GiB cap
	}
	if e.MinReputationForContributor == 0 {
		e.MinReputationForContributor = 75.0
	}
	if e.ReputationDecayPerDay == 0 {
		e.ReputationDecayPerDay = 0.1
	}
	if e.HardReputationFloor == 0 {
		e.HardReputationFloor = 20.0
	}
	if e.UploadReputationFloor == 0 {
		e.UploadReputationFloor = 10.0
	}
	if e.SchedulerPeriodSeconds == 0 {
		e.SchedulerPeriodSeconds = 60
	}
	if e.SchedulerBatch == 0 {
		e.SchedulerBatch = 100
	}
}
