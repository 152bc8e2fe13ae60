// Package config provides a reusable loader for anonet configuration
// files and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"anonet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config mirrors the configuration sections of spec.md §6. The loader
// itself (on-disk file parsing) is an out-of-scope collaborator; this
// struct only names the keys the core consumes.
type Config struct {
	FS struct {
		QuotaMB        uint64 `mapstructure:"quota" json:"quota"`
		Dir            string `mapstructure:"dir" json:"dir"`
		IndexDirectory string `mapstructure:"index-directory" json:"index_directory"`
	} `mapstructure:"fs" json:"fs"`

	Gnunetd struct {
		Home               string `mapstructure:"gnunetd_home" json:"home"`
		Hosts              string `mapstructure:"hosts" json:"hosts"`
		DisableAutoconnect bool   `mapstructure:"disable-autoconnect" json:"disable_autoconnect"`
	} `mapstructure:"gnunetd" json:"gnunetd"`

	Network struct {
		Port    int      `mapstructure:"port" json:"port"`
		Trusted []string `mapstructure:"trusted" json:"trusted"`

		ListenAddr     string   `mapstructure:"listen_addr" json:"listen_addr"`
		DiscoveryTag   string   `mapstructure:"discovery_tag" json:"discovery_tag"`
		BootstrapPeers []string `mapstructure:"bootstrap_peers" json:"bootstrap_peers"`
	} `mapstructure:"network" json:"network"`

	Load struct {
		MaxNetDownBpsTotal uint64 `mapstructure:"maxnetdownbpstotal" json:"max_net_down_bps_total"`
		MaxNetUpBpsTotal   uint64 `mapstructure:"maxnetupbpstotal" json:"max_net_up_bps_total"`
	} `mapstructure:"load" json:"load"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		File  string `mapstructure:"file" json:"file"`
	} `mapstructure:"logging" json:"logging"`
}

// QuotaBytes returns FS.QuotaMB converted to bytes.
func (c *Config) QuotaBytes() uint64 { return c.FS.QuotaMB * 1024 * 1024 }

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// defaults applied before any file/env override is read.
func setDefaults() {
	viper.SetDefault("fs.quota", uint64(1024))
	viper.SetDefault("fs.dir", "~/.anonet/data")
	viper.SetDefault("fs.index-directory", "~/.anonet/data/ondemand")
	viper.SetDefault("network.port", 2087)
	viper.SetDefault("network.listen_addr", "/ip4/0.0.0.0/tcp/2087")
	viper.SetDefault("network.discovery_tag", "anonet")
	viper.SetDefault("gnunetd.gnunetd_home", "~/.anonet")
	viper.SetDefault("load.maxnetdownbpstotal", uint64(50_000))
	viper.SetDefault("load.maxnetupbpstotal", uint64(50_000))
	viper.SetDefault("logging.level", "info")
}

// Load reads configuration files and merges any environment-specific
// overrides. The resulting configuration is stored in AppConfig and
// returned. If env is empty, only the default configuration is loaded.
func Load(env string) (*Config, error) {
	setDefaults()
	viper.SetConfigName("anonet")
	viper.AddConfigPath(".")
	viper.AddConfigPath("/etc/anonet")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, utils.Wrap(err, "load config")
		}
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("ANONET")

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the ANONET_ENV environment variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("ANONET_ENV", ""))
}

// MaintenanceInterval is the cadence of the datastore maintenance loop
// (spec.md §4.4).
const MaintenanceInterval = 10 * time.Second
