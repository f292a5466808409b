package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFile represents the config.toml structure.
type ConfigFile struct {
	ListenAddr      string `toml:"listen_addr"`
	ProxyURL        string `toml:"proxy_url"` // outbound HTTP proxy for upstream calls
	ImageBaseURL    string `toml:"image_base_url"`
	ImageCacheDir   string `toml:"image_cache_dir"`
	ImageTTLMinutes int    `toml:"image_ttl_minutes"`
	DBPath          string `toml:"db_path"`
	RetentionDays   int    `toml:"retention_days"`
	LanguageCode    string `toml:"language_code"`
	TimeZone        string `toml:"time_zone"`
	Debug           bool   `toml:"debug"`

	Models []string `toml:"models"`

	Accounts []AccountConfig `toml:"accounts"`
}

// AccountConfig is one [[accounts]] entry. The availability fields are
// written back by the proxy when an account is marked unavailable or
// re-enabled, so disabled state survives restarts.
type AccountConfig struct {
	TeamID     string `toml:"team_id"`
	SecureCSes string `toml:"secure_c_ses"`
	HostCOses  string `toml:"host_c_oses"`
	Csesidx    string `toml:"csesidx"`
	UserAgent  string `toml:"user_agent,omitempty"`

	Disabled          bool   `toml:"disabled,omitempty"`
	UnavailableReason string `toml:"unavailable_reason,omitempty"`
	UnavailableTime   string `toml:"unavailable_time,omitempty"`
}

// loadConfigFile loads config.toml if it exists.
// Returns nil if the file doesn't exist.
func loadConfigFile(path string) (*ConfigFile, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, nil
	}

	var cfg ConfigFile
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// saveConfigFile writes the config atomically: encode to a temp file in the
// same directory, then rename over the original.
func saveConfigFile(path string, cfg *ConfigFile) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	enc := toml.NewEncoder(tmp)
	if err := enc.Encode(cfg); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("encode config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

// getConfigString returns the config value with priority: env var > config file > default.
func getConfigString(envKey string, configValue string, defaultValue string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	if configValue != "" {
		return configValue
	}
	return defaultValue
}

// getConfigInt returns the config value with priority: env var > config file > default.
func getConfigInt(envKey string, configValue int, defaultValue int) int {
	if v := os.Getenv(envKey); v != "" {
		if n, err := parseInt64(v); err == nil && n > 0 {
			return int(n)
		}
	}
	if configValue > 0 {
		return configValue
	}
	return defaultValue
}

// getConfigBool returns the config value with priority: env var > config file > default.
func getConfigBool(envKey string, configValue bool, defaultValue bool) bool {
	if v := os.Getenv(envKey); v != "" {
		return v == "1" || v == "true"
	}
	if configValue {
		return true
	}
	return defaultValue
}
