package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "glimpse"
	// DefaultRelayURL is the realtime feed endpoint used when no user
	// override exists.
	DefaultRelayURL = "wss://relay.glimpse.app/realtime"
	// DefaultTypingStaleSeconds is how long a typing signal stays fresh
	// before the peer is considered inactive.
	DefaultTypingStaleSeconds = 6
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// ClientConfig contains persistent local-client settings.
type ClientConfig struct {
	ClientID             string `json:"client_id"`
	ClientName           string `json:"client_name"`
	RelayURL             string `json:"relay_url"`
	KeyCacheDir          string `json:"key_cache_dir"`
	TypingStaleSeconds   int    `json:"typing_stale_seconds"`
	LastSignedInUserID   string `json:"last_signed_in_user_id"`
	DisableNotifications bool   `json:"disable_notifications"`
}

// TypingStale returns the typing staleness window as a duration.
func (c *ClientConfig) TypingStale() time.Duration {
	seconds := c.TypingStaleSeconds
	if seconds <= 0 {
		seconds = DefaultTypingStaleSeconds
	}
	return time.Duration(seconds) * time.Second
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If GLIMPSE_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("GLIMPSE_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *ClientConfig {
	clientName := "Glimpse Client"
	if host, err := os.Hostname(); err == nil && host != "" {
		clientName = host
	}

	return &ClientConfig{
		ClientID:           uuid.NewString(),
		ClientName:         clientName,
		RelayURL:           DefaultRelayURL,
		KeyCacheDir:        filepath.Join(dataDir, "keys"),
		TypingStaleSeconds: DefaultTypingStaleSeconds,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if cfg.ClientName == "" {
		clientName := "Glimpse Client"
		if host, err := os.Hostname(); err == nil && host != "" {
			clientName = host
		}
		cfg.ClientName = clientName
		updated = true
	}

	if cfg.RelayURL == "" {
		cfg.RelayURL = DefaultRelayURL
		updated = true
	}

	if cfg.KeyCacheDir == "" {
		cfg.KeyCacheDir = filepath.Join(dataDir, "keys")
		updated = true
	}

	if cfg.TypingStaleSeconds <= 0 {
		cfg.TypingStaleSeconds = DefaultTypingStaleSeconds
		updated = true
	}

	return updated
}
