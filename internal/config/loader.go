package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".chatscribe"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
)

// ConfigPath returns the path to the config file. CHATSCRIBE_CONFIG
// overrides the location; CHATSCRIBE_HOME overrides the home directory.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("CHATSCRIBE_CONFIG")); explicit != "" {
		if strings.HasPrefix(explicit, "~") {
			home, err := resolveHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(home, explicit[1:]), nil
		}
		return explicit, nil
	}
	home, err := resolveHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

func resolveHomeDir() (string, error) {
	if h := strings.TrimSpace(os.Getenv("CHATSCRIBE_HOME")); h != "" {
		if strings.HasPrefix(h, "~") {
			base, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			return filepath.Join(base, h[1:]), nil
		}
		return h, nil
	}
	return os.UserHomeDir()
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	path, err := ConfigPath()
	if err != nil {
		return cfg, nil
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("chatscribe", cfg); err != nil {
		return nil, fmt.Errorf("process env config: %w", err)
	}

	cfg.applyPathDefaults(filepath.Dir(path))
	return cfg, nil
}

// Save writes the configuration back to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// applyPathDefaults fills empty paths relative to the config directory.
func (c *Config) applyPathDefaults(configDir string) {
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = configDir
	}
	if c.Paths.DBPath == "" {
		c.Paths.DBPath = filepath.Join(c.Paths.DataDir, "chatscribe.db")
	}
	if c.Paths.MediaDir == "" {
		c.Paths.MediaDir = filepath.Join(c.Paths.DataDir, "media")
	}
	for i := range c.Sessions.WhatsApp {
		if c.Sessions.WhatsApp[i].DBPath == "" {
			name := "whatsapp-" + c.Sessions.WhatsApp[i].Account + ".db"
			c.Sessions.WhatsApp[i].DBPath = filepath.Join(c.Paths.DataDir, name)
		}
	}
}
