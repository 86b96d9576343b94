package config

import (
	"os"
	"path/filepath"
	"testing"
)

func withTestHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CHATSCRIBE_HOME", home)
	t.Setenv("CHATSCRIBE_CONFIG", "")
	return home
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	home := withTestHome(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Notify.Topic != "chatscribe.messages" {
		t.Errorf("topic = %q", cfg.Notify.Topic)
	}
	if cfg.Gateway.Port != 8790 {
		t.Errorf("port = %d", cfg.Gateway.Port)
	}
	wantDB := filepath.Join(home, ConfigDir, "chatscribe.db")
	if cfg.Paths.DBPath != wantDB {
		t.Errorf("db path = %q, want %q", cfg.Paths.DBPath, wantDB)
	}
}

func TestLoadFileAndEnvPriority(t *testing.T) {
	home := withTestHome(t)
	dir := filepath.Join(home, ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	file := `{
		"gateway": {"port": 9000, "authToken": "from-file"},
		"notify": {"brokers": "kafka1:9092"},
		"sessions": {"whatsapp": [{"account": "main"}]}
	}`
	if err := os.WriteFile(filepath.Join(dir, ConfigFile), []byte(file), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CHATSCRIBE_AUTH_TOKEN", "from-env")
	t.Setenv("CHATSCRIBE_RETENTION_DAYS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Gateway.Port != 9000 {
		t.Errorf("file value lost: port = %d", cfg.Gateway.Port)
	}
	if cfg.Gateway.AuthToken != "from-env" {
		t.Errorf("env must win over file: token = %q", cfg.Gateway.AuthToken)
	}
	if cfg.Retention.Days != 7 {
		t.Errorf("env override lost: retention days = %d", cfg.Retention.Days)
	}
	if cfg.Notify.Brokers != "kafka1:9092" {
		t.Errorf("brokers = %q", cfg.Notify.Brokers)
	}
	wantWA := filepath.Join(dir, "whatsapp-main.db")
	if cfg.Sessions.WhatsApp[0].DBPath != wantWA {
		t.Errorf("whatsapp db path = %q, want %q", cfg.Sessions.WhatsApp[0].DBPath, wantWA)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	withTestHome(t)
	cfg := DefaultConfig()
	cfg.Gateway.AuthToken = "secret"
	cfg.Retention.Days = 30
	if err := Save(cfg); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Gateway.AuthToken != "secret" || loaded.Retention.Days != 30 {
		t.Errorf("round trip lost values: %+v", loaded.Gateway)
	}
}
