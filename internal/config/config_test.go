package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DRIFTSYNC_SWARM_URL", "http://swarm.local")
	t.Setenv("DRIFTSYNC_MNEMONIC", testMnemonic)
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "driftsync.db" {
		t.Errorf("DBPath = %q, want driftsync.db", cfg.DBPath)
	}
	if cfg.Workers != 4 {
		t.Errorf("Workers = %d, want 4", cfg.Workers)
	}
	if cfg.SyncThrottle != 3*time.Second {
		t.Errorf("SyncThrottle = %v, want 3s", cfg.SyncThrottle)
	}
	if cfg.BufferWindow != 120*time.Second {
		t.Errorf("BufferWindow = %v, want 120s", cfg.BufferWindow)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("DRIFTSYNC_WORKERS", "8")
	t.Setenv("DRIFTSYNC_DB_PATH", "/tmp/other.db")
	t.Setenv("DRIFTSYNC_POLL_INTERVAL", "2s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Workers != 8 {
		t.Errorf("Workers = %d, want 8", cfg.Workers)
	}
	if cfg.DBPath != "/tmp/other.db" {
		t.Errorf("DBPath = %q, want /tmp/other.db", cfg.DBPath)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Errorf("PollInterval = %v, want 2s", cfg.PollInterval)
	}
}

func TestLoad_YAMLFileThenEnvWins(t *testing.T) {
	setRequired(t)
	path := filepath.Join(t.TempDir(), "driftsync.yaml")
	data := "workers: 2\nretention_days: 7\n"
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	t.Setenv("DRIFTSYNC_CONFIG", path)
	t.Setenv("DRIFTSYNC_WORKERS", "6")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetentionDays != 7 {
		t.Errorf("RetentionDays = %d, want 7 from file", cfg.RetentionDays)
	}
	if cfg.Workers != 6 {
		t.Errorf("Workers = %d, want env override 6", cfg.Workers)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing swarm url", map[string]string{"DRIFTSYNC_MNEMONIC": testMnemonic}},
		{"missing mnemonic", map[string]string{"DRIFTSYNC_SWARM_URL": "http://swarm.local"}},
		{"zero workers", map[string]string{
			"DRIFTSYNC_SWARM_URL": "http://swarm.local",
			"DRIFTSYNC_MNEMONIC":  testMnemonic,
			"DRIFTSYNC_WORKERS":   "0",
		}},
		{"bad duration", map[string]string{
			"DRIFTSYNC_SWARM_URL":     "http://swarm.local",
			"DRIFTSYNC_MNEMONIC":      testMnemonic,
			"DRIFTSYNC_SYNC_THROTTLE": "soon",
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("Load() = nil error, want failure")
			}
		})
	}
}
