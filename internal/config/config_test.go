package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"base_url": "https://tandem.example.com",
			"allowed_origins": ["http://localhost:3000"]
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h"
		},
		"storage": {
			"driver": "sqlite",
			"dsn": "test.db",
			"event_retention": "72h"
		},
		"provider": {
			"base_url": "https://engine.example.com",
			"api_key": "hb-key",
			"default_region": "EU",
			"offline_timeout": "10m",
			"create_timeout": "5s"
		},
		"room": {
			"max_clients": 25,
			"patch_interval": "100ms",
			"member_grace": "30s",
			"empty_timeout": "2m"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		},
		"rate_limit": {
			"requests_per_second": 20,
			"burst": 40
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Auth.JWTSecret != "my-super-secret-jwt-key-at-least-32" {
		t.Errorf("Auth.JWTSecret: got %q", cfg.Auth.JWTSecret)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Storage.Driver: got %q", cfg.Storage.Driver)
	}
	if cfg.Storage.EventRetention.Duration != 72*time.Hour {
		t.Errorf("Storage.EventRetention: got %v, want 72h", cfg.Storage.EventRetention.Duration)
	}
	if cfg.Provider.BaseURL != "https://engine.example.com" {
		t.Errorf("Provider.BaseURL: got %q", cfg.Provider.BaseURL)
	}
	if cfg.Provider.DefaultRegion != "EU" {
		t.Errorf("Provider.DefaultRegion: got %q, want EU", cfg.Provider.DefaultRegion)
	}
	if cfg.Provider.OfflineTimeout.Duration != 10*time.Minute {
		t.Errorf("Provider.OfflineTimeout: got %v, want 10m", cfg.Provider.OfflineTimeout.Duration)
	}
	if cfg.Provider.CreateTimeout.Duration != 5*time.Second {
		t.Errorf("Provider.CreateTimeout: got %v, want 5s", cfg.Provider.CreateTimeout.Duration)
	}
	if cfg.Room.MaxClients != 25 {
		t.Errorf("Room.MaxClients: got %d, want 25", cfg.Room.MaxClients)
	}
	if cfg.Room.PatchInterval.Duration != 100*time.Millisecond {
		t.Errorf("Room.PatchInterval: got %v, want 100ms", cfg.Room.PatchInterval.Duration)
	}
	if cfg.Room.MemberGrace.Duration != 30*time.Second {
		t.Errorf("Room.MemberGrace: got %v, want 30s", cfg.Room.MemberGrace.Duration)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %+v", cfg.Logging)
	}
	if cfg.RateLimit.RequestsPerSecond != 20 || cfg.RateLimit.Burst != 40 {
		t.Errorf("RateLimit: got %+v", cfg.RateLimit)
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"},
		"provider": {"base_url": "https://engine.example.com", "api_key": "hb-key"}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want sqlite", cfg.Storage.Driver)
	}
	if cfg.Provider.DefaultRegion != "NA" {
		t.Errorf("default region: got %q, want NA", cfg.Provider.DefaultRegion)
	}
	if cfg.Provider.OfflineTimeout.Duration != 5*time.Minute {
		t.Errorf("default OfflineTimeout: got %v, want 5m", cfg.Provider.OfflineTimeout.Duration)
	}
	if cfg.Room.MaxClients != 50 {
		t.Errorf("default MaxClients: got %d, want 50", cfg.Room.MaxClients)
	}
	if cfg.Room.PatchInterval.Duration != 40*time.Millisecond {
		t.Errorf("default PatchInterval: got %v, want 40ms", cfg.Room.PatchInterval.Duration)
	}
	if cfg.Server.BaseURL != "http://localhost:8080" {
		t.Errorf("default BaseURL: got %q", cfg.Server.BaseURL)
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name    string
		json    string
		wantErr string
	}{
		{
			name:    "missing addr",
			json:    `{"auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "provider": {"base_url": "x", "api_key": "y"}}`,
			wantErr: "server.addr",
		},
		{
			name:    "missing jwt secret",
			json:    `{"server": {"addr": ":8080"}, "provider": {"base_url": "x", "api_key": "y"}}`,
			wantErr: "jwt_secret",
		},
		{
			name:    "short jwt secret",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}, "provider": {"base_url": "x", "api_key": "y"}}`,
			wantErr: "at least 32",
		},
		{
			name:    "missing provider base url",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "provider": {"api_key": "y"}}`,
			wantErr: "provider.base_url",
		},
		{
			name:    "oidc without issuer",
			json:    `{"server": {"addr": ":8080"}, "auth": {"provider": "oidc"}, "provider": {"base_url": "x", "api_key": "y"}}`,
			wantErr: "oidc_issuer",
		},
		{
			name:    "bad region",
			json:    `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "my-super-secret-jwt-key-at-least-32"}, "provider": {"base_url": "x", "api_key": "y", "default_region": "ZZ"}}`,
			wantErr: "default_region",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeTempConfig(t, tc.json)
			_, err := Load(path)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tc.wantErr) {
				t.Errorf("error %q does not mention %q", err, tc.wantErr)
			}
		})
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}
