package config

import (
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		envVars map[string]string
		wantErr bool
	}{
		{
			name:    "default config",
			envVars: map[string]string{},
		},
		{
			name: "custom config",
			envVars: map[string]string{
				"SERVICE_NAME":       "coind-test",
				"POOL_ID":            "1023",
				"VERIFIER_ENDPOINTS": "10.0.0.1:2222, 10.0.0.2:2222",
				"WALLET_ADDRESSES":   "18081=4Addr,8545=0xabc",
				"CACHE_BACKEND":      "redis",
			},
		},
		{
			name:    "pool id out of range",
			envVars: map[string]string{"POOL_ID": "1024"},
			wantErr: true,
		},
		{
			name:    "bad cache backend",
			envVars: map[string]string{"CACHE_BACKEND": "etcd"},
			wantErr: true,
		},
		{
			name:    "malformed wallet map",
			envVars: map[string]string{"WALLET_ADDRESSES": "18081"},
			wantErr: true,
		},
		{
			name:    "discord webhook needs both parts",
			envVars: map[string]string{"DISCORD_WEBHOOK_ID": "123"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && cfg == nil {
				t.Fatal("Load() returned nil config without error")
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.ServiceName != "coind" {
		t.Errorf("ServiceName = %q", cfg.ServiceName)
	}
	if cfg.VerifierTimeout != 60*time.Second {
		t.Errorf("VerifierTimeout = %v, want 60s", cfg.VerifierTimeout)
	}
	if cfg.VerifierMaxInFlight != 16 {
		t.Errorf("VerifierMaxInFlight = %d, want 16", cfg.VerifierMaxInFlight)
	}
	if cfg.SweepInterval != 30*time.Second {
		t.Errorf("SweepInterval = %v, want 30s", cfg.SweepInterval)
	}
	if len(cfg.VerifierEndpoints) != 0 {
		t.Errorf("VerifierEndpoints = %v, want none", cfg.VerifierEndpoints)
	}
}

func TestPortMapParsing(t *testing.T) {
	t.Setenv("WALLET_ADDRESSES", "18081=4Addr, 8545 = 0xabc")
	t.Setenv("VERIFIER_ENDPOINTS", "a:1,,b:2")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.WalletAddresses[18081] != "4Addr" || cfg.WalletAddresses[8545] != "0xabc" {
		t.Errorf("WalletAddresses = %v", cfg.WalletAddresses)
	}
	if len(cfg.VerifierEndpoints) != 2 || cfg.VerifierEndpoints[1] != "b:2" {
		t.Errorf("VerifierEndpoints = %v", cfg.VerifierEndpoints)
	}
}
