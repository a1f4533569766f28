package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load(): %v", err)
	}

	if cfg.Mode != "api" {
		t.Errorf("Mode = %q, want api", cfg.Mode)
	}
	if cfg.Port != 8773 {
		t.Errorf("Port = %d, want 8773", cfg.Port)
	}
	if cfg.MetadataPort != 8775 {
		t.Errorf("MetadataPort = %d, want 8775", cfg.MetadataPort)
	}
	if cfg.NetworkManager != "vlan" {
		t.Errorf("NetworkManager = %q, want vlan", cfg.NetworkManager)
	}
	if cfg.AuthDriver != "memory" {
		t.Errorf("AuthDriver = %q, want memory", cfg.AuthDriver)
	}
	if cfg.ZoneFailuresToOffline != 3 {
		t.Errorf("ZoneFailuresToOffline = %d, want 3", cfg.ZoneFailuresToOffline)
	}
	if cfg.ZoneDBCheckInterval != 60*time.Second {
		t.Errorf("ZoneDBCheckInterval = %v, want 60s", cfg.ZoneDBCheckInterval)
	}
	if cfg.ISCSINumTargets != 100 {
		t.Errorf("ISCSINumTargets = %d, want 100", cfg.ISCSINumTargets)
	}
	if cfg.QuotaInstances != 10 {
		t.Errorf("QuotaInstances = %d, want 10", cfg.QuotaInstances)
	}
}

func TestListenAddrs(t *testing.T) {
	cfg := &Config{Host: "127.0.0.1", Port: 8773, MetadataHost: "169.254.169.254", MetadataPort: 80}
	if got := cfg.ListenAddr(); got != "127.0.0.1:8773" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := cfg.MetadataAddr(); got != "169.254.169.254:80" {
		t.Errorf("MetadataAddr() = %q", got)
	}
}
