package config

import (
	"strings"
	"testing"
)

// minimalValidConfig returns a minimal valid Config for testing.
func minimalValidConfig() *Config {
	cfg := &Config{
		Store: StoreConfig{Path: "sentinelproxy.db"},
	}
	cfg.SetDefaults()
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() unexpected error: %v", err)
	}
}

func TestValidate_ZeroConfig(t *testing.T) {
	t.Parallel()

	// Simulate running with no config file at all.
	cfg := &Config{}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() zero-config unexpected error: %v", err)
	}
	if cfg.Store.Path != "sentinelproxy.db" {
		t.Errorf("default store path = %q, want sentinelproxy.db", cfg.Store.Path)
	}
}

func TestValidate_MissingStorePath(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Store.Path = ""

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for missing store path, got nil")
	}
	if !strings.Contains(err.Error(), "Store.Path") {
		t.Errorf("error = %q, want to contain 'Store.Path'", err.Error())
	}
}

func TestValidate_PortOutOfRange(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Proxy.Port = 70000

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for out-of-range port, got nil")
	}
	if !strings.Contains(err.Error(), "Proxy.Port") {
		t.Errorf("error = %q, want to contain 'Proxy.Port'", err.Error())
	}
}

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()

	cfg := minimalValidConfig()
	cfg.Log.Level = "verbose"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate() expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "Log.Level") {
		t.Errorf("error = %q, want to contain 'Log.Level'", err.Error())
	}
}

func TestValidate_ValidLogLevels(t *testing.T) {
	t.Parallel()

	for _, level := range []string{"debug", "info", "warn", "error"} {
		cfg := minimalValidConfig()
		cfg.Log.Level = level
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() with level %q unexpected error: %v", level, err)
		}
	}
}
