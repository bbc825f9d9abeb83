// Package config provides configuration loading for SentinelProxy.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for sentinelproxy.yaml/.yml
// in standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("sentinelproxy")
		viper.SetConfigType("yaml")
	}

	// Nested keys bind as SENTINELPROXY_PROXY_PORT, SENTINELPROXY_DNS_SERVERS, etc.
	viper.SetEnvPrefix("SENTINELPROXY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	// A bool cannot be defaulted in SetDefaults (false is indistinguishable
	// from unset), so the broadcast default is registered with Viper here.
	viper.SetDefault("telemetry.broadcast", true)

	bindNestedEnvKeys()
	bindLiteralEnvKeys()
}

// findConfigFile searches standard locations for a sentinelproxy config
// file with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".sentinelproxy"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "sentinelproxy"))
		}
	} else {
		paths = append(paths, "/etc/sentinelproxy")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for
// sentinelproxy.yaml or .yml. Returns the full path of the first match, or
// empty string if none found.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "sentinelproxy"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds every config key for environment variable support.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("proxy.port")
	_ = viper.BindEnv("proxy.bind_addr")
	_ = viper.BindEnv("proxy.first_read_timeout_seconds")
	_ = viper.BindEnv("proxy.connect_timeout_seconds")

	_ = viper.BindEnv("policy.reload_interval_seconds")

	_ = viper.BindEnv("telemetry.queue_size")
	_ = viper.BindEnv("telemetry.worker_count")
	_ = viper.BindEnv("telemetry.broadcast")

	_ = viper.BindEnv("store.path")

	// dns.servers is a list; Viper's env parsing does not split it, so the
	// literal PROXY_PORT/DNS_SERVERS/DNS_TIMEOUT aliases below are the
	// supported override path for operators deploying via plain env vars.
	_ = viper.BindEnv("dns.timeout_seconds")

	_ = viper.BindEnv("log.level")
	_ = viper.BindEnv("dev_mode")
}

// bindLiteralEnvKeys binds the historical unprefixed names operators expect
// from the original proxy's deployment scripts, alongside the namespaced
// SENTINELPROXY_ form above.
func bindLiteralEnvKeys() {
	_ = viper.BindEnv("proxy.port", "PROXY_PORT")
	_ = viper.BindEnv("dns.servers", "DNS_SERVERS")
	_ = viper.BindEnv("dns.timeout_seconds", "DNS_TIMEOUT")
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, applies dev defaults, validates, and returns the Config.
// Callers that need to apply CLI flag overrides (e.g. --dev) before
// validation use LoadConfigRaw instead.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}

	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use this when CLI flags may override
// DevMode before validation.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found: continue with env vars and defaults only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// DNS_SERVERS arrives as a comma-separated string via the literal env
	// alias; Viper's automatic env binding does not split it like a YAML
	// sequence would, so split it out explicitly when present.
	if raw := os.Getenv("DNS_SERVERS"); raw != "" && len(cfg.DNS.Servers) == 0 {
		cfg.DNS.Servers = strings.Split(raw, ",")
	}

	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded. Returns an empty string if no config file was found.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
