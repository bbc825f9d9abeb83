// Package config provides configuration types for SentinelProxy.
//
// Config is assembled from, in increasing precedence: built-in defaults,
// a YAML file, environment variables (SENTINELPROXY_ prefix), then any
// CLI flag overrides the caller applies before Validate is called.
package config

// Config is the top-level configuration for the proxy process.
type Config struct {
	// Proxy configures the listening socket and connection handling.
	Proxy ProxyConfig `yaml:"proxy" mapstructure:"proxy"`

	// Policy configures the blocklist snapshot reload loop.
	Policy PolicyConfig `yaml:"policy" mapstructure:"policy"`

	// Telemetry configures the async request-logging sink.
	Telemetry TelemetryConfig `yaml:"telemetry" mapstructure:"telemetry"`

	// Store configures the persistent backing store.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// DNS configures destination-IP resolution for policy evaluation.
	DNS DNSConfig `yaml:"dns" mapstructure:"dns"`

	// Log configures structured logging.
	Log LogConfig `yaml:"log" mapstructure:"log"`

	// DevMode forces debug-level logging.
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ProxyConfig configures the listening socket and per-connection timeouts.
type ProxyConfig struct {
	// Port is the TCP port the proxy listens on, dual-stack where the host
	// supports it. Defaults to 8088 if unset.
	Port int `yaml:"port" mapstructure:"port" validate:"omitempty,min=1,max=65535"`

	// BindAddr is joined with Port into the acceptor's address. The
	// acceptor uses only the port and always binds all interfaces, so this
	// value does not restrict the listen host.
	BindAddr string `yaml:"bind_addr" mapstructure:"bind_addr"`

	// FirstReadTimeoutSeconds is the first-read timeout setting.
	// Defaults to 30 if unset. The connection handler does not read it; it
	// always uses connhandler.FirstReadTimeout (30s).
	FirstReadTimeoutSeconds int `yaml:"first_read_timeout_seconds" mapstructure:"first_read_timeout_seconds" validate:"omitempty,min=1"`

	// ConnectTimeoutSeconds is the upstream dial timeout setting.
	// Defaults to 15 if unset. The connection handler does not read it; it
	// always uses connhandler.ConnectTimeout (15s).
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds" mapstructure:"connect_timeout_seconds" validate:"omitempty,min=1"`
}

// PolicyConfig configures how often the policy snapshot reloads from Store.
type PolicyConfig struct {
	// ReloadIntervalSeconds is how often the snapshot rebuilds from Store.
	// Defaults to 30 if unset. SetDefaults treats 0 as unset and replaces it
	// with 30, so the background reload loop cannot be disabled through
	// this setting.
	ReloadIntervalSeconds int `yaml:"reload_interval_seconds" mapstructure:"reload_interval_seconds" validate:"omitempty,min=0"`
}

// TelemetryConfig configures the fire-and-forget telemetry sink.
type TelemetryConfig struct {
	// QueueSize bounds the number of in-flight telemetry tasks; once full,
	// the oldest queued task is dropped to make room. Defaults to 4096.
	QueueSize int `yaml:"queue_size" mapstructure:"queue_size" validate:"omitempty,min=1"`

	// WorkerCount is how many goroutines drain the telemetry queue.
	// Defaults to 4.
	WorkerCount int `yaml:"worker_count" mapstructure:"worker_count" validate:"omitempty,min=1"`

	// Broadcast controls whether completed requests are also published to
	// the dashboard event bus. Defaults to true.
	Broadcast bool `yaml:"broadcast" mapstructure:"broadcast"`
}

// StoreConfig configures the persistent backing store.
type StoreConfig struct {
	// Path is the SQLite database file path. Defaults to "sentinelproxy.db".
	Path string `yaml:"path" mapstructure:"path" validate:"required"`
}

// DNSConfig configures destination-IP resolution used for policy evaluation
// and logging. The proxy always connects upstream by hostname; these
// servers are only consulted to classify the connection for policy checks.
type DNSConfig struct {
	// Servers is the list of resolver addresses (host:port), consulted in
	// order. Empty means use the system resolver.
	Servers []string `yaml:"servers" mapstructure:"servers"`

	// TimeoutSeconds bounds a single resolution attempt. Defaults to 3.
	TimeoutSeconds int `yaml:"timeout_seconds" mapstructure:"timeout_seconds" validate:"omitempty,min=1"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	// DevMode=true overrides to "debug".
	Level string `yaml:"level" mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
}

// SetDefaults applies sensible default values to the configuration.
// Called after Unmarshal, before SetDevDefaults and Validate.
func (c *Config) SetDefaults() {
	if c.Proxy.Port == 0 {
		c.Proxy.Port = 8088
	}
	if c.Proxy.FirstReadTimeoutSeconds == 0 {
		c.Proxy.FirstReadTimeoutSeconds = 30
	}
	if c.Proxy.ConnectTimeoutSeconds == 0 {
		c.Proxy.ConnectTimeoutSeconds = 15
	}
	if c.Policy.ReloadIntervalSeconds == 0 {
		c.Policy.ReloadIntervalSeconds = 30
	}
	if c.Telemetry.QueueSize == 0 {
		c.Telemetry.QueueSize = 4096
	}
	if c.Telemetry.WorkerCount == 0 {
		c.Telemetry.WorkerCount = 4
	}
	if c.Store.Path == "" {
		c.Store.Path = "sentinelproxy.db"
	}
	if c.DNS.TimeoutSeconds == 0 {
		c.DNS.TimeoutSeconds = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// SetDevDefaults forces the debug log level when DevMode is set. Called
// after SetDefaults and after any CLI --dev flag is applied, before
// Validate.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Log.Level = "debug"
}
