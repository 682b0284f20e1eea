package domain

import "time"

// Config holds the complete Kestrel configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Component configurations
	Pipeline PipelineConfig `json:"pipeline"`
	Agent    AgentConfig    `json:"agent"`
	Cache    CacheConfig    `json:"cache"`
	EventBus EventBusConfig `json:"eventBus"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// PipelineConfig holds transaction pipeline settings.
type PipelineConfig struct {
	// BatchSize is the maximum number of transactions pulled per drain cycle.
	BatchSize int `json:"batchSize"`

	// ProcessInterval is the drain loop period.
	ProcessInterval time.Duration `json:"processInterval"`

	// RealTime triggers an immediate drain after each submit.
	RealTime bool `json:"realTime"`

	// MaxRetries bounds re-processing of a failed transaction.
	MaxRetries int `json:"maxRetries"`

	// RetryDelay is the base backoff; attempt n waits RetryDelay * n.
	RetryDelay time.Duration `json:"retryDelay"`

	// HistorySize caps the bounded processing history (FIFO eviction).
	HistorySize int `json:"historySize"`

	// DedupWindow, when positive, rejects duplicate transaction ids
	// resubmitted within the window. Requires a cache.
	DedupWindow time.Duration `json:"dedupWindow"`
}

// AgentConfig holds validation agent settings.
type AgentConfig struct {
	// TickInterval is the agent scheduler period.
	TickInterval time.Duration `json:"tickInterval"`

	// MaxConcurrentValidations bounds parallel validation execution.
	MaxConcurrentValidations int `json:"maxConcurrentValidations"`

	// HistorySize caps the bounded validation history (FIFO eviction).
	HistorySize int `json:"historySize"`

	// SlowExecutionMs is the default execution-time threshold; recalibrated
	// once at startup from persisted history.
	SlowExecutionMs float64 `json:"slowExecutionMs"`

	// ErrorRateThreshold is the default anomaly threshold; recalibrated once
	// at startup from persisted history.
	ErrorRateThreshold float64 `json:"errorRateThreshold"`

	// SnapshotPath, when set, persists validation history as JSON every 10th
	// completed validation and seeds thresholds at startup.
	SnapshotPath string `json:"snapshotPath"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	ServiceName string `json:"serviceName"`
}

// DefaultConfig returns the default in-process configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Pipeline: PipelineConfig{
			BatchSize:       10,
			ProcessInterval: time.Second,
			RealTime:        true,
			MaxRetries:      3,
			RetryDelay:      5 * time.Second,
			HistorySize:     1000,
		},
		Agent: AgentConfig{
			TickInterval:             5 * time.Second,
			MaxConcurrentValidations: 3,
			HistorySize:              1000,
			SlowExecutionMs:          1000,
			ErrorRateThreshold:       0.05,
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "kestrel",
		},
	}
}
