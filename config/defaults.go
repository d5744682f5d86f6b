// =============================================================================
// 📦 FlowRun 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// Provider kinds. An empty kind is inferred from the provider name.
const (
	ProviderKindRemote = "remote"
	ProviderKindLocal  = "local"
)

// localProviders 默认指向本机推理服务的内置 provider
var localProviders = map[string]bool{
	"ollama":   true,
	"vllm":     true,
	"llamacpp": true,
}

// History backends.
const (
	HistoryBackendMemory   = "memory"
	HistoryBackendDatabase = "database"
)

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Runtime:    DefaultRuntimeConfig(),
		Execution:  DefaultExecutionConfig(),
		Resilience: DefaultResilienceConfig(),
		Batch:      DefaultBatchConfig(),
		Provider:   DefaultProviderConfig(),
		History:    DefaultHistoryConfig(),
		Server:     DefaultServerConfig(),
		Redis:      DefaultRedisConfig(),
		Database:   DefaultDatabaseConfig(),
		Log:        DefaultLogConfig(),
		Telemetry:  DefaultTelemetryConfig(),
	}
}

// DefaultExecutionConfig 返回默认调度配置
func DefaultExecutionConfig() ExecutionConfig {
	return ExecutionConfig{
		Mode:        string(ModeBalanced),
		MaxParallel: 0,
	}
}

// DefaultResilienceConfig 返回默认弹性调用配置
func DefaultResilienceConfig() ResilienceConfig {
	return ResilienceConfig{
		CircuitBreaker: CircuitBreakerConfig{
			Threshold:       5,
			RecoveryTimeout: 60 * time.Second,
		},
		Retry:            DefaultRetryConfig(),
		CallTimeout:      60 * time.Second,
		LocalCallTimeout: 180 * time.Second,
		RateLimitBurst:   1,
	}
}

// DefaultRetryConfig 返回默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		BackoffMultiplier: 2.0,
		MaxDelay:          30 * time.Second,
		JitterFactor:      0.1,
		RetryableErrors:   []string{"NETWORK_ERROR", "TIMEOUT", "RATE_LIMIT", "SERVER_ERROR"},
	}
}

// DefaultBatchConfig 返回默认批处理配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxConcurrency: 8,
		Timeout:        2 * time.Minute,
		BatchSize:      32,
	}
}

// DefaultProviderConfig 返回默认 Provider 配置
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Name:           "echo",
		Model:          "echo-1",
		EmbeddingModel: "echo-embed",
	}
}

// DefaultHistoryConfig 返回默认执行历史配置
func DefaultHistoryConfig() HistoryConfig {
	return HistoryConfig{
		Backend:    HistoryBackendMemory,
		MaxEntries: 1000,
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    5 * time.Minute,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "flowrun",
		Name:            "flowrun.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowrun",
		SampleRate:   0.1,
	}
}
