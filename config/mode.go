package config

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionMode selects the numeric knobs fed to the scheduler, the resilient
// client and the batch coordinator. The scheduling algorithm is the same for
// every mode.
type ExecutionMode string

const (
	ModeLowLatency     ExecutionMode = "low_latency"
	ModeHighThroughput ExecutionMode = "high_throughput"
	ModeBalanced       ExecutionMode = "balanced"
)

// ParseExecutionMode accepts snake_case or CamelCase names; empty means balanced.
func ParseExecutionMode(s string) (ExecutionMode, error) {
	switch strings.ToLower(strings.ReplaceAll(strings.TrimSpace(s), "_", "")) {
	case "", "balanced":
		return ModeBalanced, nil
	case "lowlatency":
		return ModeLowLatency, nil
	case "highthroughput":
		return ModeHighThroughput, nil
	}
	return "", fmt.Errorf("unknown execution mode %q", s)
}

// ModeProfile holds the derived knobs for one mode.
type ModeProfile struct {
	Mode             ExecutionMode
	MaxParallel      int
	CallTimeoutScale float64
	BatchConcurrency int
	BatchSize        int
	PreferBatching   bool
}

// CallTimeout scales a base per-call timeout.
func (p ModeProfile) CallTimeout(base time.Duration) time.Duration {
	if p.CallTimeoutScale <= 0 {
		return base
	}
	return time.Duration(float64(base) * p.CallTimeoutScale)
}

// Profile derives the knobs for mode from the runtime sizing and batch config.
func (m ExecutionMode) Profile(rt RuntimeConfig, batch BatchConfig) ModeProfile {
	workers := max(rt.WorkerThreads, 1)
	switch m {
	case ModeLowLatency:
		return ModeProfile{
			Mode:             m,
			MaxParallel:      max(workers/2, 1),
			CallTimeoutScale: 0.5,
			BatchConcurrency: max(batch.MaxConcurrency/2, 1),
			BatchSize:        max(batch.BatchSize/2, 1),
			PreferBatching:   false,
		}
	case ModeHighThroughput:
		return ModeProfile{
			Mode:             m,
			MaxParallel:      workers * 4,
			CallTimeoutScale: 1.5,
			BatchConcurrency: batch.MaxConcurrency * 2,
			BatchSize:        batch.BatchSize,
			PreferBatching:   true,
		}
	default:
		return ModeProfile{
			Mode:             ModeBalanced,
			MaxParallel:      workers,
			CallTimeoutScale: 1.0,
			BatchConcurrency: batch.MaxConcurrency,
			BatchSize:        batch.BatchSize,
			PreferBatching:   false,
		}
	}
}

// Profile resolves the configured mode. An explicit execution.max_parallel
// overrides the mode's value.
func (c *Config) Profile() (ModeProfile, error) {
	mode, err := ParseExecutionMode(c.Execution.Mode)
	if err != nil {
		return ModeProfile{}, err
	}
	p := mode.Profile(c.Runtime, c.Batch)
	if c.Execution.MaxParallel > 0 {
		p.MaxParallel = c.Execution.MaxParallel
	}
	return p, nil
}

// IsLocal reports whether the provider runs local inference. An explicit
// kind wins; otherwise ollama, vllm and llamacpp are local.
func (p ProviderConfig) IsLocal() bool {
	switch p.Kind {
	case ProviderKindLocal:
		return true
	case ProviderKindRemote:
		return false
	}
	return localProviders[p.Name]
}

// BaseCallTimeout returns the per-attempt timeout for the configured provider kind.
func (c *Config) BaseCallTimeout() time.Duration {
	if c.Provider.IsLocal() {
		return c.Resilience.LocalCallTimeout
	}
	return c.Resilience.CallTimeout
}
