package llm

import (
	"os"
	"strconv"
)

// TaskType identifies the kind of narrative generation being performed.
type TaskType string

const (
	TaskDescription      TaskType = "description"
	TaskValueStatement   TaskType = "value_statement"
	TaskMilestoneSuggest TaskType = "milestone_suggest"
	TaskExecutiveSummary TaskType = "executive_summary"
)

// TaskConfig holds per-task generation parameters.
type TaskConfig struct {
	Temperature float64
	MaxTokens   int
	TimeoutMs   int // overrides global if > 0
}

// Config holds all configuration for the LLM subsystem.
type Config struct {
	Enabled    bool
	Endpoint   string
	Model      string
	TimeoutMs  int
	MaxRetries int
	Tasks      map[TaskType]TaskConfig
}

// DefaultConfig returns a Config with sensible defaults. Generation is
// disabled until explicitly enabled.
func DefaultConfig() Config {
	return Config{
		Enabled:    false,
		Endpoint:   "http://localhost:11434",
		Model:      "llama3.2",
		TimeoutMs:  15000,
		MaxRetries: 1,
		Tasks: map[TaskType]TaskConfig{
			TaskDescription:      {Temperature: 0.4, MaxTokens: 512, TimeoutMs: 10000},
			TaskValueStatement:   {Temperature: 0.4, MaxTokens: 256, TimeoutMs: 8000},
			TaskMilestoneSuggest: {Temperature: 0.2, MaxTokens: 1024, TimeoutMs: 15000},
			TaskExecutiveSummary: {Temperature: 0.3, MaxTokens: 2048, TimeoutMs: 30000},
		},
	}
}

// LoadConfig reads LLM configuration from environment variables,
// falling back to defaults for any unset values.
func LoadConfig() Config {
	cfg := DefaultConfig()

	if v := os.Getenv("PULSEBOARD_LLM_ENABLED"); v != "" {
		cfg.Enabled, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("PULSEBOARD_LLM_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv("PULSEBOARD_LLM_MODEL"); v != "" {
		cfg.Model = v
	}
	if v := os.Getenv("PULSEBOARD_LLM_TIMEOUT_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TimeoutMs = n
		}
	}
	if v := os.Getenv("PULSEBOARD_LLM_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.MaxRetries = n
		}
	}
	return cfg
}

// TaskTimeout returns the effective timeout for a given task type.
func (c Config) TaskTimeout(task TaskType) int {
	if tc, ok := c.Tasks[task]; ok && tc.TimeoutMs > 0 {
		return tc.TimeoutMs
	}
	return c.TimeoutMs
}
