// Package config loads the single immutable configuration map spec §6.4
// defines, layered from defaults, an optional config file, and environment
// overrides, the way the teacher CLI wires spf13/viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the immutable, fully-resolved configuration (spec §6.4).
type Config struct {
	MaxDepth      int
	MaxSubtasks   int
	MaxTotalTasks int
	MaxAttempts   int

	BaseBackoffSeconds int
	MaxBackoffSeconds  int

	HeartbeatIntervalSeconds int
	HeartbeatTimeoutSeconds  int

	MaxExecutionTimeSecondsTurn     int
	MaxExecutionTimeSecondsSubagent int

	MaxToolRounds      int
	MaxContextMessages int

	SubagentInitialCheckDelay  int
	SubagentCheckInterval      int
	SubagentMaxCheckAttempts   int
}

// defaults mirrors the spec §6.4 table and seeds viper's defaults.
// Environment overrides are read as ORCHESTRATOR_ followed by the key
// upper-cased with no separator (e.g. ORCHESTRATOR_MAXDEPTH).
var defaults = map[string]any{
	"maxDepth":                        3,
	"maxSubtasks":                     10,
	"maxTotalTasks":                   50,
	"maxAttempts":                     3,
	"baseBackoffSeconds":              2,
	"maxBackoffSeconds":               60,
	"heartbeatIntervalSeconds":        30,
	"heartbeatTimeoutSeconds":         60,
	"maxExecutionTimeSecondsTurn":     300,
	"maxExecutionTimeSecondsSubagent": 600,
	"maxToolRounds":                   20,
	"maxContextMessages":              50,
	"subagentInitialCheckDelay":       30,
	"subagentCheckInterval":           60,
	"subagentMaxCheckAttempts":        10,
}

// Load reads defaults, an optional config file named "orchestrator-config"
// (JSON, searched in $HOME and the working directory), and environment
// overrides prefixed ORCHESTRATOR_, in that layered order (spec §6.4:
// "defaults listed here are authoritative unless overridden").
func Load() (Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}

	v.SetConfigName("orchestrator-config")
	v.SetConfigType("json")
	v.AddConfigPath("$HOME")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ORCHESTRATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg := Config{
		MaxDepth:                        v.GetInt("maxDepth"),
		MaxSubtasks:                     v.GetInt("maxSubtasks"),
		MaxTotalTasks:                   v.GetInt("maxTotalTasks"),
		MaxAttempts:                     v.GetInt("maxAttempts"),
		BaseBackoffSeconds:              v.GetInt("baseBackoffSeconds"),
		MaxBackoffSeconds:               v.GetInt("maxBackoffSeconds"),
		HeartbeatIntervalSeconds:        v.GetInt("heartbeatIntervalSeconds"),
		HeartbeatTimeoutSeconds:         v.GetInt("heartbeatTimeoutSeconds"),
		MaxExecutionTimeSecondsTurn:     v.GetInt("maxExecutionTimeSecondsTurn"),
		MaxExecutionTimeSecondsSubagent: v.GetInt("maxExecutionTimeSecondsSubagent"),
		MaxToolRounds:                   v.GetInt("maxToolRounds"),
		MaxContextMessages:              v.GetInt("maxContextMessages"),
		SubagentInitialCheckDelay:       v.GetInt("subagentInitialCheckDelay"),
		SubagentCheckInterval:           v.GetInt("subagentCheckInterval"),
		SubagentMaxCheckAttempts:        v.GetInt("subagentMaxCheckAttempts"),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants Load alone can't enforce by construction,
// chiefly the heartbeat timeout/interval ratio: the Open Question in spec
// §9 resolves to requiring the timeout be at least twice the interval, so a
// single missed heartbeat can never by itself look like an orphan.
func (c Config) Validate() error {
	if c.HeartbeatTimeoutSeconds < 2*c.HeartbeatIntervalSeconds {
		return fmt.Errorf(
			"heartbeatTimeoutSeconds (%d) must be at least 2x heartbeatIntervalSeconds (%d)",
			c.HeartbeatTimeoutSeconds, c.HeartbeatIntervalSeconds)
	}
	if c.MaxDepth <= 0 || c.MaxSubtasks <= 0 || c.MaxTotalTasks <= 0 {
		return fmt.Errorf("maxDepth, maxSubtasks, and maxTotalTasks must all be positive")
	}
	if c.MaxAttempts <= 0 {
		return fmt.Errorf("maxAttempts must be positive")
	}
	return nil
}

// HeartbeatInterval and HeartbeatTimeout expose the two heartbeat keys as
// time.Duration for callers that drive tickers/timers directly.
func (c Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalSeconds) * time.Second
}

func (c Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutSeconds) * time.Second
}
