// Package config loads the orchestration core's runtime configuration via
// viper, grounded on the CLI config-loading conventions used across the
// retrieved example repos (emergent-company's CLI, vanducng-goclaw's
// viper-backed bot config). The options are the enumerated set from spec
// §6, the AllowCancelledReplan open-question flag (DESIGN.md decision #1),
// and the endpoint, backing-store, credential and model rate-limit
// settings the serve command wires up.
package config

import (
	"time"

	"github.com/spf13/viper"
)

// Config is the fully-resolved set of tunables every component reads at
// construction time.
type Config struct {
	MaxConcurrentPlans          int           `mapstructure:"max_concurrent_plans"`
	PerStepTurnCap              int           `mapstructure:"per_step_turn_cap"`
	ToolCallTimeoutSeconds      int           `mapstructure:"tool_call_timeout_seconds"`
	AgentTurnTimeoutSeconds     int           `mapstructure:"agent_turn_timeout_seconds"`
	PlanDeadlineSeconds         int           `mapstructure:"plan_deadline_seconds"`
	CancelHardDeadlineSeconds   int           `mapstructure:"cancel_hard_deadline_seconds"`
	MCPMaxInflight              int           `mapstructure:"mcp_max_inflight"`
	MCPAuthEnabled              bool          `mapstructure:"mcp_auth_enabled"`
	EventSubscriberLagThreshold int           `mapstructure:"event_subscriber_lag_threshold"`
	PersistenceConflictRetries  int           `mapstructure:"persistence_conflict_retries"`
	PlannerMaxSteps             int           `mapstructure:"planner_max_steps"`

	// AllowCancelledReplan records Open Question #1 (DESIGN.md). Default
	// false. No component reads it: CreatePlan starts a new plan in a
	// session regardless of this flag or of a previous plan's Cancelled
	// status.
	AllowCancelledReplan bool `mapstructure:"allow_cancelled_replan"`

	MCPEndpoint string `mapstructure:"mcp_endpoint"`
	Listen      string `mapstructure:"listen"`
	JWTSecret   string `mapstructure:"jwt_secret"`

	MongoURI      string `mapstructure:"mongo_uri"`
	MongoDatabase string `mapstructure:"mongo_database"`

	RedisAddr string `mapstructure:"redis_addr"`

	S3Bucket string `mapstructure:"s3_bucket"`
	S3Region string `mapstructure:"s3_region"`

	TemporalHostPort  string `mapstructure:"temporal_host_port"`
	TemporalNamespace string `mapstructure:"temporal_namespace"`

	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	OpenAIAPIKey    string `mapstructure:"openai_api_key"`

	// ModelRateLimitTPM and ModelRateLimitMaxTPM bound the adaptive
	// tokens-per-minute budget every agentllm.Client is wrapped with
	// (ratelimit.Middleware). MaxTPM <= 0 clamps to the initial TPM, i.e. a
	// fixed (non-adaptive) ceiling.
	ModelRateLimitTPM    float64 `mapstructure:"model_rate_limit_tpm"`
	ModelRateLimitMaxTPM float64 `mapstructure:"model_rate_limit_max_tpm"`
}

// ToolCallTimeout, AgentTurnTimeout, PlanDeadline, CancelHardDeadline
// convert the int-seconds fields to time.Duration for callers.
func (c Config) ToolCallTimeout() time.Duration    { return time.Duration(c.ToolCallTimeoutSeconds) * time.Second }
func (c Config) AgentTurnTimeout() time.Duration   { return time.Duration(c.AgentTurnTimeoutSeconds) * time.Second }
func (c Config) PlanDeadline() time.Duration       { return time.Duration(c.PlanDeadlineSeconds) * time.Second }
func (c Config) CancelHardDeadline() time.Duration { return time.Duration(c.CancelHardDeadlineSeconds) * time.Second }

// setDefaults registers every spec §6 default plus this repo's
// infrastructure defaults, so a zero-value config file is still runnable
// against an in-memory backend.
func setDefaults(v *viper.Viper) {
	v.SetDefault("max_concurrent_plans", 32)
	v.SetDefault("per_step_turn_cap", 12)
	v.SetDefault("tool_call_timeout_seconds", 60)
	v.SetDefault("agent_turn_timeout_seconds", 120)
	v.SetDefault("plan_deadline_seconds", 3600)
	v.SetDefault("cancel_hard_deadline_seconds", 30)
	v.SetDefault("mcp_max_inflight", 16)
	v.SetDefault("mcp_auth_enabled", false)
	v.SetDefault("event_subscriber_lag_threshold", 256)
	v.SetDefault("persistence_conflict_retries", 5)
	v.SetDefault("planner_max_steps", 20)
	v.SetDefault("allow_cancelled_replan", false)
	v.SetDefault("listen", ":8080")
	v.SetDefault("mongo_database", "orchestrator")
	v.SetDefault("temporal_namespace", "default")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("model_rate_limit_tpm", 60000)
	v.SetDefault("model_rate_limit_max_tpm", 240000)
}

// Load reads configuration from path (if non-empty) and environment
// variables (ORCH_ prefix), applying spec §6 defaults first.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("ORCH")
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
