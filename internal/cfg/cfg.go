package cfg

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/linnemanlabs/switchboard/internal/llm"
	"github.com/linnemanlabs/switchboard/internal/specialist"
)

// Agents that are not specialists.
const (
	AgentIntake = "intake"
	AgentTriage = "triage"

	// AgentAll runs every stage in one process, typically with -broker=memory.
	AgentAll = "all"
)

// Broker backends accepted by -broker.
const (
	BrokerNATS   = "nats"
	BrokerMemory = "memory"
)

// Config adds switchboard-specific configuration fields to the
// common cfg.Registerable and cfg.Validatable interfaces
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int

	Agent      string
	Broker     string
	NATSURL    string
	AckWait    time.Duration
	MaxDeliver int

	LLMProvider  string
	LLMModel     string
	LLMBaseURL   string
	LLMTimeout   time.Duration
	ClaudeAPIKey string
	OpenAIAPIKey string
	MockLLM      bool

	ConfidenceThreshold float64
	RoutesFile          string

	CustomersFile   string
	DatabaseURL     string
	RedisURL        string
	ProfileCacheTTL time.Duration
	ProfileTimeout  time.Duration

	PollTimeout    time.Duration
	PublishTimeout time.Duration
	RedeliverDelay time.Duration

	SlackWebhookURL string
	APIToken        string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 30, "seconds to wait for in-flight work to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 45, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "intake API listen TCP port (1..65535)")

	fs.StringVar(&c.Agent, "agent", AgentTriage, "stage to run: intake, triage, a specialist (billing, technical, feature, account, other) or all")
	fs.StringVar(&c.Broker, "broker", BrokerNATS, "message broker: nats or memory")
	fs.StringVar(&c.NATSURL, "nats-url", "nats://localhost:4222", "NATS server URL")
	fs.DurationVar(&c.AckWait, "ack-wait", 2*time.Minute, "time the broker waits for a settlement before redelivering")
	fs.IntVar(&c.MaxDeliver, "max-deliver", 5, "maximum delivery attempts per message (>= 1)")

	fs.StringVar(&c.LLMProvider, "llm-provider", llm.ProviderClaude, "LLM provider: claude, openai or ollama")
	fs.StringVar(&c.LLMModel, "llm-model", "", "model name (empty = provider default)")
	fs.StringVar(&c.LLMBaseURL, "llm-base-url", "", "override the provider base URL (ollama default http://localhost:11434/v1)")
	fs.DurationVar(&c.LLMTimeout, "llm-timeout", 30*time.Second, "timeout for one engine call")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude provider")
	fs.StringVar(&c.OpenAIAPIKey, "openai-api-key", "", "API key for the OpenAI provider")
	fs.BoolVar(&c.MockLLM, "mock-llm", false, "use canned classifier and specialist responses instead of an engine")

	fs.Float64Var(&c.ConfidenceThreshold, "confidence-threshold", 0.8, "confidence below which tickets go to human review (0..1)")
	fs.StringVar(&c.RoutesFile, "routes-file", "", "YAML routing table (empty = built-in table)")

	fs.StringVar(&c.CustomersFile, "customers-file", "", "JSON customer profiles for enrichment; seeds -database-url when both are set (empty = no file store)")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL URL for customer profiles (takes precedence over -customers-file)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the profile cache (empty = no cache)")
	fs.DurationVar(&c.ProfileCacheTTL, "profile-cache-ttl", 10*time.Minute, "TTL of cached customer profiles")
	fs.DurationVar(&c.ProfileTimeout, "profile-timeout", 2*time.Second, "timeout for one profile lookup")

	fs.DurationVar(&c.PollTimeout, "poll-timeout", time.Second, "broker poll timeout")
	fs.DurationVar(&c.PublishTimeout, "publish-timeout", 10*time.Second, "timeout for one publish round trip")
	fs.DurationVar(&c.RedeliverDelay, "redeliver-delay", 5*time.Second, "delay before a failed message is redelivered")

	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for human review notices")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer tokens required by the intake API, comma-separated for rotation (empty = no auth)")
}

// IsSpecialist reports whether the configured agent is a specialist.
func (c *Config) IsSpecialist() bool {
	_, ok := specialist.Lookup(c.Agent)
	return ok
}

// UsesEngine reports whether the agent calls an LLM provider.
func (c *Config) UsesEngine() bool {
	return !c.MockLLM && (c.Agent == AgentTriage || c.Agent == AgentAll || c.IsSpecialist())
}

// ServesHTTP reports whether the agent runs the intake API.
func (c *Config) ServesHTTP() bool {
	return c.Agent == AgentIntake || c.Agent == AgentAll
}

// Validate checks all configuration fields for correctness.
// It returns an error if any field is invalid, or nil if all fields are valid.
func (c *Config) Validate() error {
	var errs []error

	// Drain and shutdown budgets
	if c.DrainSeconds <= 0 || c.DrainSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid DRAIN_SECONDS %d (must be 1..300)", c.DrainSeconds))
	}
	if c.ShutdownBudgetSeconds <= 0 || c.ShutdownBudgetSeconds > 300 {
		errs = append(errs, fmt.Errorf("invalid SHUTDOWN_BUDGET_SECONDS %d (must be 1..300)", c.ShutdownBudgetSeconds))
	}
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	if c.ServesHTTP() && (c.APIPort <= 0 || c.APIPort > 65535) {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if c.Agent != AgentIntake && c.Agent != AgentTriage && c.Agent != AgentAll && !c.IsSpecialist() {
		errs = append(errs, fmt.Errorf("invalid AGENT %q (must be intake, triage, all or one of %v)", c.Agent, specialist.Names()))
	}

	switch c.Broker {
	case BrokerNATS:
		if c.NATSURL == "" {
			errs = append(errs, errors.New("NATS_URL is required with -broker=nats"))
		}
	case BrokerMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid BROKER %q (must be nats or memory)", c.Broker))
	}
	if c.MaxDeliver < 1 {
		errs = append(errs, fmt.Errorf("invalid MAX_DELIVER %d (must be >= 1)", c.MaxDeliver))
	}

	// Provider credentials only matter for stages that call an engine.
	if c.UsesEngine() {
		switch c.LLMProvider {
		case llm.ProviderClaude:
			if c.ClaudeAPIKey == "" {
				errs = append(errs, errors.New("CLAUDE_API_KEY is required with -llm-provider=claude"))
			}
		case llm.ProviderOpenAI:
			if c.OpenAIAPIKey == "" {
				errs = append(errs, errors.New("OPENAI_API_KEY is required with -llm-provider=openai"))
			}
		case llm.ProviderOllama:
		default:
			errs = append(errs, fmt.Errorf("invalid LLM_PROVIDER %q (must be claude, openai or ollama)", c.LLMProvider))
		}
	}

	if !(c.ConfidenceThreshold >= 0 && c.ConfidenceThreshold <= 1) {
		errs = append(errs, fmt.Errorf("invalid CONFIDENCE_THRESHOLD %v (must be 0..1)", c.ConfidenceThreshold))
	}

	for _, d := range []struct {
		name string
		v    time.Duration
	}{
		{"ACK_WAIT", c.AckWait},
		{"LLM_TIMEOUT", c.LLMTimeout},
		{"PROFILE_TIMEOUT", c.ProfileTimeout},
		{"PROFILE_CACHE_TTL", c.ProfileCacheTTL},
		{"POLL_TIMEOUT", c.PollTimeout},
		{"PUBLISH_TIMEOUT", c.PublishTimeout},
	} {
		if d.v <= 0 {
			errs = append(errs, fmt.Errorf("invalid %s %v (must be > 0)", d.name, d.v))
		}
	}
	if c.RedeliverDelay < 0 {
		errs = append(errs, fmt.Errorf("invalid REDELIVER_DELAY %v (must be >= 0)", c.RedeliverDelay))
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// Model returns the configured model or the provider's default.
func (c *Config) Model() string {
	if c.LLMModel != "" {
		return c.LLMModel
	}
	switch c.LLMProvider {
	case llm.ProviderOpenAI:
		return llm.DefaultOpenAIModel
	case llm.ProviderOllama:
		return llm.DefaultOllamaModel
	default:
		return llm.DefaultClaudeModel
	}
}
