package cfg

import (
	"errors"
	"flag"
	"fmt"
	"strings"

	"github.com/linnemanlabs/sift/internal/triage"
)

// Classifier modes.
const (
	ClassifierPattern = "pattern"
	ClassifierLLM     = "llm"
)

// Config holds the application flags. Each go-core package registers its
// own Config alongside this one.
type Config struct {
	DrainSeconds          int
	ShutdownBudgetSeconds int
	APIPort               int
	APIToken              string

	DatabaseURL string
	RedisURL    string
	RedisKey    string

	KafkaBrokers string
	KafkaTopic   string
	KafkaGroup   string

	PolicyFile               string
	QueueCapacity            int
	Workers                  int
	ClassifierTimeoutSeconds int
	Classifier               string

	ClaudeAPIKey     string
	ClaudeModel      string
	LLMMaxToolRounds int
	LLMMaxTokens     int

	SlackWebhookURL  string
	SlackMinSeverity string
}

// RegisterFlags binds Config fields to the given FlagSet with defaults inline
func (c *Config) RegisterFlags(fs *flag.FlagSet) {
	fs.IntVar(&c.DrainSeconds, "drain-seconds", 60, "seconds to wait for in-flight requests to drain before shutdown (1..300)")
	fs.IntVar(&c.ShutdownBudgetSeconds, "shutdown-budget-seconds", 90, "total seconds for component shutdown after drain (1..300)")
	fs.IntVar(&c.APIPort, "http-port", 8080, "API listen TCP port (1..65535)")
	fs.StringVar(&c.APIToken, "api-token", "", "bearer token(s) for the API, comma-separated to allow rotation")
	fs.StringVar(&c.DatabaseURL, "database-url", "", "PostgreSQL connection URL (empty = in-memory store)")
	fs.StringVar(&c.RedisURL, "redis-url", "", "Redis URL for the shared dispatched set (empty = in-process)")
	fs.StringVar(&c.RedisKey, "redis-key", "sift:dispatched", "Redis set key for dispatched transaction IDs")
	fs.StringVar(&c.KafkaBrokers, "kafka-brokers", "", "comma-separated Kafka seed brokers (empty = no Kafka ingest)")
	fs.StringVar(&c.KafkaTopic, "kafka-topic", "sift.transactions", "Kafka topic carrying captured transactions")
	fs.StringVar(&c.KafkaGroup, "kafka-group", "sift", "Kafka consumer group")
	fs.StringVar(&c.PolicyFile, "policy-file", "", "YAML file overriding the built-in triage policy")
	fs.IntVar(&c.QueueCapacity, "queue-capacity", triage.DefaultQueueCapacity, "pending ingest queue capacity (1..1000000)")
	fs.IntVar(&c.Workers, "workers", triage.DefaultIngestWorkers, "ingest workers (1..64)")
	fs.IntVar(&c.ClassifierTimeoutSeconds, "classifier-timeout-seconds", int(triage.DefaultClassifierTimeout.Seconds()), "behavioral classifier deadline per investigation (1..600)")
	fs.StringVar(&c.Classifier, "classifier", ClassifierPattern, "behavioral classifier: pattern or llm")
	fs.StringVar(&c.ClaudeAPIKey, "claude-api-key", "", "API key for the Claude LLM provider (classifier=llm)")
	fs.StringVar(&c.ClaudeModel, "claude-model", "claude-sonnet-4-20250514", "Claude model to use")
	fs.IntVar(&c.LLMMaxToolRounds, "llm-max-tool-rounds", 15, "tool rounds per LLM investigation (1..50)")
	fs.IntVar(&c.LLMMaxTokens, "llm-max-tokens", 50000, "token budget per LLM investigation")
	fs.StringVar(&c.SlackWebhookURL, "slack-webhook-url", "", "Slack webhook URL for notifications")
	fs.StringVar(&c.SlackMinSeverity, "slack-min-severity", "High", "lowest declared severity that is posted to Slack")
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

	// Shutdown budget must be greater than drain time
	if c.ShutdownBudgetSeconds <= c.DrainSeconds {
		errs = append(errs, fmt.Errorf("SHUTDOWN_BUDGET_SECONDS %d must be greater than DRAIN_SECONDS %d", c.ShutdownBudgetSeconds, c.DrainSeconds))
	}

	// API port must be valid TCP port number
	if c.APIPort <= 0 || c.APIPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid HTTP_PORT %d (must be 1..65535)", c.APIPort))
	}

	if len(c.APITokens()) == 0 {
		errs = append(errs, errors.New("API_TOKEN is required"))
	}

	if c.QueueCapacity <= 0 || c.QueueCapacity > 1_000_000 {
		errs = append(errs, fmt.Errorf("invalid QUEUE_CAPACITY %d (must be 1..1000000)", c.QueueCapacity))
	}
	if c.Workers <= 0 || c.Workers > 64 {
		errs = append(errs, fmt.Errorf("invalid WORKERS %d (must be 1..64)", c.Workers))
	}
	if c.ClassifierTimeoutSeconds <= 0 || c.ClassifierTimeoutSeconds > 600 {
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER_TIMEOUT_SECONDS %d (must be 1..600)", c.ClassifierTimeoutSeconds))
	}

	switch c.Classifier {
	case ClassifierPattern:
	case ClassifierLLM:
		// Claude settings only matter when the LLM investigates
		if c.ClaudeAPIKey == "" {
			errs = append(errs, errors.New("CLAUDE_API_KEY is required when CLASSIFIER=llm"))
		}
		if c.ClaudeModel == "" {
			errs = append(errs, errors.New("CLAUDE_MODEL is required when CLASSIFIER=llm"))
		}
		if c.LLMMaxToolRounds <= 0 || c.LLMMaxToolRounds > 50 {
			errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOOL_ROUNDS %d (must be 1..50)", c.LLMMaxToolRounds))
		}
		if c.LLMMaxTokens <= 0 {
			errs = append(errs, fmt.Errorf("invalid LLM_MAX_TOKENS %d (must be positive)", c.LLMMaxTokens))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid CLASSIFIER %q (must be %s or %s)", c.Classifier, ClassifierPattern, ClassifierLLM))
	}

	if len(c.Brokers()) > 0 && (c.KafkaTopic == "" || c.KafkaGroup == "") {
		errs = append(errs, errors.New("KAFKA_TOPIC and KAFKA_GROUP are required with KAFKA_BROKERS"))
	}

	if c.SlackWebhookURL != "" {
		if _, ok := triage.ParseSeverity(c.SlackMinSeverity); !ok {
			errs = append(errs, fmt.Errorf("invalid SLACK_MIN_SEVERITY %q", c.SlackMinSeverity))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// APITokens returns the accepted bearer tokens.
func (c *Config) APITokens() []string { return splitList(c.APIToken) }

// Brokers returns the Kafka seed brokers.
func (c *Config) Brokers() []string { return splitList(c.KafkaBrokers) }

// MinSlackSeverity returns the parsed Slack threshold, High when unset.
func (c *Config) MinSlackSeverity() triage.Severity {
	if s, ok := triage.ParseSeverity(c.SlackMinSeverity); ok {
		return s
	}
	return triage.SeverityHigh
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
