package bridge

import (
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

// BridgeOption configures a Bridge
type BridgeOption func(*BridgeConfig)

// BridgeConfig holds configuration for the bridge
type BridgeConfig struct {
	// CommandTopic is the shared topic the bridge module consumes
	CommandTopic string
	// TopicPrefix is prepended to the per-connection reply, output and input topics
	TopicPrefix string
	// ReplyPersistence is how long the bridge module retains statuses
	ReplyPersistence time.Duration
	// OutputPersistence is how long the bridge module retains response payloads
	OutputPersistence time.Duration
	// InputPersistence is how long request bodies are retained for the module
	InputPersistence time.Duration
	// WaitBound caps how long each command waits for its status
	WaitBound time.Duration
	// PayloadTimeout is the default wait of ReadPayload
	PayloadTimeout time.Duration
	// TeardownTimeout caps the best-effort teardown, independent of the caller's context
	TeardownTimeout time.Duration
	RetiredCapacity int
	// BreakerThreshold opens the command circuit breaker after this many
	// consecutive publish failures, 0 to disable. Ignored when CircuitBreaker is set.
	BreakerThreshold int
	// BreakerTimeout is how long the breaker stays open before probing
	BreakerTimeout time.Duration

	CircuitBreaker *reliability.CircuitBreaker
	RetryPolicy    reliability.RetryPolicy
	PollPolicy     reliability.RetryPolicy
	Limiter        *rate.Limiter
	Observer       Observer
	Logger         *slog.Logger
}

// DefaultConfig returns the configuration used when no options are given
func DefaultConfig() BridgeConfig {
	return BridgeConfig{
		CommandTopic:      "HTTPBridge-CMD",
		TopicPrefix:       "HTTPBridge/",
		ReplyPersistence:  3 * time.Second,
		OutputPersistence: 3 * time.Second,
		InputPersistence:  30 * time.Second,
		WaitBound:         time.Second,
		PayloadTimeout:    time.Second,
		TeardownTimeout:   2 * time.Second,
		RetiredCapacity:   DefaultRetiredCapacity,
		RetryPolicy:       reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2.0, 3),
		Observer:          NoopObserver,
		Logger:            slog.Default(),
	}
}

// WithCommandTopic sets the shared command topic
func WithCommandTopic(name string) BridgeOption {
	return func(c *BridgeConfig) {
		c.CommandTopic = name
	}
}

// WithTopicPrefix sets the prefix of per-connection topics
func WithTopicPrefix(prefix string) BridgeOption {
	return func(c *BridgeConfig) {
		c.TopicPrefix = prefix
	}
}

// WithReplyPersistence sets the retention window requested for statuses
func WithReplyPersistence(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.ReplyPersistence = d
	}
}

// WithOutputPersistence sets the retention window requested for payloads
func WithOutputPersistence(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.OutputPersistence = d
	}
}

// WithInputPersistence sets the retention window of request bodies
func WithInputPersistence(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.InputPersistence = d
	}
}

// WithWaitBound sets how long each command waits for its status
func WithWaitBound(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.WaitBound = d
	}
}

// WithPayloadTimeout sets the default ReadPayload wait
func WithPayloadTimeout(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.PayloadTimeout = d
	}
}

// WithTeardownTimeout caps the best-effort teardown
func WithTeardownTimeout(d time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.TeardownTimeout = d
	}
}

// WithRetiredCapacity sets how many ended connection ids are remembered
func WithRetiredCapacity(n int) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetiredCapacity = n
	}
}

// WithCommandBreaker opens a circuit breaker on command publishing after
// failureThreshold consecutive failures, for openTimeout. A non-positive
// threshold disables it.
func WithCommandBreaker(failureThreshold int, openTimeout time.Duration) BridgeOption {
	return func(c *BridgeConfig) {
		c.BreakerThreshold = failureThreshold
		c.BreakerTimeout = openTimeout
	}
}

// WithBridgeCircuitBreaker guards command publishing with a circuit breaker
func WithBridgeCircuitBreaker(cb *reliability.CircuitBreaker) BridgeOption {
	return func(c *BridgeConfig) {
		c.CircuitBreaker = cb
	}
}

// WithBridgeRetryPolicy sets the retry policy for failed command publishes
func WithBridgeRetryPolicy(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.RetryPolicy = policy
	}
}

// WithPollPacing sets the pacing of reply topic reads
func WithPollPacing(policy reliability.RetryPolicy) BridgeOption {
	return func(c *BridgeConfig) {
		c.PollPolicy = policy
	}
}

// WithCommandRate limits publishes on the shared command topic to perSecond
// with the given burst. A non-positive rate disables limiting.
func WithCommandRate(perSecond float64, burst int) BridgeOption {
	return func(c *BridgeConfig) {
		if perSecond <= 0 {
			c.Limiter = nil
			return
		}
		if burst < 1 {
			burst = 1
		}
		c.Limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithObserver sets the metrics observer
func WithObserver(observer Observer) BridgeOption {
	return func(c *BridgeConfig) {
		c.Observer = observer
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(c *BridgeConfig) {
		c.Logger = logger
	}
}
