package channel

import (
	"context"
	"fmt"
	"time"
)

// Transport opens channels on a pub/sub node
type Transport interface {
	// Open returns a handle on the named topic. Values published through the
	// handle are retained for persistence.
	Open(ctx context.Context, name string, persistence time.Duration) (Channel, error)
	// Name identifies the transport kind
	Name() string
	Close() error
}

// Channel is a handle on one latest-value topic
type Channel interface {
	Name() string
	Persistence() time.Duration
	// Publish makes data the topic's latest value
	Publish(ctx context.Context, data []byte) error
	// Latest returns the newest retained value, or waits up to wait for the
	// next publish. A wait <= 0 uses the handle's persistence.
	Latest(ctx context.Context, wait time.Duration) ([]byte, error)
	Close() error
}

// Subscribable is implemented by channels that can deliver every publish to a
// consumer, not only the latest value. The bridge module side uses it to
// consume the shared command topic.
type Subscribable interface {
	Subscribe(ctx context.Context) (<-chan []byte, error)
}

// ValidateTopic checks the parameters every transport's Open accepts
func ValidateTopic(name string, persistence time.Duration) error {
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTopic)
	}
	if persistence < 0 {
		return fmt.Errorf("%w: negative persistence %s for %s", ErrInvalidTopic, persistence, name)
	}
	return nil
}

// WaitBound resolves the bound Latest waits for
func WaitBound(wait, persistence time.Duration) time.Duration {
	if wait > 0 {
		return wait
	}
	return persistence
}
