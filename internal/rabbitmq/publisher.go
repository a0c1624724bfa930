package rabbitmq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

// Publisher publishes values onto topic queues with confirms
type Publisher struct {
	pool           *ChannelPool
	confirmTimeout time.Duration
	retry          reliability.RetryPolicy
	logger         *slog.Logger
}

// PublisherOption configures the publisher
type PublisherOption func(*Publisher)

// WithConfirmTimeout sets the confirmation timeout
func WithConfirmTimeout(timeout time.Duration) PublisherOption {
	return func(p *Publisher) {
		p.confirmTimeout = timeout
	}
}

// WithPublishRetry sets the retry policy for failed publishes
func WithPublishRetry(policy reliability.RetryPolicy) PublisherOption {
	return func(p *Publisher) {
		p.retry = policy
	}
}

// WithPublisherLogger sets the logger
func WithPublisherLogger(logger *slog.Logger) PublisherOption {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// NewPublisher creates a new publisher
func NewPublisher(pool *ChannelPool, options ...PublisherOption) *Publisher {
	p := &Publisher{
		pool:           pool,
		confirmTimeout: 5 * time.Second,
		retry:          reliability.NewExponentialBackoff(50*time.Millisecond, time.Second, 2, 3),
		logger:         slog.Default(),
	}

	for _, opt := range options {
		opt(p)
	}

	return p
}

// Expiration formats a retention window as an AMQP per-message expiration.
// A zero window expires the message unless a consumer takes it immediately.
func Expiration(persistence time.Duration) string {
	if persistence <= 0 {
		return "0"
	}
	return strconv.FormatInt(persistence.Milliseconds(), 10)
}

// Publish sends body to queue through the default exchange and waits for the
// broker confirm
func (p *Publisher) Publish(ctx context.Context, queue string, body []byte, persistence time.Duration) error {
	msg := amqp.Publishing{
		ContentType:  "application/octet-stream",
		DeliveryMode: amqp.Transient,
		Timestamp:    time.Now(),
		Expiration:   Expiration(persistence),
		Body:         body,
	}

	err := reliability.Retry(ctx, p.retry, func() error {
		err := p.publishWithConfirm(ctx, queue, msg)
		if err != nil && !IsRetryable(err) {
			return reliability.Permanent(err)
		}
		return err
	})
	if err != nil {
		return &PublishError{Queue: queue, Err: err, Timestamp: time.Now()}
	}
	return nil
}

func (p *Publisher) publishWithConfirm(ctx context.Context, queue string, msg amqp.Publishing) error {
	return p.pool.Execute(ctx, func(ch *PooledChannel) error {
		confirms, returns, err := ch.EnableConfirms()
		if err != nil {
			return fmt.Errorf("failed to enable confirms: %w", err)
		}

		if err := ch.PublishWithContext(ctx,
			"",    // default exchange
			queue, // routing key is the queue name
			true,  // mandatory
			false, // immediate
			msg,
		); err != nil {
			return fmt.Errorf("failed to publish: %w", err)
		}

		timer := time.NewTimer(p.confirmTimeout)
		defer timer.Stop()

		select {
		case ret := <-returns:
			// A returned message is still followed by its confirm
			<-confirms
			return fmt.Errorf("%w: %s", ErrPublishReturned, ret.ReplyText)
		case confirm := <-confirms:
			if !confirm.Ack {
				return ErrPublishNotConfirmed
			}
			return nil
		case <-timer.C:
			return fmt.Errorf("%w: no confirm within %s", ErrPublishNotConfirmed, p.confirmTimeout)
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}
