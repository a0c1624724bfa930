package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-httpbridge/channel"
	"github.com/glimte/mmate-httpbridge/contracts"
	"github.com/glimte/mmate-httpbridge/internal/reliability"
)

// StatusReader reads the latest status on a reply topic
type StatusReader interface {
	Name() string
	Latest(ctx context.Context, wait time.Duration) (contracts.StatusMessage, error)
}

// Correlator waits for the status answering a specific command. Reply topics
// only expose their newest value, so whatever is read is checked against the
// command's id, kind and sequence and the read is repeated until the answer
// shows up or the budget runs out.
type Correlator struct {
	poll     reliability.RetryPolicy
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

// CorrelatorOption configures a Correlator
type CorrelatorOption func(*Correlator)

// WithPollPolicy sets the pacing between reads of a non-matching value
func WithPollPolicy(policy reliability.RetryPolicy) CorrelatorOption {
	return func(c *Correlator) {
		c.poll = policy
	}
}

// WithCorrelatorObserver sets the metrics observer
func WithCorrelatorObserver(observer Observer) CorrelatorOption {
	return func(c *Correlator) {
		c.observer = observer
	}
}

// WithCorrelatorLogger sets the logger
func WithCorrelatorLogger(logger *slog.Logger) CorrelatorOption {
	return func(c *Correlator) {
		c.logger = logger
	}
}

// NewCorrelator creates a correlator
func NewCorrelator(opts ...CorrelatorOption) *Correlator {
	c := &Correlator{
		poll:     reliability.NewExponentialBackoff(5*time.Millisecond, 100*time.Millisecond, 2.0, -1),
		observer: NoopObserver,
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Await returns the status answering cmd. It fails with a *TimeoutError when
// nothing arrives within budget, with a *MismatchError when the only values
// seen answered other commands, and with the transport error when the reply
// topic cannot be read.
func (c *Correlator) Await(ctx context.Context, reply StatusReader, cmd contracts.Command, budget time.Duration) (contracts.StatusMessage, error) {
	start := c.now()
	deadline := start.Add(budget)
	logger := c.logger.With(
		"command", cmd.Kind(),
		"requestId", cmd.GetID(),
		"sequence", cmd.GetSequence(),
		"topic", reply.Name())

	var (
		mismatch *contracts.StatusMessage
		reads    int
	)
	for attempt := 0; ; attempt++ {
		remaining := deadline.Sub(c.now())
		if remaining <= 0 {
			break
		}

		reads++
		s, err := reply.Latest(ctx, remaining)
		switch {
		case err == nil:
		case ctx.Err() != nil:
			return contracts.StatusMessage{}, ctx.Err()
		case errors.Is(err, channel.ErrTimeout):
			logger.Debug("reply topic empty", "waited", remaining)
			if err := c.pause(ctx, attempt, deadline); err != nil {
				return contracts.StatusMessage{}, err
			}
			continue
		case errors.Is(err, channel.ErrMalformed):
			logger.Warn("ignoring malformed status", "error", err)
			if err := c.pause(ctx, attempt, deadline); err != nil {
				return contracts.StatusMessage{}, err
			}
			continue
		default:
			return contracts.StatusMessage{}, fmt.Errorf("failed to read reply topic %s: %w", reply.Name(), err)
		}

		if s.Answers(cmd) {
			logger.Debug("status correlated", "status", s.Status, "reads", reads)
			return s, nil
		}

		if s.Sequence < cmd.GetSequence() && s.ConnectionID == contracts.CommandConnectionID(cmd) {
			// An earlier answer on this topic is still retained
			logger.Debug("stale status on reply topic", "gotCommand", s.Command, "gotSequence", s.Sequence)
		} else {
			logger.Warn("status answers another command",
				"gotCommand", s.Command,
				"gotSequence", s.Sequence,
				"gotCorrelationId", s.CorrelationID)
			c.observer.Mismatch(cmd.Kind())
			seen := s
			mismatch = &seen
		}

		if err := c.pause(ctx, attempt, deadline); err != nil {
			return contracts.StatusMessage{}, err
		}
	}

	waited := c.now().Sub(start)
	if mismatch != nil {
		return contracts.StatusMessage{}, &MismatchError{
			Topic:            reply.Name(),
			Expected:         cmd.Kind(),
			ExpectedSequence: cmd.GetSequence(),
			Got:              mismatch.Command,
			GotSequence:      mismatch.Sequence,
			GotCorrelationID: mismatch.CorrelationID,
			Waited:           waited,
		}
	}
	return contracts.StatusMessage{}, &TimeoutError{
		Command:  cmd.Kind(),
		Topic:    reply.Name(),
		Waited:   waited,
		Attempts: reads,
	}
}

func (c *Correlator) pause(ctx context.Context, attempt int, deadline time.Time) error {
	delay := c.poll.NextDelay(attempt)
	if remaining := deadline.Sub(c.now()); delay > remaining {
		delay = remaining
	}
	return reliability.Sleep(ctx, delay)
}
