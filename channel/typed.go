package channel

import (
	"context"
	"fmt"
	"time"
)

// Codec converts values of T to and from the bytes carried by a channel
type Codec[T any] interface {
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// Typed is a channel carrying values of T
type Typed[T any] struct {
	ch    Channel
	codec Codec[T]
}

// Open opens name on the transport and wraps it with codec
func Open[T any](ctx context.Context, tr Transport, name string, codec Codec[T], persistence time.Duration) (*Typed[T], error) {
	if codec == nil {
		return nil, fmt.Errorf("%w: nil codec for %s", ErrInvalidTopic, name)
	}
	ch, err := tr.Open(ctx, name, persistence)
	if err != nil {
		return nil, err
	}
	return Wrap(ch, codec), nil
}

// Wrap attaches a codec to an open channel
func Wrap[T any](ch Channel, codec Codec[T]) *Typed[T] {
	return &Typed[T]{ch: ch, codec: codec}
}

// Name returns the topic name
func (t *Typed[T]) Name() string {
	return t.ch.Name()
}

// Persistence returns the retention window used for publishes
func (t *Typed[T]) Persistence() time.Duration {
	return t.ch.Persistence()
}

// Raw returns the untyped channel
func (t *Typed[T]) Raw() Channel {
	return t.ch
}

// Publish encodes v and publishes it
func (t *Typed[T]) Publish(ctx context.Context, v T) error {
	data, err := t.codec.Encode(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", t.ch.Name(), err)
	}
	return t.ch.Publish(ctx, data)
}

// Latest reads and decodes the latest value. Decoding failures wrap ErrMalformed.
func (t *Typed[T]) Latest(ctx context.Context, wait time.Duration) (T, error) {
	var zero T
	data, err := t.ch.Latest(ctx, wait)
	if err != nil {
		return zero, err
	}
	v, err := t.codec.Decode(data)
	if err != nil {
		return zero, fmt.Errorf("%w: %s: %w", ErrMalformed, t.ch.Name(), err)
	}
	return v, nil
}

// Close releases the underlying channel
func (t *Typed[T]) Close() error {
	return t.ch.Close()
}
