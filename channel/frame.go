package channel

import (
	"encoding/binary"
	"fmt"
	"time"
)

const (
	frameMagic   byte = 0xB7
	frameVersion byte = 1
	frameHeader       = 2 + 8 + 8
)

// Frame is a value stamped with its publish time and retention window, for
// brokers that keep a retained value without expiring it
type Frame struct {
	PublishedAt time.Time
	Persistence time.Duration
	Data        []byte
}

// Stamp encodes data with its publish time and retention window
func Stamp(data []byte, publishedAt time.Time, persistence time.Duration) []byte {
	buf := make([]byte, frameHeader+len(data))
	buf[0] = frameMagic
	buf[1] = frameVersion
	binary.BigEndian.PutUint64(buf[2:10], uint64(publishedAt.UnixMilli()))
	binary.BigEndian.PutUint64(buf[10:18], uint64(persistence.Milliseconds()))
	copy(buf[frameHeader:], data)
	return buf
}

// Unstamp decodes a stamped value
func Unstamp(b []byte) (Frame, error) {
	if len(b) < frameHeader {
		return Frame{}, fmt.Errorf("%w: frame too short (%d bytes)", ErrMalformed, len(b))
	}
	if b[0] != frameMagic || b[1] != frameVersion {
		return Frame{}, fmt.Errorf("%w: unknown frame header %x%x", ErrMalformed, b[0], b[1])
	}
	return Frame{
		PublishedAt: time.UnixMilli(int64(binary.BigEndian.Uint64(b[2:10]))),
		Persistence: time.Duration(int64(binary.BigEndian.Uint64(b[10:18]))) * time.Millisecond,
		Data:        append([]byte(nil), b[frameHeader:]...),
	}, nil
}

// Live reports whether the frame is still inside its retention window at now
func (f Frame) Live(now time.Time) bool {
	if f.Persistence <= 0 {
		return false
	}
	return now.Before(f.PublishedAt.Add(f.Persistence))
}
