package feed

import (
	"context"
	"errors"
	"time"

	"github.com/hamed0406/safealert/internal/domain"
)

var ErrFull = errors.New("feed: source buffer full")

// ChannelSource is a push-fed Source: positions reported over HTTP (or by a
// test) are offered to it and handed out by Next.
type ChannelSource struct {
	ch chan Fix
}

func NewChannelSource(buffer int) *ChannelSource {
	if buffer < 1 {
		buffer = 1
	}
	return &ChannelSource{ch: make(chan Fix, buffer)}
}

// Offer queues a fix without blocking.
func (c *ChannelSource) Offer(f Fix) error {
	if f.Time.IsZero() {
		f.Time = time.Now().UTC()
	}
	f.Kind = domain.SampleFix
	select {
	case c.ch <- f:
		return nil
	default:
		return ErrFull
	}
}

// Next waits for the next offered fix. Silence is not an error here; the
// adapter turns it into no-fix markers.
func (c *ChannelSource) Next(ctx context.Context, _ Request) (Fix, error) {
	select {
	case f := <-c.ch:
		return f, nil
	case <-ctx.Done():
		return Fix{}, ctx.Err()
	}
}
