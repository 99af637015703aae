package util

import (
	"context"
	"math/rand/v2"
	"time"
)

const jitterScale = 2

// JitterTicker fires roughly every interval, offset by up to ±percent of
// the interval, so periodic work from many gateways does not synchronize.
// The interval func is consulted on every reset, so changes apply without
// rebuilding the ticker.
type JitterTicker struct {
	C    <-chan time.Time
	bump chan struct{}
	stop context.CancelFunc
}

func NewJitterTicker(ctx context.Context, interval func() time.Duration, percent float64) *JitterTicker {
	tickCh := make(chan time.Time)
	bump := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(tickCh)
		timer := time.NewTimer(jitter(interval(), percent))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bump:
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(jitter(interval(), percent))
			case t := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- t:
				}
				timer.Reset(jitter(interval(), percent))
			}
		}
	}()
	return &JitterTicker{C: tickCh, bump: bump, stop: cancel}
}

// Bump restarts the current interval without firing.
func (t *JitterTicker) Bump() {
	select {
	case t.bump <- struct{}{}:
	default:
	}
}

func (t *JitterTicker) Stop() {
	t.stop()
}

func jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	n := int64(delta)*jitterScale + 1
	offset := time.Duration(rand.N(n)) - delta //nolint:gosec
	return d + offset
}
