// Package memconcentrator is an in-memory radio.Concentrator for tests:
// uplinks are injected by hand, transmits are recorded, and transmit
// errors can be scripted per call.
package memconcentrator

import (
	"context"
	"sync"

	"github.com/fieldloop/lorad/pkg/radio"
)

const defaultQueueSize = 64

type Concentrator struct {
	uplinks chan radio.UplinkEvent

	mu     sync.Mutex
	sent   []radio.TxPacket
	txErrs []error
}

var _ radio.Concentrator = (*Concentrator)(nil)

func New() *Concentrator {
	return &Concentrator{
		uplinks: make(chan radio.UplinkEvent, defaultQueueSize),
	}
}

func (c *Concentrator) Uplinks() <-chan radio.UplinkEvent { return c.uplinks }

// Inject delivers an uplink as if it arrived over the air.
func (c *Concentrator) Inject(ev radio.UplinkEvent) {
	c.uplinks <- ev
}

// CloseUplinks ends the uplink stream, as a failed local link would.
func (c *Concentrator) CloseUplinks() {
	close(c.uplinks)
}

func (c *Concentrator) Transmit(ctx context.Context, pkt radio.TxPacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.txErrs) > 0 {
		err := c.txErrs[0]
		c.txErrs = c.txErrs[1:]
		if err != nil {
			return err
		}
	}

	c.sent = append(c.sent, pkt)
	return nil
}

// FailNextWith scripts the results of upcoming Transmit calls, in order.
// A nil entry means success.
func (c *Concentrator) FailNextWith(errs ...error) {
	c.mu.Lock()
	c.txErrs = append(c.txErrs, errs...)
	c.mu.Unlock()
}

// Sent returns a copy of every packet transmitted so far.
func (c *Concentrator) Sent() []radio.TxPacket {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]radio.TxPacket, len(c.sent))
	copy(out, c.sent)
	return out
}
