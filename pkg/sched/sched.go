// Package sched arms downlink transmissions against their receive
// windows. Windows are physical: a late send is worthless, so deadlines
// are re-validated at fire time and anything provably late is dropped as
// Expired rather than attempted.
package sched

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/types"
)

// Window selects which receive window a downlink targets.
type Window int

const (
	WindowRx1 Window = iota
	WindowRx2
)

func (w Window) String() string {
	if w == WindowRx2 {
		return "rx2"
	}
	return "rx1"
}

// Offset returns the window's fixed delay after the originating uplink.
func (w Window) Offset() time.Duration {
	if w == WindowRx2 {
		return rx2Offset
	}
	return rx1Offset
}

const (
	// LoRaWAN class A receive window delays.
	rx1Offset = 1 * time.Second
	rx2Offset = 2 * time.Second

	// Concentrator counter ticks are microseconds.
	microsPerSecond = 1_000_000
)

// WindowParams are the radio parameters for one window slot.
type WindowParams struct {
	Frequency uint32
	Datarate  radio.Datarate
}

// Downlink is an inbound instruction from a router, bound for a
// concentrator receive window.
type Downlink struct {
	Payload []byte
	Gateway types.GatewayID
	Power   int8
	Window  Window
	Rx1     WindowParams
	// Rx2 carries the second-window parameters when the router allows a
	// fallback; nil otherwise.
	Rx2 *WindowParams
	// UplinkTimestamp is the concentrator counter at the originating
	// uplink receive; the transmit counter target is derived from it.
	UplinkTimestamp uint32
	// UplinkReceivedAt anchors the wall-clock deadline computation.
	UplinkReceivedAt time.Time
}

// Outcome of a schedule call.
type Outcome int

const (
	Scheduled Outcome = iota
	Expired
)

func (o Outcome) String() string {
	if o == Expired {
		return "expired"
	}
	return "scheduled"
}

type armed struct {
	timer  *clock.Timer
	cancel func()
}

type slotKey struct {
	gateway types.GatewayID
	window  Window
}

// Scheduler owns the armed-downlink timers: at most one instruction per
// concentrator per window; later instructions supersede earlier ones.
type Scheduler struct {
	log          *zap.SugaredLogger
	clock        clock.Clock
	concentrator radio.Concentrator
	margin       time.Duration
	txTimeout    time.Duration

	mu    sync.Mutex
	slots map[slotKey]*armed
}

func New(clk clock.Clock, concentrator radio.Concentrator, margin, txTimeout time.Duration) *Scheduler {
	return &Scheduler{
		log:          zap.S().Named("sched"),
		clock:        clk,
		concentrator: concentrator,
		margin:       margin,
		txTimeout:    txTimeout,
		slots:        make(map[slotKey]*armed),
	}
}

// Schedule computes the absolute send deadline for the instruction and
// arms a timer, unless the deadline has already passed.
func (s *Scheduler) Schedule(d Downlink) Outcome {
	deadline := d.UplinkReceivedAt.Add(d.Window.Offset()).Add(-s.currentMargin())
	now := s.clock.Now()
	if !now.Before(deadline) {
		metrics.DownlinksExpired.Inc()
		s.log.Debugw("downlink window closed before scheduling",
			"gateway", d.Gateway, "window", d.Window, "late_by", now.Sub(deadline))
		return Expired
	}

	key := slotKey{gateway: d.Gateway, window: d.Window}
	ctx, cancel := context.WithCancel(context.Background())
	slot := &armed{cancel: cancel}

	// The slot must be in the map before the timer exists: a near-deadline
	// fire would otherwise miss its own entry and leave it behind.
	s.mu.Lock()
	if prev, ok := s.slots[key]; ok {
		prev.timer.Stop()
		prev.cancel()
		metrics.DownlinksSuperseded.Inc()
		s.log.Debugw("superseding armed downlink", "gateway", d.Gateway, "window", d.Window)
	}
	s.slots[key] = slot
	slot.timer = s.clock.AfterFunc(deadline.Sub(now), func() {
		s.fire(ctx, key, slot, d, deadline)
	})
	s.mu.Unlock()

	metrics.DownlinksScheduled.Inc()
	return Scheduled
}

func (s *Scheduler) fire(ctx context.Context, key slotKey, slot *armed, d Downlink, deadline time.Time) {
	s.mu.Lock()
	if s.slots[key] == slot {
		delete(s.slots, key)
	}
	s.mu.Unlock()

	if ctx.Err() != nil {
		return
	}

	// Re-validate: scheduling delay must not turn a late send into an
	// attempted one. The margin already covers local processing, so
	// firing more than a margin past the deadline means the window is
	// gone.
	if lateBy := s.clock.Now().Sub(deadline); lateBy > s.currentMargin() {
		metrics.DownlinksExpired.Inc()
		s.log.Warnw("downlink timer fired past deadline, dropping",
			"gateway", d.Gateway, "window", d.Window, "late_by", lateBy)
		return
	}

	s.transmit(ctx, d)
}

func (s *Scheduler) transmit(ctx context.Context, d Downlink) {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()

	err := s.concentrator.Transmit(ctx, s.txPacket(d, d.Window))
	if err == nil {
		return
	}

	// The concentrator judged the rx1 slot unhittable; try once on rx2 if
	// the router provided parameters for it. Any rx2 failure is final.
	if d.Window == WindowRx1 && d.Rx2 != nil &&
		(errors.Is(err, radio.ErrTxTooEarly) || errors.Is(err, radio.ErrTxTooLate)) {
		s.log.Debugw("rx1 rejected, retrying on rx2", "gateway", d.Gateway, "err", err)
		if err2 := s.concentrator.Transmit(ctx, s.txPacket(d, WindowRx2)); err2 != nil {
			metrics.DownlinkTxFailures.Inc()
			s.log.Warnw("ignoring rx2 downlink error", "gateway", d.Gateway, "err", err2)
		}
		return
	}

	// Windows are one-shot; the failure is reported, never retried.
	metrics.DownlinkTxFailures.Inc()
	s.log.Warnw("ignoring downlink transmit error", "gateway", d.Gateway, "window", d.Window, "err", err)
}

func (s *Scheduler) txPacket(d Downlink, w Window) radio.TxPacket {
	params := d.Rx1
	if w == WindowRx2 && d.Rx2 != nil {
		params = *d.Rx2
	}
	return radio.TxPacket{
		Payload:   d.Payload,
		Frequency: params.Frequency,
		Datarate:  params.Datarate,
		Power:     d.Power,
		Timestamp: d.UplinkTimestamp + uint32(w.Offset()/time.Second)*microsPerSecond,
		Gateway:   d.Gateway,
	}
}

// TransmitNow bypasses window scheduling for self-originated traffic
// (beacons) that has no uplink anchor.
func (s *Scheduler) TransmitNow(ctx context.Context, pkt radio.TxPacket) error {
	ctx, cancel := context.WithTimeout(ctx, s.txTimeout)
	defer cancel()
	return s.concentrator.Transmit(ctx, pkt)
}

// Close disarms every pending downlink. Used at shutdown; late transmit
// attempts against a closing concentrator are pointless.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, slot := range s.slots {
		slot.timer.Stop()
		slot.cancel()
		delete(s.slots, key)
	}
}

func (s *Scheduler) currentMargin() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.margin
}

// SetMargin applies a new processing margin on config reload.
func (s *Scheduler) SetMargin(margin time.Duration) {
	s.mu.Lock()
	s.margin = margin
	s.mu.Unlock()
}

// Armed reports whether an instruction is currently armed for the
// gateway/window slot.
func (s *Scheduler) Armed(gw types.GatewayID, w Window) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.slots[slotKey{gateway: gw, window: w}]
	return ok
}
