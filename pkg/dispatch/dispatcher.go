// Package dispatch owns the persistent sessions to remote routers: one per
// distinct endpoint, each with its own reconnect/backoff lifecycle and a
// bounded send queue. Uplinks go out in receive order per session; inbound
// downlinks, route-table pushes and filter updates are fanned out to their
// consumers.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fieldloop/lorad/pkg/frame"
	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/types"
)

var ErrShuttingDown = errors.New("dispatcher shutting down")

const dialTimeout = 10 * time.Second

// Consumers receive the inbound halves of router sessions.
type Consumers struct {
	Downlink    func(DownlinkMessage)
	RouteUpdate func(RouteUpdateMessage)
	Filter      func(FilterMessage)
}

type Config struct {
	QueueBound    int
	UplinkTimeout time.Duration
	BackoffBase   time.Duration
	BackoffCeil   time.Duration
	// DefaultRouters carry traffic with no resolved route context:
	// witness reports and beacon receipts.
	DefaultRouters []types.KeyedEndpoint
}

type Dispatcher struct {
	log       *zap.SugaredLogger
	transport Transport
	signer    signer.Signer
	sessions  *Registry
	consumers Consumers
	// onFault escalates unrecoverable local conditions (unusable signing
	// key) toward the process.
	onFault func(error)

	conf Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	workers map[types.RouterKey]*worker
	closed  bool
}

func New(transport Transport, sign signer.Signer, consumers Consumers, conf Config, onFault func(error)) *Dispatcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		log:       zap.S().Named("dispatch"),
		transport: transport,
		signer:    sign,
		sessions:  NewRegistry(conf.BackoffBase, conf.BackoffCeil),
		consumers: consumers,
		onFault:   onFault,
		conf:      conf,
		ctx:       ctx,
		cancel:    cancel,
		workers:   make(map[types.RouterKey]*worker),
	}
}

// Sessions exposes read-only session state for status reporting and tests.
func (d *Dispatcher) Sessions() *Registry { return d.sessions }

// Deliver implements route.Delivery: the uplink is queued on the session
// for the route's first viable endpoint, creating the session on first
// use.
func (d *Dispatcher) Deliver(ev radio.UplinkEvent, fr frame.Frame, route *types.Route) {
	ep, ok := d.pickEndpoint(route)
	if !ok {
		d.log.Debugw("route has no usable endpoint", "key", fr.RoutingKey())
		return
	}

	w, err := d.workerFor(ep)
	if err != nil {
		d.log.Debugw("dropping uplink", "router", ep.PublicKey.Short(), "err", err)
		return
	}
	w.enqueue(item{tp: msgUplink, payload: encodeUplink(ev)})
}

// SendWitness forwards a witness report upstream over a default router
// session. The session queue provides the transient retry buffer: reports
// wait out reconnects, and overflow drops the oldest.
func (d *Dispatcher) SendWitness(report WitnessReport) error {
	if len(d.conf.DefaultRouters) == 0 {
		return errors.New("no default router configured")
	}

	w, err := d.workerFor(d.conf.DefaultRouters[0])
	if err != nil {
		return err
	}
	w.enqueue(item{tp: msgWitness, payload: encodeWitness(report)})
	return nil
}

// pickEndpoint walks the route's candidates in listed order, skipping
// sessions that have been closed as unrecoverable.
func (d *Dispatcher) pickEndpoint(route *types.Route) (types.KeyedEndpoint, bool) {
	if route == nil {
		return types.KeyedEndpoint{}, false
	}
	for _, ep := range route.Endpoints {
		if d.sessions.InState(ep.PublicKey, StateClosed) {
			continue
		}
		return ep, true
	}
	return types.KeyedEndpoint{}, false
}

func (d *Dispatcher) workerFor(ep types.KeyedEndpoint) (*worker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, ErrShuttingDown
	}

	if w, ok := d.workers[ep.PublicKey]; ok {
		d.sessions.Step(time.Now(), Register{Endpoint: ep})
		return w, nil
	}

	d.sessions.Step(time.Now(), Register{Endpoint: ep})
	w := &worker{
		d:     d,
		key:   ep.PublicKey,
		queue: make(chan item, d.conf.QueueBound),
	}
	d.workers[ep.PublicKey] = w

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		w.run(d.ctx)
	}()

	return w, nil
}

// newAssertion signs the gateway identity for a session handshake. A
// signing failure here is fatal for the process, not the session.
func newAssertion(sign signer.Signer) (Assertion, error) {
	pub := sign.PublicKey()
	nonce := uuid.New()

	sig, err := sign.Sign(handshakeSigningInput(pub, nonce[:]))
	if err != nil {
		return Assertion{}, fmt.Errorf("sign session assertion: %w", err)
	}

	return Assertion{PublicKey: pub, Nonce: nonce[:], Signature: sig}, nil
}

// Connect opens sessions to the configured default routers. Downlinks,
// route pushes and filter updates ride inbound on router sessions, so
// these must exist before the first uplink ever goes out.
func (d *Dispatcher) Connect() {
	for _, ep := range d.conf.DefaultRouters {
		if _, err := d.workerFor(ep); err != nil {
			return
		}
	}
}

// Drain refuses new work, gives in-flight queues until ctx expires to
// empty, then tears all sessions down.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.mu.Lock()
	d.closed = true
	workers := make([]*worker, 0, len(d.workers))
	for _, w := range d.workers {
		workers = append(workers, w)
	}
	d.mu.Unlock()

	// Bounded grace for queues to flush.
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
drain:
	for {
		empty := true
		for _, w := range workers {
			if len(w.queue) > 0 {
				empty = false
				break
			}
		}
		if empty {
			break
		}
		select {
		case <-ctx.Done():
			break drain
		case <-ticker.C:
		}
	}

	d.sessions.CloseAll()
	d.cancel()
	d.wg.Wait()
	_ = d.transport.Close()
}

type item struct {
	tp      msgType
	payload []byte
	retried bool
}

type worker struct {
	d     *Dispatcher
	key   types.RouterKey
	queue chan item
}

// enqueue adds to the bounded send queue, dropping the oldest entry when
// full. Never blocks the producer.
func (w *worker) enqueue(it item) {
	for {
		select {
		case w.queue <- it:
			return
		default:
		}
		select {
		case <-w.queue:
			metrics.SessionQueueDropped.Inc()
			w.d.log.Debugw("session queue overflow, dropping oldest", "router", w.key.Short())
		default:
		}
	}
}

// run is the session lifecycle: dial, handshake, serve, back off, repeat,
// until shutdown.
func (w *worker) run(ctx context.Context) {
	log := w.d.log.With("router", w.key.Short())

	for {
		sess, ok := w.d.sessions.Get(w.key)
		if !ok || sess.State == StateClosed {
			return
		}

		if wait := time.Until(sess.NextDialAt); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}

		// The registry decides whether this session is due; a Tick that
		// emits no dial for our key means it was closed or rescheduled
		// meanwhile.
		ep, due := w.dueDial()
		if !due {
			continue
		}

		if sess.Attempts > 0 {
			metrics.SessionReconnects.Inc()
		}

		conn, err := w.dialAndHandshake(ctx, ep)
		if err != nil {
			if errors.Is(err, signer.ErrKeyUnusable) {
				w.d.sessions.Step(time.Now(), Shutdown{Key: w.key})
				w.d.onFault(err)
				return
			}
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, ErrIdentityMismatch) {
				log.Warnw("session connect failed: identity mismatch", "err", err)
			} else {
				log.Debugw("session connect failed", "err", err)
			}
			w.d.sessions.Step(time.Now(), TransportFailed{Key: w.key})
			continue
		}

		w.d.sessions.Step(time.Now(), HandshakeSucceeded{Key: w.key})
		log.Infow("session active", "addr", sess.Endpoint.Addr)

		err = w.serve(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		log.Debugw("session lost", "err", err)
		w.d.sessions.Step(time.Now(), TransportFailed{Key: w.key})
	}
}

// dueDial steps the registry clock forward and picks out the dial order
// for this worker's router, if one is due.
func (w *worker) dueDial() (types.KeyedEndpoint, bool) {
	for _, out := range w.d.sessions.Step(time.Now(), Tick{}) {
		if dial, ok := out.(AttemptDial); ok && dial.Endpoint.PublicKey == w.key {
			return dial.Endpoint, true
		}
	}
	return types.KeyedEndpoint{}, false
}

func (w *worker) dialAndHandshake(ctx context.Context, ep types.KeyedEndpoint) (Conn, error) {
	assertion, err := newAssertion(w.d.signer)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	conn, err := w.d.transport.Dial(dialCtx, ep)
	if err != nil {
		return nil, err
	}

	if err := conn.Handshake(dialCtx, assertion); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

// serve pumps the session until either direction fails.
func (w *worker) serve(ctx context.Context, conn Conn) error {
	g, gctx := errgroup.WithContext(ctx)

	// Closing the connection unblocks the Recv loop when the other
	// goroutine or the parent context gives up.
	go func() {
		<-gctx.Done()
		_ = conn.Close()
	}()

	g.Go(func() error {
		return w.readLoop(gctx, conn)
	})
	g.Go(func() error {
		return w.writeLoop(gctx, conn)
	})

	return g.Wait()
}

func (w *worker) readLoop(ctx context.Context, conn Conn) error {
	for {
		msg, err := conn.Recv(ctx)
		if err != nil {
			return err
		}

		switch m := msg.(type) {
		case DownlinkMessage:
			if w.d.consumers.Downlink != nil {
				w.d.consumers.Downlink(m)
			}
		case RouteUpdateMessage:
			if w.d.consumers.RouteUpdate != nil {
				w.d.consumers.RouteUpdate(m)
			}
		case FilterMessage:
			if w.d.consumers.Filter != nil {
				w.d.consumers.Filter(m)
			}
		}
	}
}

func (w *worker) writeLoop(ctx context.Context, conn Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case it := <-w.queue:
			sendCtx, cancel := context.WithTimeout(ctx, w.d.conf.UplinkTimeout)
			var err error
			switch it.tp {
			case msgWitness:
				err = conn.SendWitness(sendCtx, it.payload)
			default:
				err = conn.SendUplink(sendCtx, it.payload)
			}
			cancel()
			if err != nil {
				// A witness report survives one transport failure; it
				// rides the queue into the reconnected session.
				if it.tp == msgWitness && !it.retried {
					it.retried = true
					w.enqueue(it)
				}
				return err
			}
			if it.tp == msgUplink {
				metrics.UplinksForwarded.Inc()
			} else {
				metrics.WitnessesForwarded.Inc()
			}
		}
	}
}
