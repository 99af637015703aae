// Package memrouter is an in-memory router for tests: it implements
// dispatch.Transport, hands out scriptable connections, records what the
// gateway sends and lets tests push inbound messages.
package memrouter

import (
	"context"
	"errors"
	"sync"

	"github.com/fieldloop/lorad/pkg/dispatch"
	"github.com/fieldloop/lorad/pkg/route"
	"github.com/fieldloop/lorad/pkg/types"
)

const inboundQueueSize = 64

var (
	ErrClosed      = errors.New("memrouter: connection closed")
	ErrDialRefused = errors.New("memrouter: dial refused")
	ErrSendFailed  = errors.New("memrouter: send failed")
)

// Router plays every remote role at once: session peer and routing
// authority. Tests that need several distinct routers create several
// Routers and a Network to dispatch between them.
type Router struct {
	mu sync.Mutex

	rejectHandshake  bool
	failDials        int
	failWitnessSends int
	dials            int

	routes map[types.RoutingKey]*types.Route

	uplinks   [][]byte
	witnesses [][]byte

	conns []*Conn
}

var _ dispatch.Transport = (*Router)(nil)

func New() *Router {
	return &Router{routes: make(map[types.RoutingKey]*types.Route)}
}

// SetRoute installs an authority answer for a key.
func (r *Router) SetRoute(key types.RoutingKey, rt *types.Route) {
	r.mu.Lock()
	r.routes[key] = rt
	r.mu.Unlock()
}

// RejectHandshakes makes every subsequent handshake fail.
func (r *Router) RejectHandshakes(reject bool) {
	r.mu.Lock()
	r.rejectHandshake = reject
	r.mu.Unlock()
}

// FailDials makes the next n dials fail at the transport level.
func (r *Router) FailDials(n int) {
	r.mu.Lock()
	r.failDials = n
	r.mu.Unlock()
}

// FailWitnessSends makes the next n witness sends fail mid-stream.
func (r *Router) FailWitnessSends(n int) {
	r.mu.Lock()
	r.failWitnessSends = n
	r.mu.Unlock()
}

// Sessions reports how many connections have been accepted so far.
func (r *Router) Sessions() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *Router) Dials() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dials
}

func (r *Router) Uplinks() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.uplinks))
	copy(out, r.uplinks)
	return out
}

func (r *Router) Witnesses() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.witnesses))
	copy(out, r.witnesses)
	return out
}

// Push delivers an inbound message on every live connection.
func (r *Router) Push(msg dispatch.Message) {
	r.mu.Lock()
	conns := make([]*Conn, len(r.conns))
	copy(conns, r.conns)
	r.mu.Unlock()

	for _, c := range conns {
		c.push(msg)
	}
}

func (r *Router) Dial(ctx context.Context, ep types.KeyedEndpoint) (dispatch.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.dials++
	if r.failDials > 0 {
		r.failDials--
		return nil, ErrDialRefused
	}

	c := &Conn{
		router:  r,
		inbound: make(chan dispatch.Message, inboundQueueSize),
		done:    make(chan struct{}),
	}
	r.conns = append(r.conns, c)
	return c, nil
}

func (r *Router) Close() error { return nil }

type Conn struct {
	router  *Router
	inbound chan dispatch.Message

	closeOnce sync.Once
	done      chan struct{}
}

var _ dispatch.Conn = (*Conn)(nil)

func (c *Conn) Handshake(ctx context.Context, a dispatch.Assertion) error {
	c.router.mu.Lock()
	reject := c.router.rejectHandshake
	c.router.mu.Unlock()
	if reject {
		return dispatch.ErrHandshakeRejected
	}
	return nil
}

func (c *Conn) SendUplink(ctx context.Context, payload []byte) error {
	return c.record(&c.router.uplinks, payload)
}

func (c *Conn) SendWitness(ctx context.Context, payload []byte) error {
	c.router.mu.Lock()
	if c.router.failWitnessSends > 0 {
		c.router.failWitnessSends--
		c.router.mu.Unlock()
		return ErrSendFailed
	}
	c.router.mu.Unlock()
	return c.record(&c.router.witnesses, payload)
}

func (c *Conn) record(dst *[][]byte, payload []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.router.mu.Lock()
	*dst = append(*dst, append([]byte(nil), payload...))
	c.router.mu.Unlock()
	return nil
}

func (c *Conn) LookupRoute(ctx context.Context, key types.RoutingKey) (*types.Route, error) {
	select {
	case <-c.done:
		return nil, ErrClosed
	default:
	}
	c.router.mu.Lock()
	rt, ok := c.router.routes[key]
	c.router.mu.Unlock()
	if !ok || rt == nil {
		return nil, route.ErrNoRoute
	}
	return rt, nil
}

func (c *Conn) Recv(ctx context.Context) (dispatch.Message, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	case msg := <-c.inbound:
		return msg, nil
	}
}

func (c *Conn) push(msg dispatch.Message) {
	select {
	case c.inbound <- msg:
	case <-c.done:
	}
}

func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}
