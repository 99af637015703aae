// Package route maps routing keys to remote router endpoints. Lookups are
// served from a TTL cache; misses trigger a single coalesced fetch from the
// routing authority while the triggering uplinks wait in a bounded queue.
package route

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/fieldloop/lorad/pkg/frame"
	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/types"
)

var (
	// ErrNoRoute is returned by the authority, and by Resolve, when a key
	// has no destination. Cached briefly so hot keys do not hammer the
	// authority.
	ErrNoRoute = errors.New("no route for key")
	// ErrPending means a fetch is in flight; the caller's event has been
	// queued and will be delivered or dropped when the fetch settles.
	ErrPending = errors.New("resolution pending")
)

// Authority is the narrow client to the remote routing authority.
type Authority interface {
	LookupRoute(ctx context.Context, key types.RoutingKey) (*types.Route, error)
}

// Delivery receives uplinks once their route is known.
type Delivery interface {
	Deliver(ev radio.UplinkEvent, fr frame.Frame, route *types.Route)
}

const routeCacheSize = 1024

type queuedUplink struct {
	ev radio.UplinkEvent
	fr frame.Frame
}

type Resolver struct {
	log       *zap.SugaredLogger
	authority Authority
	sink      Delivery

	routes   *expirable.LRU[types.RoutingKey, *types.Route]
	negative *expirable.LRU[types.RoutingKey, time.Time]

	group   singleflight.Group
	timeout time.Duration

	mu           sync.Mutex
	pending      map[types.RoutingKey][]queuedUplink
	pendingBound int
}

func NewResolver(authority Authority, sink Delivery, ttl, negativeTTL, timeout time.Duration, pendingBound int) *Resolver {
	return &Resolver{
		log:          zap.S().Named("route"),
		authority:    authority,
		sink:         sink,
		routes:       expirable.NewLRU[types.RoutingKey, *types.Route](routeCacheSize, nil, ttl),
		negative:     expirable.NewLRU[types.RoutingKey, time.Time](routeCacheSize, nil, negativeTTL),
		timeout:      timeout,
		pending:      make(map[types.RoutingKey][]queuedUplink),
		pendingBound: pendingBound,
	}
}

// Resolve answers from cache only. ErrPending means a fetch is (now) in
// flight; ErrNoRoute reflects a cached negative answer.
func (r *Resolver) Resolve(key types.RoutingKey) (*types.Route, error) {
	if route, ok := r.routes.Get(key); ok {
		metrics.ResolveHits.Inc()
		return route, nil
	}
	if _, ok := r.negative.Get(key); ok {
		return nil, ErrNoRoute
	}
	return nil, ErrPending
}

// Forward implements ingest.Forwarder: cached routes deliver immediately,
// misses queue the uplink behind a coalesced authority fetch.
func (r *Resolver) Forward(ev radio.UplinkEvent, fr frame.Frame) {
	key := fr.RoutingKey()

	route, err := r.Resolve(key)
	switch {
	case err == nil:
		r.sink.Deliver(ev, fr, route)
		return
	case errors.Is(err, ErrNoRoute):
		metrics.ResolveNoRoute.Inc()
		r.log.Debugw("dropping uplink for known-unroutable key", "key", key)
		return
	}

	metrics.ResolveMisses.Inc()
	if first := r.enqueue(key, queuedUplink{ev: ev, fr: fr}); first {
		go r.fetch(key)
	}
}

// enqueue appends to the key's pending queue, dropping the oldest entry on
// overflow. Returns true when this call created the queue, i.e. a fetch
// should be started.
func (r *Resolver) enqueue(key types.RoutingKey, q queuedUplink) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	queue, exists := r.pending[key]
	if len(queue) > 0 && len(queue) >= r.pendingBound {
		queue = queue[1:]
		metrics.PendingDropped.Inc()
		r.log.Debugw("pending queue overflow, dropping oldest", "key", key)
	}
	r.pending[key] = append(queue, q)
	return !exists
}

func (r *Resolver) takePending(key types.RoutingKey) []queuedUplink {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.pending[key]
	delete(r.pending, key)
	return queue
}

func (r *Resolver) fetch(key types.RoutingKey) {
	v, err, _ := r.group.Do(key.String(), func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		defer cancel()
		return r.authority.LookupRoute(ctx, key)
	})

	queued := r.takePending(key)

	switch {
	case err == nil:
		route := v.(*types.Route)
		r.routes.Add(key, route)
		for _, q := range queued {
			r.sink.Deliver(q.ev, q.fr, route)
		}
	case errors.Is(err, ErrNoRoute):
		r.negative.Add(key, time.Now())
		metrics.ResolveNoRoute.Inc()
		if n := len(queued); n > 0 {
			metrics.PendingDropped.Add(float64(n))
		}
		r.log.Infow("authority reports no route", "key", key, "dropped", len(queued))
	default:
		// Authority unreachable or slow. Queued events are dropped; the
		// next uplink for this key retries the fetch.
		if n := len(queued); n > 0 {
			metrics.PendingDropped.Add(float64(n))
		}
		r.log.Warnw("route fetch failed", "key", key, "dropped", len(queued), "err", err)
	}
}

// Install atomically replaces the cached route for its key. Used for
// authority push updates arriving over active sessions; bypasses TTL.
func (r *Resolver) Install(route *types.Route) {
	if route == nil || len(route.Endpoints) == 0 {
		return
	}
	r.negative.Remove(route.Key)
	r.routes.Add(route.Key, route)
	r.log.Infow("route installed", "key", route.Key, "endpoints", len(route.Endpoints))
}

// Invalidate removes a cached route in response to an authority
// invalidation signal.
func (r *Resolver) Invalidate(key types.RoutingKey) {
	r.routes.Remove(key)
	r.log.Infow("route invalidated", "key", key)
}
