// Package gateway assembles the routing engine: uplinks from the
// concentrator flow through ingest, route resolution and dispatch; the
// return path feeds the downlink scheduler; beacons run alongside.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/beacon"
	"github.com/fieldloop/lorad/pkg/config"
	"github.com/fieldloop/lorad/pkg/dispatch"
	"github.com/fieldloop/lorad/pkg/filter"
	"github.com/fieldloop/lorad/pkg/frame"
	"github.com/fieldloop/lorad/pkg/ingest"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/region"
	"github.com/fieldloop/lorad/pkg/route"
	"github.com/fieldloop/lorad/pkg/sched"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/types"
)

const faultBufSize = 4

type Gateway struct {
	log  *zap.SugaredLogger
	conf *config.Config

	concentrator radio.Concentrator
	filters      *filter.Store
	ingestor     *ingest.Ingestor
	resolver     *route.Resolver
	dispatcher   *dispatch.Dispatcher
	scheduler    *sched.Scheduler
	beacons      *beacon.Manager
	authority    *dispatch.AuthorityClient

	// faults carries unrecoverable conditions out of subsystem goroutines;
	// the run loop exits on the first one.
	faults chan error

	// seenClients tracks which concentrator clients have shown up on the
	// local link, for lifecycle logging. Only touched from the run loop.
	seenClients map[types.GatewayID]struct{}
}

func New(conf *config.Config, sign signer.Signer, transport dispatch.Transport, concentrator radio.Concentrator, clk clock.Clock) (*Gateway, error) {
	regionName := conf.Region
	if regionName == "" {
		regionName = string(region.US915)
	}
	plan, err := region.PlanFor(regionName)
	if err != nil {
		return nil, fmt.Errorf("%w (known: %v)", err, region.Known())
	}

	if conf.Authority.PublicKey == "" {
		return nil, errors.New("config: authority must be set")
	}
	authorityEP, err := config.ParseEndpoint(conf.Authority)
	if err != nil {
		return nil, fmt.Errorf("authority: %w", err)
	}

	defaults, err := conf.Endpoints()
	if err != nil {
		return nil, err
	}

	g := &Gateway{
		log:          zap.S().Named("gateway"),
		conf:         conf,
		concentrator: concentrator,
		filters:      filter.NewStore(),
		faults:       make(chan error, faultBufSize),
		seenClients:  make(map[types.GatewayID]struct{}),
	}

	tuning := conf.Tuning
	g.scheduler = sched.New(clk, concentrator, tuning.SchedulingMarginOrDefault(), tuning.DownlinkTimeoutOrDefault())

	g.dispatcher = dispatch.New(transport, sign, dispatch.Consumers{
		Downlink:    g.handleDownlink,
		RouteUpdate: g.handleRouteUpdate,
		Filter:      g.handleFilter,
	}, dispatch.Config{
		QueueBound:     tuning.SessionQueueOrDefault(),
		UplinkTimeout:  tuning.UplinkTimeoutOrDefault(),
		BackoffBase:    tuning.BackoffBaseOrDefault(),
		BackoffCeil:    tuning.BackoffCeilingOrDefault(),
		DefaultRouters: defaults,
	}, g.fault)

	g.authority = dispatch.NewAuthorityClient(transport, sign, authorityEP, g.fault)
	g.resolver = route.NewResolver(g.authority, g.dispatcher,
		tuning.RouteTTLOrDefault(), tuning.NegativeRouteTTLOrDefault(),
		tuning.ResolveTimeoutOrDefault(), tuning.PendingQueueOrDefault())

	g.ingestor = ingest.New(frame.BasicDecoder{}, g.filters, g.resolver,
		tuning.DedupWindowOrDefault(), tuning.DedupCapacityOrDefault())

	g.beacons = beacon.NewManager(sign, plan, g.scheduler, g.dispatcher, tuning.BeaconIntervalOrDefault(), g.fault)

	return g, nil
}

// Start pumps uplinks until ctx is cancelled or a subsystem reports an
// unrecoverable fault.
func (g *Gateway) Start(ctx context.Context) error {
	defer g.shutdown()

	g.dispatcher.Connect()
	go g.beacons.Run(ctx)

	g.log.Infow("gateway up", "region", g.conf.Region)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-g.faults:
			return err
		case ev, ok := <-g.concentrator.Uplinks():
			if !ok {
				return errors.New("concentrator uplink stream closed")
			}
			g.handleUplink(ev)
		}
	}
}

func (g *Gateway) handleUplink(ev radio.UplinkEvent) {
	if _, ok := g.seenClients[ev.Gateway]; !ok {
		g.seenClients[ev.Gateway] = struct{}{}
		g.log.Infow("concentrator client seen", "gateway", ev.Gateway)
	}

	if beacon.IsBeacon(ev.Payload) {
		if err := g.beacons.ReportWitness(ev); err != nil && !errors.Is(err, beacon.ErrOwnBeacon) {
			g.log.Debugw("witness dropped", "err", err)
		}
		return
	}
	g.ingestor.Submit(ev)
}

func (g *Gateway) handleDownlink(m dispatch.DownlinkMessage) {
	g.scheduler.Schedule(m.Downlink)
}

func (g *Gateway) handleRouteUpdate(m dispatch.RouteUpdateMessage) {
	if m.Update.Route == nil {
		g.resolver.Invalidate(m.Update.Key)
		return
	}
	g.resolver.Install(m.Update.Route)
}

func (g *Gateway) handleFilter(m dispatch.FilterMessage) {
	if err := g.filters.Refresh(m.Raw); err != nil {
		g.log.Warnw("filter update rejected", "err", err)
	}
}

// FilterVersion reports the active denylist version for status output.
func (g *Gateway) FilterVersion() uint32 { return g.filters.Version() }

func (g *Gateway) fault(err error) {
	select {
	case g.faults <- err:
	default:
	}
}

// Reload applies the hot-swappable tuning knobs from a fresh config.
// Sessions, caches and the authority connection carry over untouched.
func (g *Gateway) Reload(conf *config.Config) {
	tuning := conf.Tuning
	g.ingestor.SetWindow(tuning.DedupWindowOrDefault())
	g.scheduler.SetMargin(tuning.SchedulingMarginOrDefault())
	g.beacons.SetInterval(tuning.BeaconIntervalOrDefault())
	g.log.Infow("config reloaded",
		"dedup_window", tuning.DedupWindowOrDefault(),
		"scheduling_margin", tuning.SchedulingMarginOrDefault(),
		"beacon_interval", tuning.BeaconIntervalOrDefault())
}

func (g *Gateway) shutdown() {
	drainCtx, cancel := context.WithTimeout(context.Background(), g.conf.Tuning.DrainGraceOrDefault())
	defer cancel()

	g.scheduler.Close()
	g.dispatcher.Drain(drainCtx)
	g.authority.Close()
	g.log.Infow("gateway stopped")
}
