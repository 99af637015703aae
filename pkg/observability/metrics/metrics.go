package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Every bounded queue and drop path in the pipeline increments a counter
// here. Nothing in the gateway drops work silently.
var (
	UplinksAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "ingest",
		Name:      "uplinks_accepted_total",
		Help:      "Uplinks that passed decode, dedup and denylist checks.",
	})

	UplinksDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "ingest",
		Name:      "uplinks_duplicate_total",
		Help:      "Uplinks discarded as duplicates inside the dedup window.",
	})

	UplinksDenylisted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "ingest",
		Name:      "uplinks_denylisted_total",
		Help:      "Uplinks discarded because the device is denylisted.",
	})

	UplinksMalformed = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "ingest",
		Name:      "uplinks_malformed_total",
		Help:      "Uplinks discarded because the frame failed to decode.",
	})

	DedupEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "ingest",
		Name:      "dedup_evicted_total",
		Help:      "Fingerprints evicted from the dedup window before expiry due to capacity.",
	})

	ResolveHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "route",
		Name:      "resolve_hits_total",
		Help:      "Route resolutions served from the cache.",
	})

	ResolveMisses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "route",
		Name:      "resolve_misses_total",
		Help:      "Route resolutions that required an authority fetch.",
	})

	ResolveNoRoute = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "route",
		Name:      "resolve_no_route_total",
		Help:      "Resolutions answered by the authority with no route.",
	})

	PendingDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "route",
		Name:      "pending_dropped_total",
		Help:      "Uplinks dropped from the pending-resolution queue on overflow or timeout.",
	})

	SessionQueueDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "dispatch",
		Name:      "session_queue_dropped_total",
		Help:      "Uplinks dropped from a per-session send queue on overflow.",
	})

	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "dispatch",
		Name:      "session_reconnects_total",
		Help:      "Session reconnect attempts after transport failure.",
	})

	UplinksForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "dispatch",
		Name:      "uplinks_forwarded_total",
		Help:      "Uplinks delivered to an active router session.",
	})

	DownlinksScheduled = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "sched",
		Name:      "downlinks_scheduled_total",
		Help:      "Downlink instructions armed for transmission.",
	})

	DownlinksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "sched",
		Name:      "downlinks_expired_total",
		Help:      "Downlink instructions rejected because their window had closed.",
	})

	DownlinksSuperseded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "sched",
		Name:      "downlinks_superseded_total",
		Help:      "Armed downlinks replaced by a later instruction for the same window.",
	})

	DownlinkTxFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "sched",
		Name:      "downlink_tx_failures_total",
		Help:      "Downlink transmissions rejected by the concentrator.",
	})

	BeaconsSent = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "beacon",
		Name:      "beacons_sent_total",
		Help:      "Proof-of-coverage beacons transmitted.",
	})

	WitnessesForwarded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "beacon",
		Name:      "witnesses_forwarded_total",
		Help:      "Witness reports forwarded upstream.",
	})

	FilterRefreshes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "filter",
		Name:      "refreshes_total",
		Help:      "Successful denylist filter swaps.",
	})

	FilterRefreshRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lorad",
		Subsystem: "filter",
		Name:      "refresh_rejected_total",
		Help:      "Filter refreshes rejected by validation; the previous filter stayed active.",
	})
)
