// Package ingest gates every uplink event coming off the concentrator
// link: frames must decode, must not be duplicates inside the sliding
// window, and must not belong to a denylisted device before they reach
// route resolution.
package ingest

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/filter"
	"github.com/fieldloop/lorad/pkg/frame"
	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/radio"
)

type Result int

const (
	ResultAccepted Result = iota
	ResultDuplicate
	ResultDenylisted
	ResultMalformed
)

func (r Result) String() string {
	switch r {
	case ResultAccepted:
		return "accepted"
	case ResultDuplicate:
		return "duplicate"
	case ResultDenylisted:
		return "denylisted"
	case ResultMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Forwarder receives uplinks that survived the gate, together with their
// decoded frame.
type Forwarder interface {
	Forward(ev radio.UplinkEvent, fr frame.Frame)
}

type Ingestor struct {
	log     *zap.SugaredLogger
	decoder frame.Decoder
	filters *filter.Store
	next    Forwarder

	mu    sync.Mutex
	dedup *dedupWindow
}

func New(decoder frame.Decoder, filters *filter.Store, next Forwarder, window time.Duration, capacity int) *Ingestor {
	return &Ingestor{
		log:     zap.S().Named("ingest"),
		decoder: decoder,
		filters: filters,
		next:    next,
		dedup:   newDedupWindow(window, capacity),
	}
}

// Submit runs one uplink through the gate. Accepted events are handed to
// the forwarder before Submit returns; everything else is dropped with a
// log and a counter, never an error.
func (i *Ingestor) Submit(ev radio.UplinkEvent) Result {
	fr, err := i.decoder.Decode(ev.Payload)
	if err != nil || !fr.IsUplink() {
		metrics.UplinksMalformed.Inc()
		i.log.Debugw("dropping undecodable uplink", "gateway", ev.Gateway, "len", len(ev.Payload), "err", err)
		return ResultMalformed
	}

	fp := fingerprint(ev.Payload, ev.ReceivedAt, i.windowDuration())

	i.mu.Lock()
	dup := i.dedup.observe(fp, ev.ReceivedAt)
	i.mu.Unlock()
	if dup {
		metrics.UplinksDuplicate.Inc()
		i.log.Debugw("dropping duplicate uplink", "fingerprint", fp, "gateway", ev.Gateway)
		return ResultDuplicate
	}

	if i.filters.Contains(fr.DenylistKey()) {
		metrics.UplinksDenylisted.Inc()
		i.log.Debugw("dropping denylisted uplink", "type", fr.Type, "gateway", ev.Gateway)
		return ResultDenylisted
	}

	metrics.UplinksAccepted.Inc()
	i.next.Forward(ev, fr)
	return ResultAccepted
}

func (i *Ingestor) windowDuration() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.dedup.window
}

// SetWindow applies a new dedup window duration on config reload. Entries
// already recorded keep their original observation times.
func (i *Ingestor) SetWindow(window time.Duration) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.dedup.window = window
}
