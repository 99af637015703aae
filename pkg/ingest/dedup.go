package ingest

import (
	"encoding/binary"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/types"
)

// fingerprint digests the frame payload together with its receive time
// coarsened to the dedup window, so the same payload legitimately
// retransmitted much later hashes differently.
func fingerprint(payload []byte, receivedAt time.Time, bucket time.Duration) types.Fingerprint {
	var d xxhash.Digest
	d.Reset()
	_, _ = d.Write(payload)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(receivedAt.Truncate(bucket).UnixNano()))
	_, _ = d.Write(ts[:])

	return types.Fingerprint(d.Sum64())
}

type seenAt struct {
	fp types.Fingerprint
	at time.Time
}

// dedupWindow is a bounded sliding-window fingerprint set. Entries expire
// after the window duration; when the capacity bound is hit the oldest
// entry is evicted early.
type dedupWindow struct {
	window time.Duration
	cap    int
	seen   map[types.Fingerprint]time.Time
	order  []seenAt
}

func newDedupWindow(window time.Duration, capacity int) *dedupWindow {
	return &dedupWindow{
		window: window,
		cap:    capacity,
		seen:   make(map[types.Fingerprint]time.Time, capacity),
	}
}

// observe records the fingerprint and reports whether it was already
// present inside the window.
func (w *dedupWindow) observe(fp types.Fingerprint, now time.Time) bool {
	w.expire(now)

	if at, ok := w.seen[fp]; ok && now.Sub(at) < w.window {
		return true
	}

	if len(w.seen) >= w.cap {
		w.evictOldest()
	}

	w.seen[fp] = now
	w.order = append(w.order, seenAt{fp: fp, at: now})
	return false
}

func (w *dedupWindow) expire(now time.Time) {
	for len(w.order) > 0 && now.Sub(w.order[0].at) >= w.window {
		e := w.order[0]
		w.order = w.order[1:]
		// Only delete if the map still holds this observation; the entry
		// may have been refreshed by a later duplicate in a new window.
		if at, ok := w.seen[e.fp]; ok && at.Equal(e.at) {
			delete(w.seen, e.fp)
		}
	}
}

func (w *dedupWindow) evictOldest() {
	if len(w.order) == 0 {
		return
	}
	e := w.order[0]
	w.order = w.order[1:]
	if at, ok := w.seen[e.fp]; ok && at.Equal(e.at) {
		delete(w.seen, e.fp)
		metrics.DedupEvicted.Inc()
	}
}

func (w *dedupWindow) len() int { return len(w.seen) }
