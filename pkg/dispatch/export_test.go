package dispatch

import "github.com/fieldloop/lorad/pkg/types"

// Bridges for the external dispatch_test package, which cannot live in
// package dispatch because memrouter imports dispatch.
var (
	EncodeUplink  = encodeUplink
	EncodeWitness = encodeWitness
)

type Worker = worker

func NewWorkerForTest(d *Dispatcher, key types.RouterKey) *Worker {
	return &worker{d: d, key: key}
}

func (w *worker) DueDial() (types.KeyedEndpoint, bool) { return w.dueDial() }
