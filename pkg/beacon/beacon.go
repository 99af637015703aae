// Package beacon emits this gateway's signed coverage beacons and turns
// beacons heard from other gateways into witness reports.
package beacon

import (
	"context"
	"crypto/ed25519"
	"encoding/binary"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"lukechampine.com/blake3"

	"github.com/fieldloop/lorad/pkg/dispatch"
	"github.com/fieldloop/lorad/pkg/observability/metrics"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/region"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/util"
)

// Beacon on air: magic | pubkey | unix nanos | frequency, followed by an
// ed25519 signature over the blake3 digest of everything before it.
const (
	beaconMagicLen  = 4
	beaconHeaderLen = beaconMagicLen + ed25519.PublicKeySize + 8 + 4
	beaconLen       = beaconHeaderLen + ed25519.SignatureSize
)

var beaconMagic = [beaconMagicLen]byte{'L', 'D', 'B', '1'}

var (
	ErrNotBeacon  = errors.New("payload is not a beacon")
	ErrBadBeacon  = errors.New("malformed beacon")
	ErrOwnBeacon  = errors.New("beacon originated here")
	errBadWitness = errors.New("beacon signature invalid")
)

// IsBeacon reports whether a raw uplink payload carries the beacon magic,
// so the uplink pump can divert it away from the LoRaWAN path.
func IsBeacon(payload []byte) bool {
	return len(payload) >= beaconMagicLen && [beaconMagicLen]byte(payload[:beaconMagicLen]) == beaconMagic
}

// Transmitter is the immediate-send slice of the downlink scheduler.
type Transmitter interface {
	TransmitNow(ctx context.Context, pkt radio.TxPacket) error
}

// WitnessSink accepts witness reports for upstream delivery.
type WitnessSink interface {
	SendWitness(report dispatch.WitnessReport) error
}

type Manager struct {
	log    *zap.SugaredLogger
	signer signer.Signer
	plan   region.Plan
	tx     Transmitter
	sink   WitnessSink
	// onFault escalates an unusable signing key toward the process; a
	// gateway that cannot sign beacons cannot prove coverage.
	onFault func(error)

	mu       sync.Mutex
	interval time.Duration
	ticker   *util.JitterTicker
	freqIdx  int
}

func NewManager(sign signer.Signer, plan region.Plan, tx Transmitter, sink WitnessSink, interval time.Duration, onFault func(error)) *Manager {
	return &Manager{
		log:      zap.S().Named("beacon"),
		signer:   sign,
		plan:     plan,
		tx:       tx,
		sink:     sink,
		onFault:  onFault,
		interval: interval,
	}
}

// Run emits beacons on a jittered interval until ctx is done. Jitter
// keeps co-located gateways from synchronizing their transmissions.
func (m *Manager) Run(ctx context.Context) {
	ticker := util.NewJitterTicker(ctx, m.currentInterval, 0.1)
	defer ticker.Stop()

	m.mu.Lock()
	m.ticker = ticker
	m.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.sendBeacon(ctx)
			if err == nil || ctx.Err() != nil {
				continue
			}
			if errors.Is(err, signer.ErrKeyUnusable) {
				if m.onFault != nil {
					m.onFault(err)
				}
				return
			}
			m.log.Warnw("beacon transmit failed", "err", err)
		}
	}
}

// SetInterval applies a new beacon period on config reload. The wait in
// progress restarts against the new period.
func (m *Manager) SetInterval(d time.Duration) {
	m.mu.Lock()
	m.interval = d
	ticker := m.ticker
	m.mu.Unlock()

	if ticker != nil {
		ticker.Bump()
	}
}

func (m *Manager) currentInterval() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.interval
}

func (m *Manager) sendBeacon(ctx context.Context) error {
	payload, freq, err := m.buildBeacon(time.Now())
	if err != nil {
		return err
	}

	pkt := radio.TxPacket{
		Payload:   payload,
		Frequency: freq,
		Datarate:  m.plan.BeaconDatarate,
		Power:     m.plan.MaxEIRP,
	}
	if err := m.tx.TransmitNow(ctx, pkt); err != nil {
		return err
	}

	metrics.BeaconsSent.Inc()
	m.log.Debugw("beacon sent", "frequency", freq)
	return nil
}

// buildBeacon assembles and signs a beacon, hopping across the region's
// beacon frequencies round-robin.
func (m *Manager) buildBeacon(now time.Time) ([]byte, uint32, error) {
	m.mu.Lock()
	freq := m.plan.BeaconFrequencies[m.freqIdx%len(m.plan.BeaconFrequencies)]
	m.freqIdx++
	m.mu.Unlock()

	buf := make([]byte, 0, beaconLen)
	buf = append(buf, beaconMagic[:]...)
	buf = append(buf, m.signer.PublicKey()...)
	buf = binary.BigEndian.AppendUint64(buf, uint64(now.UnixNano()))
	buf = binary.BigEndian.AppendUint32(buf, freq)

	digest := blake3.Sum256(buf)
	sig, err := m.signer.Sign(digest[:])
	if err != nil {
		return nil, 0, err
	}
	return append(buf, sig...), freq, nil
}

// Digest returns the blake3 digest a witness reports for a beacon payload.
func Digest(payload []byte) ([32]byte, error) {
	if !IsBeacon(payload) {
		return [32]byte{}, ErrNotBeacon
	}
	if len(payload) != beaconLen {
		return [32]byte{}, ErrBadBeacon
	}
	return blake3.Sum256(payload[:beaconHeaderLen]), nil
}

// ReportWitness validates a beacon heard over the air and forwards a
// witness report for it. Our own beacons and forgeries are dropped.
func (m *Manager) ReportWitness(ev radio.UplinkEvent) error {
	if len(ev.Payload) != beaconLen {
		return ErrBadBeacon
	}

	pub := ed25519.PublicKey(ev.Payload[beaconMagicLen : beaconMagicLen+ed25519.PublicKeySize])
	if m.signer.PublicKey().Equal(pub) {
		return ErrOwnBeacon
	}

	digest := blake3.Sum256(ev.Payload[:beaconHeaderLen])
	if !ed25519.Verify(pub, digest[:], ev.Payload[beaconHeaderLen:]) {
		return errBadWitness
	}

	report := dispatch.WitnessReport{
		BeaconDigest: digest,
		Gateway:      ev.Gateway,
		RSSI:         ev.RSSI,
		SNR:          ev.SNR,
		ReceivedAt:   ev.ReceivedAt,
	}
	if err := m.sink.SendWitness(report); err != nil {
		return err
	}
	m.log.Debugw("witness forwarded", "gateway", ev.Gateway)
	return nil
}
