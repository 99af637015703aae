// Package radio is the boundary to the local packet-forwarder codec. The
// wire protocol on the concentrator link (UDP framing, acks, keepalives)
// lives behind the Concentrator interface; the gateway only sees structured
// events.
package radio

import (
	"context"
	"errors"
	"time"

	"github.com/fieldloop/lorad/pkg/types"
)

var (
	// ErrTxTooEarly and ErrTxTooLate are the concentrator's tx-ack
	// rejections for a transmission that missed its window. The scheduler
	// uses them to decide on an rx2 retry.
	ErrTxTooEarly = errors.New("transmit scheduled too early")
	ErrTxTooLate  = errors.New("transmit scheduled too late")

	ErrNoSuchGateway = errors.New("no concentrator with that id")
)

// Datarate is a spreading-factor/bandwidth pair in its canonical string
// form, e.g. "SF7BW125".
type Datarate string

// UplinkEvent is one radio frame received by a concentrator. Immutable once
// created.
type UplinkEvent struct {
	Payload []byte
	// Frequency in Hz.
	Frequency uint32
	Datarate  Datarate
	// RSSI in dBm and SNR in dB as reported by the radio.
	RSSI int16
	SNR  float32
	// Timestamp is the concentrator's microsecond counter at receive
	// time; downlink windows are offsets against it.
	Timestamp uint32
	// ReceivedAt is the gateway's wall-clock receive time.
	ReceivedAt time.Time
	Gateway    types.GatewayID
}

// TxPacket is a concentrator-bound transmit instruction.
type TxPacket struct {
	Payload   []byte
	Frequency uint32
	Datarate  Datarate
	Power     int8
	// Timestamp is the concentrator counter value at which to transmit;
	// zero means immediate.
	Timestamp uint32
	Gateway   types.GatewayID
}

// Concentrator is the duplex channel to the local packet forwarder(s),
// keyed by gateway identity.
type Concentrator interface {
	// Uplinks yields structured uplink events as they arrive.
	Uplinks() <-chan UplinkEvent
	// Transmit hands a packet to the forwarder and waits for its tx-ack.
	// Window misses surface as ErrTxTooEarly/ErrTxTooLate.
	Transmit(ctx context.Context, pkt TxPacket) error
}
