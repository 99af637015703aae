package dispatch

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/sched"
	"github.com/fieldloop/lorad/pkg/types"
)

// Router stream framing: u32 message type, u32 payload length, payload.
// Big endian throughout.

type msgType uint32

const (
	msgHandshake msgType = iota
	msgHandshakeAck
	msgUplink
	msgWitness
	msgDownlink
	msgRouteUpdate
	msgFilterUpdate
	msgRouteRequest
	msgRouteResponse
)

const (
	frameHeaderLen = 8
	maxFrameLen    = 1 << 20

	handshakeNonceLen = 16
	handshakeSigLen   = 64
)

var handshakePrologue = []byte("lorad/1")

func writeFrame(w io.Writer, tp msgType, payload []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(tp))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader) (msgType, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	tp := msgType(binary.BigEndian.Uint32(hdr[0:4]))
	n := binary.BigEndian.Uint32(hdr[4:8])
	if n > maxFrameLen {
		return 0, nil, fmt.Errorf("frame too large: %d", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return tp, payload, nil
}

// handshake payload: gateway public key, nonce, signature over
// prologue||pub||nonce.
func encodeHandshake(pub []byte, nonce []byte, sig []byte) []byte {
	buf := make([]byte, 0, len(pub)+len(nonce)+len(sig))
	buf = append(buf, pub...)
	buf = append(buf, nonce...)
	buf = append(buf, sig...)
	return buf
}

func handshakeSigningInput(pub, nonce []byte) []byte {
	msg := make([]byte, 0, len(handshakePrologue)+len(pub)+len(nonce))
	msg = append(msg, handshakePrologue...)
	msg = append(msg, pub...)
	msg = append(msg, nonce...)
	return msg
}

func encodeUplink(ev radio.UplinkEvent) []byte {
	buf := make([]byte, 0, 32+len(ev.Datarate)+len(ev.Payload))
	buf = append(buf, ev.Gateway.Bytes()...)
	buf = binary.BigEndian.AppendUint32(buf, ev.Frequency)
	buf = binary.BigEndian.AppendUint16(buf, uint16(ev.RSSI))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(ev.SNR))
	buf = binary.BigEndian.AppendUint32(buf, ev.Timestamp)
	buf = binary.BigEndian.AppendUint64(buf, uint64(ev.ReceivedAt.UnixNano()))
	buf = append(buf, byte(len(ev.Datarate)))
	buf = append(buf, ev.Datarate...)
	buf = append(buf, ev.Payload...)
	return buf
}

// WitnessReport is another gateway's beacon, heard locally and reported
// upstream.
type WitnessReport struct {
	BeaconDigest [32]byte
	Gateway      types.GatewayID
	RSSI         int16
	SNR          float32
	ReceivedAt   time.Time
}

func encodeWitness(w WitnessReport) []byte {
	buf := make([]byte, 0, 54)
	buf = append(buf, w.BeaconDigest[:]...)
	buf = append(buf, w.Gateway.Bytes()...)
	buf = binary.BigEndian.AppendUint16(buf, uint16(w.RSSI))
	buf = binary.BigEndian.AppendUint32(buf, math.Float32bits(w.SNR))
	buf = binary.BigEndian.AppendUint64(buf, uint64(w.ReceivedAt.UnixNano()))
	return buf
}

func decodeDownlink(b []byte) (sched.Downlink, error) {
	var d sched.Downlink
	// gateway 8 | power 1 | window 1 | rx1 freq 4 | rx1 drlen 1
	if len(b) < 15 {
		return d, fmt.Errorf("downlink frame too short: %d", len(b))
	}
	d.Gateway = types.GatewayIDFromBytes(b[0:8])
	d.Power = int8(b[8])
	if b[9] == 1 {
		d.Window = sched.WindowRx2
	}
	off := 10

	var err error
	d.Rx1, off, err = decodeWindowParams(b, off)
	if err != nil {
		return d, err
	}

	if off >= len(b) {
		return d, fmt.Errorf("downlink frame truncated at rx2 flag")
	}
	hasRx2 := b[off] == 1
	off++
	if hasRx2 {
		var rx2 sched.WindowParams
		rx2, off, err = decodeWindowParams(b, off)
		if err != nil {
			return d, err
		}
		d.Rx2 = &rx2
	}

	if len(b) < off+12 {
		return d, fmt.Errorf("downlink frame truncated at timing")
	}
	d.UplinkTimestamp = binary.BigEndian.Uint32(b[off : off+4])
	d.UplinkReceivedAt = time.Unix(0, int64(binary.BigEndian.Uint64(b[off+4:off+12])))
	off += 12

	d.Payload = append([]byte(nil), b[off:]...)
	return d, nil
}

func encodeDownlink(d sched.Downlink) []byte {
	buf := make([]byte, 0, 40+len(d.Payload))
	buf = append(buf, d.Gateway.Bytes()...)
	buf = append(buf, byte(d.Power))
	if d.Window == sched.WindowRx2 {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = appendWindowParams(buf, d.Rx1)
	if d.Rx2 != nil {
		buf = append(buf, 1)
		buf = appendWindowParams(buf, *d.Rx2)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.BigEndian.AppendUint32(buf, d.UplinkTimestamp)
	buf = binary.BigEndian.AppendUint64(buf, uint64(d.UplinkReceivedAt.UnixNano()))
	buf = append(buf, d.Payload...)
	return buf
}

func appendWindowParams(buf []byte, p sched.WindowParams) []byte {
	buf = binary.BigEndian.AppendUint32(buf, p.Frequency)
	buf = append(buf, byte(len(p.Datarate)))
	buf = append(buf, p.Datarate...)
	return buf
}

func decodeWindowParams(b []byte, off int) (sched.WindowParams, int, error) {
	var p sched.WindowParams
	if len(b) < off+5 {
		return p, off, fmt.Errorf("window params truncated")
	}
	p.Frequency = binary.BigEndian.Uint32(b[off : off+4])
	drLen := int(b[off+4])
	off += 5
	if len(b) < off+drLen {
		return p, off, fmt.Errorf("window params truncated")
	}
	p.Datarate = radio.Datarate(b[off : off+drLen])
	return p, off + drLen, nil
}

// Route lookup request: just the routing key. The response reuses the
// route update payload, with the invalidate action meaning "no route".
func encodeRouteRequest(key types.RoutingKey) []byte {
	buf := make([]byte, 0, 12)
	buf = binary.BigEndian.AppendUint32(buf, key.OUI)
	buf = append(buf, key.JoinEUI.Bytes()...)
	return buf
}

func decodeRouteRequest(b []byte) (types.RoutingKey, error) {
	if len(b) != 12 {
		return types.RoutingKey{}, fmt.Errorf("route request wrong length: %d", len(b))
	}
	return types.RoutingKey{
		OUI:     binary.BigEndian.Uint32(b[0:4]),
		JoinEUI: types.DeviceEUIFromBytes(b[4:12]),
	}, nil
}

// Route table update payload.

const (
	routeActionInstall    = 0
	routeActionInvalidate = 1
)

// RouteUpdate is a route-table change pushed by the router.
type RouteUpdate struct {
	Key types.RoutingKey
	// Route is nil for invalidations.
	Route *types.Route
}

func decodeRouteUpdate(b []byte) (RouteUpdate, error) {
	var u RouteUpdate
	// action 1 | oui 4 | joinEUI 8
	if len(b) < 13 {
		return u, fmt.Errorf("route update too short: %d", len(b))
	}
	action := b[0]
	u.Key = types.RoutingKey{
		OUI:     binary.BigEndian.Uint32(b[1:5]),
		JoinEUI: types.DeviceEUIFromBytes(b[5:13]),
	}
	if action == routeActionInvalidate {
		return u, nil
	}
	if action != routeActionInstall {
		return u, fmt.Errorf("unknown route update action: %d", action)
	}

	if len(b) < 15 {
		return u, fmt.Errorf("route update truncated")
	}
	maxCopies := int(b[13])
	count := int(b[14])
	off := 15

	endpoints := make([]types.KeyedEndpoint, 0, count)
	for i := 0; i < count; i++ {
		if len(b) < off+34 {
			return u, fmt.Errorf("route update endpoint %d truncated", i)
		}
		pub := types.RouterKeyFromBytes(b[off : off+32])
		addrLen := int(binary.BigEndian.Uint16(b[off+32 : off+34]))
		off += 34
		if len(b) < off+addrLen {
			return u, fmt.Errorf("route update endpoint %d truncated", i)
		}
		endpoints = append(endpoints, types.KeyedEndpoint{
			Addr:      string(b[off : off+addrLen]),
			PublicKey: pub,
		})
		off += addrLen
	}

	u.Route = &types.Route{
		Key:       u.Key,
		Endpoints: endpoints,
		MaxCopies: maxCopies,
		FetchedAt: time.Now(),
	}
	return u, nil
}

func encodeRouteUpdate(u RouteUpdate) []byte {
	buf := make([]byte, 0, 64)
	if u.Route == nil {
		buf = append(buf, routeActionInvalidate)
	} else {
		buf = append(buf, routeActionInstall)
	}
	buf = binary.BigEndian.AppendUint32(buf, u.Key.OUI)
	buf = append(buf, u.Key.JoinEUI.Bytes()...)
	if u.Route == nil {
		return buf
	}
	buf = append(buf, byte(u.Route.MaxCopies))
	buf = append(buf, byte(len(u.Route.Endpoints)))
	for _, ep := range u.Route.Endpoints {
		buf = append(buf, ep.PublicKey.Bytes()...)
		buf = binary.BigEndian.AppendUint16(buf, uint16(len(ep.Addr)))
		buf = append(buf, ep.Addr...)
	}
	return buf
}
