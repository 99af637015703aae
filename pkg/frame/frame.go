// Package frame is the boundary to the LoRaWAN MAC codec. The gateway only
// needs the address fields out of an uplink; full MAC parsing, MIC checks
// and downlink frame building belong to the codec implementation behind the
// Decoder interface.
package frame

import (
	"encoding/binary"
	"errors"

	"github.com/fieldloop/lorad/pkg/types"
)

var (
	ErrTruncated   = errors.New("frame truncated")
	ErrUnknownType = errors.New("unknown frame type")
	ErrIntegrity   = errors.New("frame integrity check failed")
)

type MType byte

const (
	MTypeJoinRequest       MType = 0x00
	MTypeJoinAccept        MType = 0x01
	MTypeUnconfirmedDataUp MType = 0x02
	MTypeUnconfirmedDataDn MType = 0x03
	MTypeConfirmedDataUp   MType = 0x04
	MTypeConfirmedDataDn   MType = 0x05
	MTypeProprietary       MType = 0x07
)

func (t MType) String() string {
	switch t {
	case MTypeJoinRequest:
		return "join_request"
	case MTypeJoinAccept:
		return "join_accept"
	case MTypeUnconfirmedDataUp:
		return "unconfirmed_data_up"
	case MTypeUnconfirmedDataDn:
		return "unconfirmed_data_down"
	case MTypeConfirmedDataUp:
		return "confirmed_data_up"
	case MTypeConfirmedDataDn:
		return "confirmed_data_down"
	case MTypeProprietary:
		return "proprietary"
	default:
		return "unknown"
	}
}

// Frame is the decoded view of an uplink MAC frame, reduced to the fields
// routing needs.
type Frame struct {
	Type    MType
	DevAddr types.DeviceAddr
	DevEUI  types.DeviceEUI
	JoinEUI types.DeviceEUI
	FCnt    uint16
}

// IsUplink reports whether the frame travels device-to-network.
func (f Frame) IsUplink() bool {
	switch f.Type {
	case MTypeJoinRequest, MTypeUnconfirmedDataUp, MTypeConfirmedDataUp:
		return true
	default:
		return false
	}
}

// RoutingKey derives the route lookup key from the frame's address fields.
func (f Frame) RoutingKey() types.RoutingKey {
	if f.Type == MTypeJoinRequest {
		return types.RoutingKey{JoinEUI: f.JoinEUI}
	}
	// Type-prefixed DevAddr: the NetID block occupies the top bits. The
	// 7-bit type-0 layout covers the address plans in use here.
	return types.RoutingKey{OUI: uint32(f.DevAddr) >> 25}
}

// DenylistKey returns the identifier checked against the denylist filter.
func (f Frame) DenylistKey() []byte {
	if f.Type == MTypeJoinRequest {
		return f.DevEUI.Bytes()
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(f.DevAddr))
	return b[:]
}

type Decoder interface {
	// Decode parses a raw PHY payload. Truncated or unparseable input
	// yields ErrTruncated/ErrUnknownType; a failed integrity check yields
	// ErrIntegrity.
	Decode(payload []byte) (Frame, error)
}

const (
	mhdrLen = 1
	micLen  = 4

	joinRequestLen = mhdrLen + 8 + 8 + 2 + micLen
	fhdrMinLen     = 4 + 1 + 2
)

// BasicDecoder parses the MHDR and FHDR address fields of uplink frames.
// It does not validate the MIC; deployments that need strict integrity
// checking swap in a codec that does.
type BasicDecoder struct{}

var _ Decoder = BasicDecoder{}

func (BasicDecoder) Decode(payload []byte) (Frame, error) {
	if len(payload) < mhdrLen+micLen {
		return Frame{}, ErrTruncated
	}

	mtype := MType(payload[0] >> 5)
	switch mtype {
	case MTypeJoinRequest:
		if len(payload) != joinRequestLen {
			return Frame{}, ErrTruncated
		}
		return Frame{
			Type:    mtype,
			JoinEUI: euiFromLE(payload[1:9]),
			DevEUI:  euiFromLE(payload[9:17]),
		}, nil
	case MTypeUnconfirmedDataUp, MTypeConfirmedDataUp:
		body := payload[mhdrLen : len(payload)-micLen]
		if len(body) < fhdrMinLen {
			return Frame{}, ErrTruncated
		}
		return Frame{
			Type:    mtype,
			DevAddr: types.DeviceAddr(binary.LittleEndian.Uint32(body[0:4])),
			FCnt:    binary.LittleEndian.Uint16(body[5:7]),
		}, nil
	default:
		// Downlink types and proprietary traffic (the forwarder also
		// surfaces non-LoRaWAN transmissions) are not routable uplinks.
		return Frame{}, ErrUnknownType
	}
}

// euiFromLE converts an on-air little-endian EUI to its canonical
// big-endian form.
func euiFromLE(b []byte) types.DeviceEUI {
	var eui types.DeviceEUI
	for i := 0; i < 8; i++ {
		eui[i] = b[7-i]
	}
	return eui
}
