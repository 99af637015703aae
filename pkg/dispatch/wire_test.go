package dispatch

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldloop/lorad/pkg/sched"
	"github.com/fieldloop/lorad/pkg/types"
)

func TestFrameRoundtrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeFrame(&buf, msgUplink, []byte{0x01, 0x02, 0x03}))

	tp, payload, err := readFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, msgUplink, tp)
	assert.Equal(t, []byte{0x01, 0x02, 0x03}, payload)
}

func TestReadFrameRejectsOversized(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, byte(msgUplink), 0xff, 0xff, 0xff, 0xff})

	_, _, err := readFrame(&buf)
	require.Error(t, err)
}

func TestDownlinkRoundtripRx2Present(t *testing.T) {
	rx2 := sched.WindowParams{Frequency: 923_300_000, Datarate: "SF12BW500"}
	in := sched.Downlink{
		Payload:          []byte{0xde, 0xad},
		Gateway:          types.GatewayIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		Power:            27,
		Window:           sched.WindowRx1,
		Rx1:              sched.WindowParams{Frequency: 925_100_000, Datarate: "SF7BW500"},
		Rx2:              &rx2,
		UplinkTimestamp:  123_456,
		UplinkReceivedAt: time.Unix(1700000000, 42),
	}

	out, err := decodeDownlink(encodeDownlink(in))
	require.NoError(t, err)
	assert.Equal(t, in.Payload, out.Payload)
	assert.Equal(t, in.Gateway, out.Gateway)
	assert.Equal(t, in.Rx1, out.Rx1)
	require.NotNil(t, out.Rx2)
	assert.Equal(t, rx2, *out.Rx2)
	assert.Equal(t, in.UplinkTimestamp, out.UplinkTimestamp)
	assert.True(t, in.UplinkReceivedAt.Equal(out.UplinkReceivedAt))
}

func TestDownlinkRoundtripRx2Absent(t *testing.T) {
	in := sched.Downlink{
		Payload:          []byte{0x01},
		Gateway:          types.GatewayIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		Window:           sched.WindowRx2,
		Rx1:              sched.WindowParams{Frequency: 869_525_000, Datarate: "SF9BW125"},
		UplinkReceivedAt: time.Unix(1700000000, 0),
	}

	out, err := decodeDownlink(encodeDownlink(in))
	require.NoError(t, err)
	assert.Equal(t, sched.WindowRx2, out.Window)
	assert.Nil(t, out.Rx2)
}

func TestDecodeDownlinkTruncated(t *testing.T) {
	full := encodeDownlink(sched.Downlink{
		Gateway:          types.GatewayIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8}),
		Rx1:              sched.WindowParams{Frequency: 1, Datarate: "SF7BW125"},
		UplinkReceivedAt: time.Unix(0, 0),
	})

	for cut := 0; cut < len(full); cut++ {
		_, err := decodeDownlink(full[:cut])
		assert.Error(t, err, "prefix of %d bytes decoded", cut)
	}
}

func TestRouteUpdateRoundtrip(t *testing.T) {
	var pk types.RouterKey
	pk[0] = 0x7f
	in := RouteUpdate{
		Key: types.RoutingKey{OUI: 12, JoinEUI: types.DeviceEUIFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})},
		Route: &types.Route{
			Key: types.RoutingKey{OUI: 12},
			Endpoints: []types.KeyedEndpoint{
				{Addr: "router-a.example:8080", PublicKey: pk},
				{Addr: "router-b.example:8080", PublicKey: pk},
			},
			MaxCopies: 2,
		},
	}

	out, err := decodeRouteUpdate(encodeRouteUpdate(in))
	require.NoError(t, err)
	assert.Equal(t, in.Key, out.Key)
	require.NotNil(t, out.Route)
	assert.Equal(t, in.Route.Endpoints, out.Route.Endpoints)
	assert.Equal(t, 2, out.Route.MaxCopies)
}

func TestRouteUpdateInvalidation(t *testing.T) {
	in := RouteUpdate{Key: types.RoutingKey{OUI: 99}}

	out, err := decodeRouteUpdate(encodeRouteUpdate(in))
	require.NoError(t, err)
	assert.Equal(t, in.Key, out.Key)
	assert.Nil(t, out.Route)
}

func TestRouteRequestRoundtrip(t *testing.T) {
	key := types.RoutingKey{OUI: 7, JoinEUI: types.DeviceEUIFromBytes([]byte{8, 7, 6, 5, 4, 3, 2, 1})}

	out, err := decodeRouteRequest(encodeRouteRequest(key))
	require.NoError(t, err)
	assert.Equal(t, key, out)

	_, err = decodeRouteRequest([]byte{0x01})
	assert.Error(t, err)
}

func TestHandshakeSigningInputBindsIdentity(t *testing.T) {
	a := handshakeSigningInput([]byte{1, 1}, []byte{2, 2})
	b := handshakeSigningInput([]byte{1, 1}, []byte{2, 3})
	c := handshakeSigningInput([]byte{1, 2}, []byte{2, 2})

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.True(t, bytes.HasPrefix(a, handshakePrologue))
}
