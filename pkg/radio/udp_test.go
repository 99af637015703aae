package radio

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldloop/lorad/pkg/types"
)

var testGW = types.GatewayIDFromBytes([]byte{0xaa, 1, 2, 3, 4, 5, 6, 7})

func pushBodyJSON(t *testing.T, packets ...rxPacket) []byte {
	t.Helper()
	b, err := json.Marshal(pushBody{RxPackets: packets})
	require.NoError(t, err)
	return b
}

func TestHandlePushDecodesRxPackets(t *testing.T) {
	u := NewUDPConcentrator(":0")

	payload := []byte{0x40, 1, 2, 3, 4}
	u.handlePush(testGW, pushBodyJSON(t,
		rxPacket{
			Timestamp: 123456,
			Frequency: 904.3,
			Datarate:  "SF7BW125",
			RSSI:      -72,
			SNR:       9.25,
			Data:      base64.StdEncoding.EncodeToString(payload),
			Size:      len(payload),
		},
		rxPacket{Data: "%%% not base64 %%%"},
		rxPacket{
			Frequency: 868.1,
			Data:      base64.StdEncoding.EncodeToString([]byte{0x00}),
		},
	))

	require.Len(t, u.uplinks, 2)

	ev := <-u.uplinks
	assert.Equal(t, payload, ev.Payload)
	assert.Equal(t, uint32(904_300_000), ev.Frequency)
	assert.Equal(t, Datarate("SF7BW125"), ev.Datarate)
	assert.Equal(t, int16(-72), ev.RSSI)
	assert.Equal(t, float32(9.25), ev.SNR)
	assert.Equal(t, uint32(123456), ev.Timestamp)
	assert.Equal(t, testGW, ev.Gateway)

	ev = <-u.uplinks
	assert.Equal(t, uint32(868_100_000), ev.Frequency)
}

func TestHandlePushBadBodyDropped(t *testing.T) {
	u := NewUDPConcentrator(":0")
	u.handlePush(testGW, []byte("not json"))
	assert.Empty(t, u.uplinks)
}

func pushDatagram(gw types.GatewayID, token uint16, body []byte) []byte {
	b := []byte{gwmpVersion, 0, 0, idPushData}
	binary.BigEndian.PutUint16(b[1:3], token)
	b = append(b, gw.Bytes()...)
	return append(b, body...)
}

func TestHandleDatagramIgnoresGarbage(t *testing.T) {
	u := NewUDPConcentrator(":0")
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50000}

	u.handleDatagram(nil, src)
	u.handleDatagram([]byte{1, 0, 0, idPushData}, src)        // wrong version
	u.handleDatagram([]byte{gwmpVersion, 0, 0, 0x7f}, src)    // unknown id
	u.handleDatagram([]byte{gwmpVersion, 0, 0, idPushData}, src) // no EUI

	assert.Empty(t, u.uplinks)
	assert.Empty(t, u.clients)
}

func TestPullDataUpdatesDownlinkPath(t *testing.T) {
	u := NewUDPConcentrator(":0")
	src := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 50001}

	b := []byte{gwmpVersion, 0, 7, idPullData}
	b = append(b, testGW.Bytes()...)
	u.handleDatagram(b, src)

	c, ok := u.clients[testGW]
	require.True(t, ok)
	assert.Equal(t, src, c.pullAddr)
	assert.WithinDuration(t, time.Now(), c.lastPull, time.Second)
}

func TestTxAckStatuses(t *testing.T) {
	tests := []struct {
		name   string
		ackErr string
		want   string
	}{
		{name: "no body means success", ackErr: "", want: "NONE"},
		{name: "explicit none", ackErr: "NONE", want: "NONE"},
		{name: "too early", ackErr: "TOO_EARLY", want: "TOO_EARLY"},
		{name: "too late", ackErr: "TOO_LATE", want: "TOO_LATE"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := NewUDPConcentrator(":0")
			token, ch, err := u.registerAck()
			require.NoError(t, err)

			b := []byte{gwmpVersion, 0, 0, idTxAck}
			binary.BigEndian.PutUint16(b[1:3], token)
			b = append(b, testGW.Bytes()...)
			if tc.ackErr != "" {
				var ack txAckBody
				ack.Ack.Error = tc.ackErr
				body, err := json.Marshal(ack)
				require.NoError(t, err)
				b = append(b, body...)
			}
			u.handleDatagram(b, &net.UDPAddr{})

			assert.Equal(t, tc.want, <-ch)
		})
	}
}

func TestTransmitWithoutDownlinkPath(t *testing.T) {
	u := NewUDPConcentrator(":0")
	err := u.Transmit(context.Background(), TxPacket{Gateway: testGW})
	assert.ErrorIs(t, err, ErrNoSuchGateway)
}

// TestForwarderRoundTrip runs the full GWMP exchange over loopback: the
// fake forwarder pushes an uplink, polls for downlinks, receives a
// PULL_RESP and answers with a TX_ACK.
func TestForwarderRoundTrip(t *testing.T) {
	u := NewUDPConcentrator("127.0.0.1:0")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	serveDone := make(chan error, 1)
	go func() { serveDone <- u.Serve(ctx) }()

	require.Eventually(t, func() bool { return u.LocalAddr() != nil },
		2*time.Second, 5*time.Millisecond)

	fwd, err := net.DialUDP("udp", nil, u.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	defer fwd.Close()

	// PUSH_DATA with one uplink; expect PUSH_ACK echoing the token.
	payload := []byte{0x40, 9, 9, 9, 9}
	push := pushDatagram(testGW, 0x1234, pushBodyJSON(t, rxPacket{
		Frequency: 904.3,
		Datarate:  "SF7BW125",
		Data:      base64.StdEncoding.EncodeToString(payload),
		Size:      len(payload),
	}))
	_, err = fwd.Write(push)
	require.NoError(t, err)

	resp := make([]byte, readBufSize)
	require.NoError(t, fwd.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := fwd.Read(resp)
	require.NoError(t, err)
	require.Equal(t, []byte{gwmpVersion, 0x12, 0x34, idPushAck}, resp[:n])

	select {
	case ev := <-u.Uplinks():
		assert.Equal(t, payload, ev.Payload)
		assert.Equal(t, testGW, ev.Gateway)
	case <-time.After(2 * time.Second):
		t.Fatal("uplink never surfaced")
	}

	// PULL_DATA opens the downlink path; expect PULL_ACK.
	pull := []byte{gwmpVersion, 0xab, 0xcd, idPullData}
	pull = append(pull, testGW.Bytes()...)
	_, err = fwd.Write(pull)
	require.NoError(t, err)

	require.NoError(t, fwd.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err = fwd.Read(resp)
	require.NoError(t, err)
	require.Equal(t, []byte{gwmpVersion, 0xab, 0xcd, idPullAck}, resp[:n])

	// The forwarder side: answer the next PULL_RESP with a TOO_LATE ack.
	go func() {
		buf := make([]byte, readBufSize)
		_ = fwd.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := fwd.Read(buf)
		if err != nil || n < gwmpHeaderLen || buf[3] != idPullResp {
			return
		}
		var body pullRespBody
		if json.Unmarshal(buf[gwmpHeaderLen:n], &body) != nil {
			return
		}

		ack := []byte{gwmpVersion, buf[1], buf[2], idTxAck}
		ack = append(ack, testGW.Bytes()...)
		var status txAckBody
		status.Ack.Error = "TOO_LATE"
		js, _ := json.Marshal(status)
		_, _ = fwd.Write(append(ack, js...))
	}()

	txCtx, txCancel := context.WithTimeout(ctx, 2*time.Second)
	defer txCancel()
	err = u.Transmit(txCtx, TxPacket{
		Payload:   []byte{0x60, 1},
		Frequency: 923_300_000,
		Datarate:  "SF10BW500",
		Power:     20,
		Timestamp: 1_000_000,
		Gateway:   testGW,
	})
	assert.ErrorIs(t, err, ErrTxTooLate)

	cancel()
	select {
	case err := <-serveDone:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("serve did not stop")
	}
}
