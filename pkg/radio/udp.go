package radio

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fieldloop/lorad/pkg/types"
)

// Semtech UDP forwarder protocol (GWMP). Datagrams carry a 4-byte header
// (protocol version, random token, packet identifier); PUSH_DATA and
// PULL_DATA append the 8-byte gateway EUI, then a JSON body.
const (
	gwmpVersion = 2

	idPushData = 0x00
	idPushAck  = 0x01
	idPullData = 0x02
	idPullResp = 0x03
	idPullAck  = 0x04
	idTxAck    = 0x05

	gwmpHeaderLen = 4
	gwmpEUILen    = 8

	uplinkBufSize = 256
	readBufSize   = 4096

	// Forwarders that stop sending PULL_DATA within this horizon have no
	// live downlink path.
	clientStaleAfter = 2 * time.Minute
)

type rxPacket struct {
	Timestamp uint32  `json:"tmst"`
	Frequency float64 `json:"freq"`
	Datarate  string  `json:"datr"`
	RSSI      int16   `json:"rssi"`
	SNR       float32 `json:"lsnr"`
	Data      string  `json:"data"`
	Size      int     `json:"size"`
}

type pushBody struct {
	RxPackets []rxPacket `json:"rxpk"`
}

type txPacket struct {
	Immediate bool    `json:"imme,omitempty"`
	Timestamp uint32  `json:"tmst,omitempty"`
	Frequency float64 `json:"freq"`
	RFChain   int     `json:"rfch"`
	Power     int8    `json:"powe"`
	Modu      string  `json:"modu"`
	Datarate  string  `json:"datr"`
	Coderate  string  `json:"codr"`
	InvertPol bool    `json:"ipol"`
	Data      string  `json:"data"`
	Size      int     `json:"size"`
}

type pullRespBody struct {
	TxPacket txPacket `json:"txpk"`
}

type txAckBody struct {
	Ack struct {
		Error string `json:"error"`
	} `json:"txpk_ack"`
}

type client struct {
	// pushAddr is where rxpk traffic came from; pullAddr is where the
	// forwarder asked to receive downlinks. Often the same socket, not
	// always.
	pushAddr *net.UDPAddr
	pullAddr *net.UDPAddr
	lastPull time.Time
}

// UDPConcentrator bridges local Semtech UDP packet forwarders to the
// Concentrator interface. One instance serves any number of forwarders,
// keyed by their gateway EUI.
type UDPConcentrator struct {
	log  *zap.SugaredLogger
	addr string

	uplinks chan UplinkEvent

	mu      sync.Mutex
	conn    *net.UDPConn
	clients map[types.GatewayID]*client
	acks    map[uint16]chan string
}

var _ Concentrator = (*UDPConcentrator)(nil)

func NewUDPConcentrator(addr string) *UDPConcentrator {
	return &UDPConcentrator{
		log:     zap.S().Named("gwmp"),
		addr:    addr,
		uplinks: make(chan UplinkEvent, uplinkBufSize),
		clients: make(map[types.GatewayID]*client),
		acks:    make(map[uint16]chan string),
	}
}

func (u *UDPConcentrator) Uplinks() <-chan UplinkEvent { return u.uplinks }

// LocalAddr returns the bound listen address, nil before Serve has bound.
func (u *UDPConcentrator) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.conn == nil {
		return nil
	}
	return u.conn.LocalAddr()
}

// Serve owns the listen socket until ctx is cancelled.
func (u *UDPConcentrator) Serve(ctx context.Context) error {
	laddr, err := net.ResolveUDPAddr("udp", u.addr)
	if err != nil {
		return fmt.Errorf("resolve listen addr: %w", err)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return fmt.Errorf("listen udp: %w", err)
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	u.log.Infow("listening for packet forwarders", "addr", conn.LocalAddr())

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	buf := make([]byte, readBufSize)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("read udp: %w", err)
		}
		u.handleDatagram(append([]byte(nil), buf[:n]...), src)
	}
}

func (u *UDPConcentrator) handleDatagram(b []byte, src *net.UDPAddr) {
	if len(b) < gwmpHeaderLen || b[0] != gwmpVersion {
		return
	}
	token := binary.BigEndian.Uint16(b[1:3])

	switch b[3] {
	case idPushData:
		if len(b) < gwmpHeaderLen+gwmpEUILen {
			return
		}
		u.ack(src, token, idPushAck)
		gw := types.GatewayIDFromBytes(b[4:12])
		u.touch(gw, src, false)
		u.handlePush(gw, b[12:])
	case idPullData:
		if len(b) < gwmpHeaderLen+gwmpEUILen {
			return
		}
		u.ack(src, token, idPullAck)
		u.touch(types.GatewayIDFromBytes(b[4:12]), src, true)
	case idTxAck:
		u.handleTxAck(token, b)
	}
}

func (u *UDPConcentrator) ack(dst *net.UDPAddr, token uint16, id byte) {
	resp := []byte{gwmpVersion, 0, 0, id}
	binary.BigEndian.PutUint16(resp[1:3], token)

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()
	if conn != nil {
		_, _ = conn.WriteToUDP(resp, dst)
	}
}

func (u *UDPConcentrator) touch(gw types.GatewayID, src *net.UDPAddr, pull bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	c, ok := u.clients[gw]
	if !ok {
		c = &client{}
		u.clients[gw] = c
		u.log.Infow("packet forwarder connected", "gateway", gw, "addr", src)
	}
	if pull {
		if c.pullAddr == nil || c.pullAddr.String() != src.String() {
			u.log.Infow("packet forwarder downlink path updated", "gateway", gw, "addr", src)
		}
		c.pullAddr = src
		c.lastPull = time.Now()
	} else {
		c.pushAddr = src
	}
}

func (u *UDPConcentrator) handlePush(gw types.GatewayID, body []byte) {
	var push pushBody
	if err := json.Unmarshal(body, &push); err != nil {
		u.log.Debugw("bad rxpk body", "gateway", gw, "err", err)
		return
	}

	now := time.Now()
	for _, rx := range push.RxPackets {
		payload, err := base64.StdEncoding.DecodeString(rx.Data)
		if err != nil {
			u.log.Debugw("bad rxpk data encoding", "gateway", gw, "err", err)
			continue
		}
		ev := UplinkEvent{
			Payload:    payload,
			Frequency:  mhzToHz(rx.Frequency),
			Datarate:   Datarate(rx.Datarate),
			RSSI:       rx.RSSI,
			SNR:        rx.SNR,
			Timestamp:  rx.Timestamp,
			ReceivedAt: now,
			Gateway:    gw,
		}
		select {
		case u.uplinks <- ev:
		default:
			u.log.Debugw("uplink buffer full, dropping", "gateway", gw)
		}
	}
}

func (u *UDPConcentrator) handleTxAck(token uint16, b []byte) {
	status := "NONE"
	if len(b) > gwmpHeaderLen+gwmpEUILen {
		var ack txAckBody
		if err := json.Unmarshal(b[gwmpHeaderLen+gwmpEUILen:], &ack); err == nil && ack.Ack.Error != "" {
			status = ack.Ack.Error
		}
	}

	u.mu.Lock()
	ch, ok := u.acks[token]
	u.mu.Unlock()
	if ok {
		select {
		case ch <- status:
		default:
		}
	}
}

// Transmit sends a PULL_RESP to the forwarder and waits for its TX_ACK,
// mapping the forwarder's timing complaints onto the sentinel errors.
func (u *UDPConcentrator) Transmit(ctx context.Context, pkt TxPacket) error {
	u.mu.Lock()
	conn := u.conn
	c, ok := u.clients[pkt.Gateway]
	var dst *net.UDPAddr
	var stale bool
	if ok && c.pullAddr != nil {
		dst = c.pullAddr
		stale = time.Since(c.lastPull) > clientStaleAfter
	}
	u.mu.Unlock()

	if conn == nil || dst == nil || stale {
		return fmt.Errorf("%w: %v", ErrNoSuchGateway, pkt.Gateway)
	}

	token, ch, err := u.registerAck()
	if err != nil {
		return err
	}
	defer u.releaseAck(token)

	body, err := json.Marshal(pullRespBody{TxPacket: txPacket{
		Immediate: pkt.Timestamp == 0,
		Timestamp: pkt.Timestamp,
		Frequency: hzToMHz(pkt.Frequency),
		Power:     pkt.Power,
		Modu:      "LORA",
		Datarate:  string(pkt.Datarate),
		Coderate:  "4/5",
		InvertPol: true,
		Data:      base64.StdEncoding.EncodeToString(pkt.Payload),
		Size:      len(pkt.Payload),
	}})
	if err != nil {
		return err
	}

	msg := make([]byte, 0, gwmpHeaderLen+len(body))
	msg = append(msg, gwmpVersion, 0, 0, idPullResp)
	binary.BigEndian.PutUint16(msg[1:3], token)
	msg = append(msg, body...)

	if _, err := conn.WriteToUDP(msg, dst); err != nil {
		return fmt.Errorf("send downlink: %w", err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case status := <-ch:
		switch status {
		case "NONE", "":
			return nil
		case "TOO_EARLY":
			return ErrTxTooEarly
		case "TOO_LATE":
			return ErrTxTooLate
		default:
			return fmt.Errorf("forwarder rejected transmit: %s", status)
		}
	}
}

func (u *UDPConcentrator) registerAck() (uint16, chan string, error) {
	var tb [2]byte
	u.mu.Lock()
	defer u.mu.Unlock()
	for range 8 {
		if _, err := rand.Read(tb[:]); err != nil {
			return 0, nil, err
		}
		token := binary.BigEndian.Uint16(tb[:])
		if _, taken := u.acks[token]; taken {
			continue
		}
		ch := make(chan string, 1)
		u.acks[token] = ch
		return token, ch, nil
	}
	return 0, nil, fmt.Errorf("no free downlink token")
}

func (u *UDPConcentrator) releaseAck(token uint16) {
	u.mu.Lock()
	delete(u.acks, token)
	u.mu.Unlock()
}

func mhzToHz(f float64) uint32 { return uint32(math.Round(f * 1e6)) }
func hzToMHz(f uint32) float64 { return float64(f) / 1e6 }
