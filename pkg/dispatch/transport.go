package dispatch

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/fieldloop/lorad/pkg/route"
	"github.com/fieldloop/lorad/pkg/sched"
	"github.com/fieldloop/lorad/pkg/types"
)

var (
	ErrIdentityMismatch  = errors.New("router identity mismatch")
	ErrHandshakeRejected = errors.New("router rejected handshake")
)

const handshakeTimeout = 5 * time.Second

// Assertion is the signed identity the gateway presents at session
// handshake.
type Assertion struct {
	PublicKey []byte
	Nonce     []byte
	Signature []byte
}

// Message is one inbound item on a router session's receive stream.
type Message interface{ isMessage() }

type DownlinkMessage struct {
	Downlink sched.Downlink
}

func (DownlinkMessage) isMessage() {}

type RouteUpdateMessage struct {
	Update RouteUpdate
}

func (RouteUpdateMessage) isMessage() {}

type FilterMessage struct {
	Raw []byte
}

func (FilterMessage) isMessage() {}

// Conn is one live stream to a router. Implementations form a small closed
// set selected at session-creation time.
type Conn interface {
	// Handshake presents the signed identity assertion and waits for the
	// router's acceptance.
	Handshake(ctx context.Context, a Assertion) error
	SendUplink(ctx context.Context, payload []byte) error
	SendWitness(ctx context.Context, payload []byte) error
	// LookupRoute runs a request/response route query. Lookup connections
	// must not run Recv; the two modes share one stream.
	LookupRoute(ctx context.Context, key types.RoutingKey) (*types.Route, error)
	// Recv blocks for the next inbound message; it unblocks with an error
	// when the connection is closed.
	Recv(ctx context.Context) (Message, error)
	Close() error
}

// Transport dials router endpoints.
type Transport interface {
	Dial(ctx context.Context, ep types.KeyedEndpoint) (Conn, error)
	Close() error
}

// quicTransport is the production transport: one QUIC connection per
// router session, TLS identity pinned to the endpoint's public key.
type quicTransport struct {
	cert tls.Certificate
}

func NewQUICTransport(identity ed25519.PrivateKey) (Transport, error) {
	cert, err := generateIdentityCert(identity)
	if err != nil {
		return nil, fmt.Errorf("generate identity cert: %w", err)
	}
	return &quicTransport{cert: cert}, nil
}

func (t *quicTransport) Dial(ctx context.Context, ep types.KeyedEndpoint) (Conn, error) {
	qc, err := quic.DialAddr(ctx, ep.Addr, newPinnedTLSConfig(t.cert, ep.PublicKey), &quic.Config{
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("quic dial %s: %w", ep.Addr, err)
	}

	stream, err := qc.OpenStreamSync(ctx)
	if err != nil {
		_ = qc.CloseWithError(0, "stream open failed")
		return nil, fmt.Errorf("open router stream: %w", err)
	}

	return &quicConn{qc: qc, stream: stream}, nil
}

func (t *quicTransport) Close() error { return nil }

type quicConn struct {
	qc     quic.Connection
	stream quic.Stream

	// lookupMu serializes request/response pairs on lookup connections.
	lookupMu sync.Mutex
}

func (c *quicConn) Handshake(ctx context.Context, a Assertion) error {
	deadline := time.Now().Add(handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.stream.SetDeadline(deadline)
	defer func() { _ = c.stream.SetDeadline(time.Time{}) }()

	if err := writeFrame(c.stream, msgHandshake, encodeHandshake(a.PublicKey, a.Nonce, a.Signature)); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}

	tp, payload, err := readFrame(c.stream)
	if err != nil {
		return fmt.Errorf("read handshake ack: %w", err)
	}
	if tp != msgHandshakeAck {
		return fmt.Errorf("unexpected handshake response type: %d", tp)
	}
	if len(payload) != 1 || payload[0] != 0 {
		return ErrHandshakeRejected
	}
	return nil
}

func (c *quicConn) SendUplink(ctx context.Context, payload []byte) error {
	return c.send(ctx, msgUplink, payload)
}

func (c *quicConn) SendWitness(ctx context.Context, payload []byte) error {
	return c.send(ctx, msgWitness, payload)
}

func (c *quicConn) send(ctx context.Context, tp msgType, payload []byte) error {
	if d, ok := ctx.Deadline(); ok {
		_ = c.stream.SetWriteDeadline(d)
		defer func() { _ = c.stream.SetWriteDeadline(time.Time{}) }()
	}
	return writeFrame(c.stream, tp, payload)
}

func (c *quicConn) LookupRoute(ctx context.Context, key types.RoutingKey) (*types.Route, error) {
	c.lookupMu.Lock()
	defer c.lookupMu.Unlock()

	if d, ok := ctx.Deadline(); ok {
		_ = c.stream.SetDeadline(d)
		defer func() { _ = c.stream.SetDeadline(time.Time{}) }()
	}

	if err := writeFrame(c.stream, msgRouteRequest, encodeRouteRequest(key)); err != nil {
		return nil, fmt.Errorf("write route request: %w", err)
	}

	tp, payload, err := readFrame(c.stream)
	if err != nil {
		return nil, fmt.Errorf("read route response: %w", err)
	}
	if tp != msgRouteResponse {
		return nil, fmt.Errorf("unexpected route response type: %d", tp)
	}

	u, err := decodeRouteUpdate(payload)
	if err != nil {
		return nil, err
	}
	if u.Route == nil {
		return nil, route.ErrNoRoute
	}
	return u.Route, nil
}

func (c *quicConn) Recv(_ context.Context) (Message, error) {
	for {
		tp, payload, err := readFrame(c.stream)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("read router frame: %w", err)
		}

		switch tp {
		case msgDownlink:
			d, err := decodeDownlink(payload)
			if err != nil {
				return nil, err
			}
			return DownlinkMessage{Downlink: d}, nil
		case msgRouteUpdate:
			u, err := decodeRouteUpdate(payload)
			if err != nil {
				return nil, err
			}
			return RouteUpdateMessage{Update: u}, nil
		case msgFilterUpdate:
			return FilterMessage{Raw: payload}, nil
		default:
			// Unknown inbound types are skipped, not fatal: routers may
			// speak newer protocol revisions.
			continue
		}
	}
}

func (c *quicConn) Close() error {
	_ = c.stream.Close()
	return c.qc.CloseWithError(0, "session closed")
}
