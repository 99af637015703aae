package dispatch_test

import (
	"context"
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldloop/lorad/internal/testutil/memrouter"
	"github.com/fieldloop/lorad/pkg/dispatch"
	"github.com/fieldloop/lorad/pkg/frame"
	"github.com/fieldloop/lorad/pkg/radio"
	"github.com/fieldloop/lorad/pkg/sched"
	"github.com/fieldloop/lorad/pkg/signer"
	"github.com/fieldloop/lorad/pkg/types"
)

type testSigner struct {
	priv ed25519.PrivateKey
	pub  ed25519.PublicKey
	err  error
}

func newTestSigner(t *testing.T) *testSigner {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return &testSigner{priv: priv, pub: pub}
}

func (s *testSigner) Sign(msg []byte) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	return ed25519.Sign(s.priv, msg), nil
}

func (s *testSigner) PublicKey() ed25519.PublicKey { return s.pub }

func testEndpoint(b byte) types.KeyedEndpoint {
	var k types.RouterKey
	k[0] = b
	return types.KeyedEndpoint{Addr: "router.example:8080", PublicKey: k}
}

func testConfig(ep types.KeyedEndpoint) dispatch.Config {
	return dispatch.Config{
		QueueBound:     8,
		UplinkTimeout:  time.Second,
		BackoffBase:    5 * time.Millisecond,
		BackoffCeil:    50 * time.Millisecond,
		DefaultRouters: []types.KeyedEndpoint{ep},
	}
}

func testUplink(b byte) radio.UplinkEvent {
	return radio.UplinkEvent{
		Payload:    []byte{0x40, b},
		Frequency:  904_300_000,
		Datarate:   "SF7BW125",
		ReceivedAt: time.Unix(1700000000, 0),
	}
}

func routeTo(ep types.KeyedEndpoint) *types.Route {
	return &types.Route{
		Key:       types.RoutingKey{OUI: 1},
		Endpoints: []types.KeyedEndpoint{ep},
		MaxCopies: 1,
	}
}

func waitUplinks(t *testing.T, router *memrouter.Router, n int) [][]byte {
	t.Helper()
	require.Eventually(t, func() bool { return len(router.Uplinks()) >= n },
		2*time.Second, 5*time.Millisecond)
	return router.Uplinks()
}

func TestDeliverReachesRouter(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	ev := testUplink(0x01)
	d.Deliver(ev, frame.Frame{}, routeTo(ep))

	got := waitUplinks(t, router, 1)
	assert.Equal(t, dispatch.EncodeUplink(ev), got[0])
	assert.True(t, d.Sessions().InState(ep.PublicKey, dispatch.StateActive))
}

func TestDeliverSurvivesDialFailures(t *testing.T) {
	router := memrouter.New()
	router.FailDials(2)
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	d.Deliver(testUplink(0x01), frame.Frame{}, routeTo(ep))

	waitUplinks(t, router, 1)
	assert.GreaterOrEqual(t, router.Dials(), 3)
}

func TestDeliverPreservesOrderPerSession(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	for i := byte(0); i < 5; i++ {
		d.Deliver(testUplink(i), frame.Frame{}, routeTo(ep))
	}

	got := waitUplinks(t, router, 5)
	for i := byte(0); i < 5; i++ {
		assert.Equal(t, dispatch.EncodeUplink(testUplink(i)), got[i])
	}
}

func TestInboundMessagesReachConsumers(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)

	downlinks := make(chan dispatch.DownlinkMessage, 1)
	updates := make(chan dispatch.RouteUpdateMessage, 1)
	filters := make(chan dispatch.FilterMessage, 1)
	consumers := dispatch.Consumers{
		Downlink:    func(m dispatch.DownlinkMessage) { downlinks <- m },
		RouteUpdate: func(m dispatch.RouteUpdateMessage) { updates <- m },
		Filter:      func(m dispatch.FilterMessage) { filters <- m },
	}

	d := dispatch.New(router, newTestSigner(t), consumers, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	// A session must be live before the router can push anything.
	d.Deliver(testUplink(0x01), frame.Frame{}, routeTo(ep))
	waitUplinks(t, router, 1)

	router.Push(dispatch.DownlinkMessage{Downlink: sched.Downlink{Payload: []byte{0x01}}})
	router.Push(dispatch.RouteUpdateMessage{Update: dispatch.RouteUpdate{Key: types.RoutingKey{OUI: 5}}})
	router.Push(dispatch.FilterMessage{Raw: []byte{0xff}})

	for name, ch := range map[string]func() bool{
		"downlink":     func() bool { return len(downlinks) == 1 },
		"route update": func() bool { return len(updates) == 1 },
		"filter":       func() bool { return len(filters) == 1 },
	} {
		assert.Eventually(t, ch, 2*time.Second, 5*time.Millisecond, name)
	}
}

func TestSendWitnessUsesDefaultRouter(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	report := dispatch.WitnessReport{Gateway: types.GatewayIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})}
	require.NoError(t, d.SendWitness(report))

	require.Eventually(t, func() bool { return len(router.Witnesses()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, dispatch.EncodeWitness(report), router.Witnesses()[0])
}

func TestSendWitnessWithoutDefaultRouter(t *testing.T) {
	router := memrouter.New()
	conf := testConfig(testEndpoint(1))
	conf.DefaultRouters = nil
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, conf, func(error) {})
	defer d.Drain(context.Background())

	assert.Error(t, d.SendWitness(dispatch.WitnessReport{}))
}

func TestWitnessSurvivesOneSendFailure(t *testing.T) {
	router := memrouter.New()
	router.FailWitnessSends(1)
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	report := dispatch.WitnessReport{Gateway: types.GatewayIDFromBytes([]byte{1, 2, 3, 4, 5, 6, 7, 8})}
	require.NoError(t, d.SendWitness(report))

	// The failed send tears the session down; the report rides the queue
	// into the reconnected one.
	require.Eventually(t, func() bool { return len(router.Witnesses()) == 1 },
		2*time.Second, 5*time.Millisecond)
	assert.Equal(t, dispatch.EncodeWitness(report), router.Witnesses()[0])
	assert.GreaterOrEqual(t, router.Dials(), 2)
}

func TestWitnessDroppedAfterSecondSendFailure(t *testing.T) {
	router := memrouter.New()
	router.FailWitnessSends(2)
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	defer d.Drain(context.Background())

	require.NoError(t, d.SendWitness(dispatch.WitnessReport{}))

	// One retry, not an endless resubmission loop.
	require.Eventually(t, func() bool { return router.Dials() >= 2 },
		2*time.Second, 5*time.Millisecond)
	assert.Never(t, func() bool { return len(router.Witnesses()) > 0 },
		300*time.Millisecond, 10*time.Millisecond)
}

func TestSigningFailureEscalates(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)

	sign := newTestSigner(t)
	sign.err = signer.ErrKeyUnusable

	faults := make(chan error, 1)
	d := dispatch.New(router, sign, dispatch.Consumers{}, testConfig(ep), func(err error) { faults <- err })
	defer d.Drain(context.Background())

	d.Deliver(testUplink(0x01), frame.Frame{}, routeTo(ep))

	select {
	case err := <-faults:
		require.ErrorIs(t, err, signer.ErrKeyUnusable)
	case <-time.After(2 * time.Second):
		t.Fatal("signing failure was not escalated")
	}
	assert.True(t, d.Sessions().InState(ep.PublicKey, dispatch.StateClosed))
	assert.Empty(t, router.Uplinks())
}

func TestDeliverSkipsClosedEndpoint(t *testing.T) {
	router := memrouter.New()
	closed := testEndpoint(1)
	alive := testEndpoint(2)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(alive), func(error) {})
	defer d.Drain(context.Background())

	d.Sessions().Step(time.Now(), dispatch.Register{Endpoint: closed})
	d.Sessions().Step(time.Now(), dispatch.Shutdown{Key: closed.PublicKey})

	rt := routeTo(closed)
	rt.Endpoints = append(rt.Endpoints, alive)

	ev := testUplink(0x01)
	d.Deliver(ev, frame.Frame{}, rt)

	waitUplinks(t, router, 1)
	assert.True(t, d.Sessions().InState(alive.PublicKey, dispatch.StateActive))
}

func TestDueDialFollowsRegistry(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})
	w := dispatch.NewWorkerForTest(d, ep.PublicKey)

	d.Sessions().Step(time.Now(), dispatch.Register{Endpoint: ep})
	got, ok := w.DueDial()
	require.True(t, ok)
	assert.Equal(t, ep, got)

	// Backed-off sessions are not due until their delay elapses.
	d.Sessions().Step(time.Now(), dispatch.TransportFailed{Key: ep.PublicKey})
	_, ok = w.DueDial()
	assert.False(t, ok)

	d.Sessions().Step(time.Now(), dispatch.Shutdown{Key: ep.PublicKey})
	_, ok = w.DueDial()
	assert.False(t, ok)
}

func TestDrainRefusesNewWork(t *testing.T) {
	router := memrouter.New()
	ep := testEndpoint(1)
	d := dispatch.New(router, newTestSigner(t), dispatch.Consumers{}, testConfig(ep), func(error) {})

	d.Deliver(testUplink(0x01), frame.Frame{}, routeTo(ep))
	waitUplinks(t, router, 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Drain(ctx)

	d.Deliver(testUplink(0x02), frame.Frame{}, routeTo(ep))
	assert.ErrorIs(t, d.SendWitness(dispatch.WitnessReport{}), dispatch.ErrShuttingDown)
	assert.Len(t, router.Uplinks(), 1)
}
