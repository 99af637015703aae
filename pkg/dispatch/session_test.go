package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldloop/lorad/pkg/types"
)

func testEndpoint(b byte) types.KeyedEndpoint {
	var k types.RouterKey
	k[0] = b
	return types.KeyedEndpoint{Addr: "router.example:8080", PublicKey: k}
}

func TestRegisterMakesSessionDialable(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})

	outs := r.Step(now, Tick{})
	require.Len(t, outs, 1)
	assert.Equal(t, AttemptDial{Endpoint: ep}, outs[0])

	s, ok := r.Get(ep.PublicKey)
	require.True(t, ok)
	assert.Equal(t, StateConnecting, s.State)
}

func TestRegisterAgainUpdatesEndpointAddr(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})
	r.Step(now, HandshakeSucceeded{Key: ep.PublicKey})

	moved := ep
	moved.Addr = "router2.example:8080"
	r.Step(now, Register{Endpoint: moved})

	s, ok := r.Get(ep.PublicKey)
	require.True(t, ok)
	assert.Equal(t, "router2.example:8080", s.Endpoint.Addr)
	assert.Equal(t, StateActive, s.State)
}

func TestBackoffLadder(t *testing.T) {
	base := time.Second
	ceiling := time.Minute
	r := NewRegistry(base, ceiling)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})

	// After N consecutive failures the delay is base×2^(N-1), capped.
	wantDelays := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
		time.Minute,
		time.Minute,
	}
	for i, want := range wantDelays {
		r.Step(now, TransportFailed{Key: ep.PublicKey})
		s, ok := r.Get(ep.PublicKey)
		require.True(t, ok)
		assert.Equal(t, i+1, s.Attempts)
		assert.Equal(t, StateBackoff, s.State)
		assert.Equal(t, now.Add(want), s.NextDialAt, "failure %d", i+1)
	}
}

func TestTickHoldsBackoffUntilDue(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})
	r.Step(now, TransportFailed{Key: ep.PublicKey})

	assert.Empty(t, r.Step(now.Add(900*time.Millisecond), Tick{}))

	outs := r.Step(now.Add(time.Second), Tick{})
	require.Len(t, outs, 1)
	assert.True(t, r.InState(ep.PublicKey, StateConnecting))
}

func TestHandshakeResetsBackoff(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})
	for i := 0; i < 5; i++ {
		r.Step(now, TransportFailed{Key: ep.PublicKey})
	}
	r.Step(now, HandshakeSucceeded{Key: ep.PublicKey})

	s, ok := r.Get(ep.PublicKey)
	require.True(t, ok)
	assert.Equal(t, StateActive, s.State)
	assert.Equal(t, 0, s.Attempts)

	// A failure after a healthy stretch starts the ladder over.
	r.Step(now, TransportFailed{Key: ep.PublicKey})
	s, _ = r.Get(ep.PublicKey)
	assert.Equal(t, 1, s.Attempts)
	assert.Equal(t, now.Add(time.Second), s.NextDialAt)
}

func TestClosedIsTerminal(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()
	ep := testEndpoint(1)

	r.Step(now, Register{Endpoint: ep})
	r.Step(now, Shutdown{Key: ep.PublicKey})

	r.Step(now, HandshakeSucceeded{Key: ep.PublicKey})
	r.Step(now, TransportFailed{Key: ep.PublicKey})
	assert.Empty(t, r.Step(now, Tick{}))
	assert.True(t, r.InState(ep.PublicKey, StateClosed))
}

func TestCloseAll(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	now := time.Now()

	for b := byte(1); b <= 3; b++ {
		r.Step(now, Register{Endpoint: testEndpoint(b)})
	}
	r.CloseAll()

	assert.Empty(t, r.Step(now, Tick{}))
	for b := byte(1); b <= 3; b++ {
		assert.True(t, r.InState(testEndpoint(b).PublicKey, StateClosed))
	}
}

func TestBackoffOverflowCapped(t *testing.T) {
	r := NewRegistry(time.Second, time.Minute)
	assert.Equal(t, time.Minute, r.backoff(70))
	assert.Equal(t, time.Duration(0), r.backoff(0))
}
