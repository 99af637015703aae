package types

import (
	"encoding/hex"
	"fmt"
	"time"
)

// GatewayID is the EUI-64 of the local packet forwarder, as reported on the
// concentrator link.
type GatewayID [8]byte

func GatewayIDFromBytes(b []byte) GatewayID {
	var id GatewayID
	copy(id[:], b)
	return id
}

func (id GatewayID) Bytes() []byte { return id[:] }

func (id GatewayID) String() string { return hex.EncodeToString(id[:]) }

// DeviceAddr is the 32-bit LoRaWAN device address carried in a data frame's
// FHDR. The top bits identify the organization (OUI/NetID) that owns the
// address block.
type DeviceAddr uint32

func (a DeviceAddr) String() string { return fmt.Sprintf("%08x", uint32(a)) }

// DeviceEUI identifies a device globally; join-request frames carry it in
// the clear and it is the key checked against the denylist filter.
type DeviceEUI [8]byte

func DeviceEUIFromBytes(b []byte) DeviceEUI {
	var eui DeviceEUI
	copy(eui[:], b)
	return eui
}

func (e DeviceEUI) Bytes() []byte { return e[:] }

func (e DeviceEUI) String() string { return hex.EncodeToString(e[:]) }

// Fingerprint is the dedup key for an uplink: a digest over the frame
// payload and its receive time coarsened to a dedup bucket. Two uplinks with
// the same fingerprint inside the dedup window are the same transmission
// heard twice.
type Fingerprint uint64

func (f Fingerprint) String() string { return fmt.Sprintf("%016x", uint64(f)) }

// RoutingKey selects the route for an uplink. It is derived from the frame's
// address fields: the OUI block for data frames, the join EUI for join
// requests.
type RoutingKey struct {
	// OUI is the organization prefix extracted from a DevAddr, zero for
	// join traffic.
	OUI uint32
	// JoinEUI is set for join-request frames, zero otherwise.
	JoinEUI DeviceEUI
}

func (k RoutingKey) String() string {
	if k.JoinEUI != (DeviceEUI{}) {
		return "join/" + k.JoinEUI.String()
	}
	return fmt.Sprintf("oui/%06x", k.OUI)
}

// RouterKey is the 32-byte ed25519 public key identifying a remote router.
type RouterKey [32]byte

func RouterKeyFromBytes(b []byte) RouterKey {
	var k RouterKey
	copy(k[:], b)
	return k
}

func (k RouterKey) Bytes() []byte { return k[:] }

func (k RouterKey) String() string { return hex.EncodeToString(k[:]) }

func (k RouterKey) Short() string { return hex.EncodeToString(k[:4]) }

// KeyedEndpoint is a router address paired with the public key expected to
// be presented at session handshake. Sessions dialled against an endpoint
// refuse to proceed if the remote identity does not match the key.
type KeyedEndpoint struct {
	Addr      string
	PublicKey RouterKey
}

func (e KeyedEndpoint) String() string {
	return fmt.Sprintf("%s#%s", e.Addr, e.PublicKey.Short())
}

// Route is an ordered list of candidate endpoints for a routing key,
// resolved from the routing authority. Routes are immutable once installed
// in the cache; a refresh installs a replacement, never edits in place.
type Route struct {
	Key       RoutingKey
	Endpoints []KeyedEndpoint
	// MaxCopies caps how many endpoints an uplink is offered to before the
	// route gives up, as dictated by the authority.
	MaxCopies int
	FetchedAt time.Time
}
