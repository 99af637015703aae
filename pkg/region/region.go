// Package region holds the per-region channel parameters the gateway
// needs locally: beacon transmit frequencies, datarates and power caps.
// Device-facing channel plans live upstream in the routers.
package region

import (
	"fmt"
	"strings"

	"github.com/fieldloop/lorad/pkg/radio"
)

type Region string

const (
	US915 Region = "US915"
	EU868 Region = "EU868"
	AU915 Region = "AU915"
	AS923 Region = "AS923_1"
	IN865 Region = "IN865"
)

// Plan carries the beacon parameters for one region. Beacons hop across
// BeaconFrequencies round-robin so a stationary listener still sees a
// fraction of them.
type Plan struct {
	Region            Region
	BeaconFrequencies []uint32 // Hz
	BeaconDatarate    radio.Datarate
	// MaxEIRP caps beacon transmit power, in dBm.
	MaxEIRP int8
}

var plans = map[Region]Plan{
	US915: {
		Region:            US915,
		BeaconFrequencies: []uint32{904_300_000, 904_500_000, 904_700_000, 904_900_000, 905_100_000, 905_300_000},
		BeaconDatarate:    "SF10BW125",
		MaxEIRP:           27,
	},
	EU868: {
		Region:            EU868,
		BeaconFrequencies: []uint32{869_525_000},
		BeaconDatarate:    "SF12BW125",
		MaxEIRP:           16,
	},
	AU915: {
		Region:            AU915,
		BeaconFrequencies: []uint32{916_300_000, 916_500_000, 916_700_000, 916_900_000, 917_100_000, 917_300_000},
		BeaconDatarate:    "SF10BW125",
		MaxEIRP:           27,
	},
	AS923: {
		Region:            AS923,
		BeaconFrequencies: []uint32{923_200_000},
		BeaconDatarate:    "SF10BW125",
		MaxEIRP:           16,
	},
	IN865: {
		Region:            IN865,
		BeaconFrequencies: []uint32{866_550_000},
		BeaconDatarate:    "SF10BW125",
		MaxEIRP:           27,
	},
}

// PlanFor resolves a configured region name, case-insensitively.
func PlanFor(name string) (Plan, error) {
	p, ok := plans[Region(strings.ToUpper(name))]
	if !ok {
		return Plan{}, fmt.Errorf("unknown region %q", name)
	}
	return p, nil
}

// Known lists the supported region names, for config validation errors.
func Known() []string {
	out := make([]string, 0, len(plans))
	for r := range plans {
		out = append(out, string(r))
	}
	return out
}
