package config

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/fieldloop/lorad/pkg/types"
)

const (
	configFileName = "config.yaml"

	DefaultRouterPort = 8080

	ed25519PublicKeyBytes = 32
)

// Tuning carries the operational constants the routing engine leaves
// configurable: window durations, TTLs, backoff shape, queue bounds. Zero
// values fall back to the documented defaults.
type Tuning struct {
	DedupWindow      time.Duration `yaml:"dedupWindow,omitempty"`
	DedupCapacity    int           `yaml:"dedupCapacity,omitempty"`
	RouteTTL         time.Duration `yaml:"routeTTL,omitempty"`
	NegativeRouteTTL time.Duration `yaml:"negativeRouteTTL,omitempty"`
	ResolveTimeout   time.Duration `yaml:"resolveTimeout,omitempty"`
	PendingQueue     int           `yaml:"pendingQueue,omitempty"`
	BackoffBase      time.Duration `yaml:"backoffBase,omitempty"`
	BackoffCeiling   time.Duration `yaml:"backoffCeiling,omitempty"`
	SessionQueue     int           `yaml:"sessionQueue,omitempty"`
	SchedulingMargin time.Duration `yaml:"schedulingMargin,omitempty"`
	UplinkTimeout    time.Duration `yaml:"uplinkTimeout,omitempty"`
	DownlinkTimeout  time.Duration `yaml:"downlinkTimeout,omitempty"`
	DrainGrace       time.Duration `yaml:"drainGrace,omitempty"`
	BeaconInterval   time.Duration `yaml:"beaconInterval,omitempty"`
}

const (
	DefaultDedupWindow      = 30 * time.Second
	DefaultDedupCapacity    = 4096
	DefaultRouteTTL         = 10 * time.Minute
	DefaultNegativeRouteTTL = 30 * time.Second
	DefaultResolveTimeout   = 5 * time.Second
	DefaultPendingQueue     = 64
	DefaultBackoffBase      = time.Second
	DefaultBackoffCeiling   = 60 * time.Second
	DefaultSessionQueue     = 128
	DefaultSchedulingMargin = 200 * time.Millisecond
	DefaultUplinkTimeout    = 6 * time.Second
	DefaultDownlinkTimeout  = 5 * time.Second
	DefaultDrainGrace       = 5 * time.Second
	DefaultBeaconInterval   = 5 * time.Minute
)

func orDefault(d, fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return d
}

func orDefaultInt(n, fallback int) int {
	if n == 0 {
		return fallback
	}
	return n
}

func (t Tuning) DedupWindowOrDefault() time.Duration {
	return orDefault(t.DedupWindow, DefaultDedupWindow)
}
func (t Tuning) DedupCapacityOrDefault() int { return orDefaultInt(t.DedupCapacity, DefaultDedupCapacity) }
func (t Tuning) RouteTTLOrDefault() time.Duration { return orDefault(t.RouteTTL, DefaultRouteTTL) }
func (t Tuning) NegativeRouteTTLOrDefault() time.Duration {
	return orDefault(t.NegativeRouteTTL, DefaultNegativeRouteTTL)
}
func (t Tuning) ResolveTimeoutOrDefault() time.Duration {
	return orDefault(t.ResolveTimeout, DefaultResolveTimeout)
}
func (t Tuning) PendingQueueOrDefault() int { return orDefaultInt(t.PendingQueue, DefaultPendingQueue) }
func (t Tuning) BackoffBaseOrDefault() time.Duration {
	return orDefault(t.BackoffBase, DefaultBackoffBase)
}
func (t Tuning) BackoffCeilingOrDefault() time.Duration {
	return orDefault(t.BackoffCeiling, DefaultBackoffCeiling)
}
func (t Tuning) SessionQueueOrDefault() int { return orDefaultInt(t.SessionQueue, DefaultSessionQueue) }
func (t Tuning) SchedulingMarginOrDefault() time.Duration {
	return orDefault(t.SchedulingMargin, DefaultSchedulingMargin)
}
func (t Tuning) UplinkTimeoutOrDefault() time.Duration {
	return orDefault(t.UplinkTimeout, DefaultUplinkTimeout)
}
func (t Tuning) DownlinkTimeoutOrDefault() time.Duration {
	return orDefault(t.DownlinkTimeout, DefaultDownlinkTimeout)
}
func (t Tuning) DrainGraceOrDefault() time.Duration { return orDefault(t.DrainGrace, DefaultDrainGrace) }
func (t Tuning) BeaconIntervalOrDefault() time.Duration {
	return orDefault(t.BeaconInterval, DefaultBeaconInterval)
}

// Router is one keyed endpoint in the config file.
type Router struct {
	PublicKey string `yaml:"publicKey"`
	Addr      string `yaml:"addr"`
}

const DefaultListenAddr = ":1680"

type Config struct {
	Region   string `yaml:"region,omitempty"`
	LogLevel string `yaml:"logLevel,omitempty"`
	// Listen is the UDP address local packet forwarders connect to.
	Listen    string   `yaml:"listen,omitempty"`
	Authority Router   `yaml:"authority"`
	Routers   []Router `yaml:"routers,omitempty"`
	Tuning    Tuning   `yaml:"tuning,omitempty"`
}

func (c *Config) ListenOrDefault() string {
	if c.Listen == "" {
		return DefaultListenAddr
	}
	return c.Listen
}

// Load reads config.yaml from the state directory. A missing file yields
// defaults; a present file must validate.
func Load(dir string) (*Config, error) {
	path := filepath.Join(dir, configFileName)
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := &Config{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return cfg, nil
	}

	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// validate reports every problem in the file at once, so an operator
// fixes a bad config in one pass.
func (c *Config) validate() error {
	err := validateTuning(c.Tuning)
	for i, r := range c.Routers {
		if _, epErr := ParseEndpoint(r); epErr != nil {
			err = multierr.Append(err, fmt.Errorf("routers[%d]: %w", i, epErr))
		}
	}
	if c.Authority.PublicKey != "" {
		if _, epErr := ParseEndpoint(c.Authority); epErr != nil {
			err = multierr.Append(err, fmt.Errorf("authority: %w", epErr))
		}
	}
	return err
}

func validateTuning(t Tuning) error {
	for name, d := range map[string]time.Duration{
		"dedupWindow":      t.DedupWindow,
		"routeTTL":         t.RouteTTL,
		"negativeRouteTTL": t.NegativeRouteTTL,
		"resolveTimeout":   t.ResolveTimeout,
		"backoffBase":      t.BackoffBase,
		"backoffCeiling":   t.BackoffCeiling,
		"schedulingMargin": t.SchedulingMargin,
		"uplinkTimeout":    t.UplinkTimeout,
		"downlinkTimeout":  t.DownlinkTimeout,
		"drainGrace":       t.DrainGrace,
		"beaconInterval":   t.BeaconInterval,
	} {
		if d < 0 {
			return fmt.Errorf("tuning.%s must be >= 0", name)
		}
	}
	if t.DedupCapacity < 0 || t.PendingQueue < 0 || t.SessionQueue < 0 {
		return errors.New("tuning queue bounds must be >= 0")
	}
	if base, ceil := t.BackoffBase, t.BackoffCeiling; base > 0 && ceil > 0 && base > ceil {
		return errors.New("tuning.backoffBase must not exceed tuning.backoffCeiling")
	}
	return nil
}

// ParseEndpoint converts a config Router entry into a keyed endpoint.
func ParseEndpoint(r Router) (types.KeyedEndpoint, error) {
	pub, err := decodePubHex(r.PublicKey)
	if err != nil {
		return types.KeyedEndpoint{}, err
	}
	addr, err := NormalizeRouterAddr(r.Addr)
	if err != nil {
		return types.KeyedEndpoint{}, err
	}
	return types.KeyedEndpoint{
		Addr:      addr,
		PublicKey: types.RouterKeyFromBytes(pub),
	}, nil
}

// Endpoints returns the configured default routers as keyed endpoints.
func (c *Config) Endpoints() ([]types.KeyedEndpoint, error) {
	out := make([]types.KeyedEndpoint, 0, len(c.Routers))
	for i, r := range c.Routers {
		ep, err := ParseEndpoint(r)
		if err != nil {
			return nil, fmt.Errorf("routers[%d]: %w", i, err)
		}
		out = append(out, ep)
	}
	return out, nil
}

func decodePubHex(v string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimSpace(v))
	if err != nil {
		return nil, fmt.Errorf("invalid public key encoding: %w", err)
	}
	if len(b) != ed25519PublicKeyBytes {
		return nil, fmt.Errorf("invalid public key length: expected %d bytes", ed25519PublicKeyBytes)
	}
	return b, nil
}

// NormalizeRouterAddr fills in the default router port when the config
// entry omits it.
func NormalizeRouterAddr(spec string) (string, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return "", errors.New("router address cannot be empty")
	}

	if _, _, err := net.SplitHostPort(spec); err == nil {
		return spec, nil
	}

	return net.JoinHostPort(spec, strconv.Itoa(DefaultRouterPort)), nil
}
