// Package config enumerates every runtime knob of spec.md §6 in a
// single struct, populated by functional options and, optionally,
// environment variable overrides. Per the spec's explicit Non-goal
// ("does not parse configuration files"), there is no YAML/TOML here:
// someipd only ever consumes an already-built Config, the way
// responder.New consumes already-applied Option values rather than
// reading a file itself.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every environment knob named in spec.md §6.
type Config struct {
	UnicastAddress  string
	NetmaskOrPrefix string

	SDEnabled              bool
	SDMulticastAddress     string
	SDPort                 uint16
	SDInitialDelayMin      time.Duration
	SDInitialDelayMax      time.Duration
	SDRepetitionsBaseDelay time.Duration
	SDRepetitionsMax       int
	SDCyclicOfferDelay     time.Duration
	SDRequestResponseDelay time.Duration
	SDTTL                  uint32

	StatisticsInterval    time.Duration
	StatisticsMaxMessages int
	StatisticsMinFreq     time.Duration

	LogMemoryInterval     time.Duration
	LogStatusInterval     time.Duration
	LogStatisticsInterval time.Duration
	LogVersionInterval    time.Duration

	E2EEnabled      bool
	SecurityEnabled bool
	LocalRouting    bool

	MaxMessageSizeReliable   uint32
	MaxMessageSizeUnreliable uint32
	MaxMessageSizeLocal      uint32
	BufferShrinkThreshold    uint32

	// MagicCookieInterval is the number of TCP frames between magic
	// cookie emissions on a server endpoint (vsomeip's
	// endpoint_definition cookie cadence, supplemented from
	// original_source/ per SPEC_FULL.md §9).
	MagicCookieInterval int

	// LocalSocketPath is the Unix domain socket the local-transport
	// broker listens on for application connections.
	LocalSocketPath string

	// MetricsAddress is the daemon's Prometheus /metrics listen
	// address.
	MetricsAddress string

	// PingTimeout bounds the routing manager's dup-offer arbitration,
	// mirrored here so the daemon wires it from one place.
	PingTimeout time.Duration

	// LogLevel is one of logrus's level names ("debug", "info", ...).
	LogLevel string

	// ServicePortRangeStart/End bound the ports OfferService's
	// PortResolver hands out to locally-provided service instances that
	// don't already have one assigned, since spec.md's explicit
	// Non-goal rules out a per-service port table read from a config
	// file.
	ServicePortRangeStart uint16
	ServicePortRangeEnd   uint16

	// ClientIDRangeMin/Max bound the local transport's ClientPool.
	ClientIDRangeMin uint16
	ClientIDRangeMax uint16

	// ClientLockDir holds the ClientPool's per-id lockfiles.
	ClientLockDir string

	// DefaultRemotePort is used when a remote service's announced
	// availability carries no reachable port (sd.Engine's
	// AvailabilityHandler callback does not forward one), an accepted
	// approximation recorded in DESIGN.md.
	DefaultRemotePort uint16
}

// Default returns the baseline configuration, matching vsomeip's usual
// defaults (see original_source/) for every SD timing knob.
func Default() Config {
	return Config{
		UnicastAddress:  "0.0.0.0",
		NetmaskOrPrefix: "",

		SDEnabled:              true,
		SDMulticastAddress:     "224.224.224.0",
		SDPort:                 30490,
		SDInitialDelayMin:      10 * time.Millisecond,
		SDInitialDelayMax:      100 * time.Millisecond,
		SDRepetitionsBaseDelay: 200 * time.Millisecond,
		SDRepetitionsMax:       3,
		SDCyclicOfferDelay:     2 * time.Second,
		SDRequestResponseDelay: 2 * time.Second,
		SDTTL:                  3,

		StatisticsInterval:    10 * time.Second,
		StatisticsMaxMessages: 10000,
		StatisticsMinFreq:     50 * time.Millisecond,

		LogMemoryInterval:     0,
		LogStatusInterval:     0,
		LogStatisticsInterval: 0,
		LogVersionInterval:    0,

		E2EEnabled:      false,
		SecurityEnabled: false,
		LocalRouting:    true,

		MaxMessageSizeReliable:   1024 * 1024,
		MaxMessageSizeUnreliable: 1400,
		MaxMessageSizeLocal:      128 * 1024,
		BufferShrinkThreshold:    5,

		MagicCookieInterval: 3,

		LocalSocketPath: "/run/someipd/someipd.socket",
		MetricsAddress:  ":9980",
		PingTimeout:     500 * time.Millisecond,
		LogLevel:        "info",

		ServicePortRangeStart: 30500,
		ServicePortRangeEnd:   31000,

		ClientIDRangeMin: 0x0001,
		ClientIDRangeMax: 0x00ff,
		ClientLockDir:    "/run/someipd/clients",

		DefaultRemotePort: 30509,
	}
}

// Option configures a Config, following the functional-options pattern
// used throughout internal/endpoint and internal/localtransport.
type Option func(*Config)

func WithUnicastAddress(addr string) Option {
	return func(c *Config) { c.UnicastAddress = addr }
}

func WithSDMulticast(addr string, port uint16) Option {
	return func(c *Config) { c.SDMulticastAddress = addr; c.SDPort = port }
}

func WithSDEnabled(enabled bool) Option {
	return func(c *Config) { c.SDEnabled = enabled }
}

func WithLocalSocketPath(path string) Option {
	return func(c *Config) { c.LocalSocketPath = path }
}

func WithMetricsAddress(addr string) Option {
	return func(c *Config) { c.MetricsAddress = addr }
}

func WithLogLevel(level string) Option {
	return func(c *Config) { c.LogLevel = level }
}

// New builds a Config starting from Default and applying opts in
// order.
func New(opts ...Option) Config {
	c := Default()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// envBinding associates one environment variable with the setter that
// applies its parsed value to a Config, so FromEnv can iterate a flat
// table instead of repeating the same os.LookupEnv/error-handling
// dance for every knob.
type envBinding struct {
	name  string
	apply func(c *Config, raw string) error
}

func durationBinding(name string, dst *time.Duration) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = d
		return nil
	}}
}

func boolBinding(name string, dst *bool) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = b
		return nil
	}}
}

func uint16Binding(name string, dst *uint16) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = uint16(n)
		return nil
	}}
}

func uint32Binding(name string, dst *uint32) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		n, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = uint32(n)
		return nil
	}}
}

func intBinding(name string, dst *int) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = n
		return nil
	}}
}

func stringBinding(name string, dst *string) envBinding {
	return envBinding{name: name, apply: func(c *Config, raw string) error {
		*dst = raw
		return nil
	}}
}

// bindings lists every spec.md §6 knob's SOMEIPD_-prefixed environment
// variable name. The destination pointers are resolved against the
// Config passed to FromEnv at call time, not here.
func bindings(c *Config) []envBinding {
	return []envBinding{
		stringBinding("SOMEIPD_UNICAST_ADDRESS", &c.UnicastAddress),
		stringBinding("SOMEIPD_NETMASK_OR_PREFIX", &c.NetmaskOrPrefix),
		boolBinding("SOMEIPD_SD_ENABLED", &c.SDEnabled),
		stringBinding("SOMEIPD_SD_MULTICAST", &c.SDMulticastAddress),
		uint16Binding("SOMEIPD_SD_PORT", &c.SDPort),
		durationBinding("SOMEIPD_SD_INITIAL_DELAY_MIN", &c.SDInitialDelayMin),
		durationBinding("SOMEIPD_SD_INITIAL_DELAY_MAX", &c.SDInitialDelayMax),
		durationBinding("SOMEIPD_SD_REPETITIONS_BASE_DELAY", &c.SDRepetitionsBaseDelay),
		intBinding("SOMEIPD_SD_REPETITIONS_MAX", &c.SDRepetitionsMax),
		durationBinding("SOMEIPD_SD_CYCLIC_OFFER_DELAY", &c.SDCyclicOfferDelay),
		durationBinding("SOMEIPD_SD_REQUEST_RESPONSE_DELAY", &c.SDRequestResponseDelay),
		uint32Binding("SOMEIPD_SD_TTL", &c.SDTTL),
		durationBinding("SOMEIPD_STATISTICS_INTERVAL", &c.StatisticsInterval),
		intBinding("SOMEIPD_STATISTICS_MAX_MESSAGES", &c.StatisticsMaxMessages),
		durationBinding("SOMEIPD_STATISTICS_MIN_FREQ", &c.StatisticsMinFreq),
		durationBinding("SOMEIPD_LOG_MEMORY_INTERVAL", &c.LogMemoryInterval),
		durationBinding("SOMEIPD_LOG_STATUS_INTERVAL", &c.LogStatusInterval),
		durationBinding("SOMEIPD_LOG_STATISTICS_INTERVAL", &c.LogStatisticsInterval),
		durationBinding("SOMEIPD_LOG_VERSION_INTERVAL", &c.LogVersionInterval),
		boolBinding("SOMEIPD_E2E_ENABLED", &c.E2EEnabled),
		boolBinding("SOMEIPD_SECURITY_ENABLED", &c.SecurityEnabled),
		boolBinding("SOMEIPD_LOCAL_ROUTING", &c.LocalRouting),
		uint32Binding("SOMEIPD_MAX_MESSAGE_SIZE_RELIABLE", &c.MaxMessageSizeReliable),
		uint32Binding("SOMEIPD_MAX_MESSAGE_SIZE_UNRELIABLE", &c.MaxMessageSizeUnreliable),
		uint32Binding("SOMEIPD_MAX_MESSAGE_SIZE_LOCAL", &c.MaxMessageSizeLocal),
		uint32Binding("SOMEIPD_BUFFER_SHRINK_THRESHOLD", &c.BufferShrinkThreshold),
		intBinding("SOMEIPD_MAGIC_COOKIE_INTERVAL", &c.MagicCookieInterval),
		stringBinding("SOMEIPD_LOCAL_SOCKET_PATH", &c.LocalSocketPath),
		stringBinding("SOMEIPD_METRICS_ADDRESS", &c.MetricsAddress),
		durationBinding("SOMEIPD_PING_TIMEOUT", &c.PingTimeout),
		stringBinding("SOMEIPD_LOG_LEVEL", &c.LogLevel),
		uint16Binding("SOMEIPD_SERVICE_PORT_RANGE_START", &c.ServicePortRangeStart),
		uint16Binding("SOMEIPD_SERVICE_PORT_RANGE_END", &c.ServicePortRangeEnd),
		uint16Binding("SOMEIPD_CLIENT_ID_RANGE_MIN", &c.ClientIDRangeMin),
		uint16Binding("SOMEIPD_CLIENT_ID_RANGE_MAX", &c.ClientIDRangeMax),
		stringBinding("SOMEIPD_CLIENT_LOCK_DIR", &c.ClientLockDir),
		uint16Binding("SOMEIPD_DEFAULT_REMOTE_PORT", &c.DefaultRemotePort),
	}
}

// FromEnv applies every SOMEIPD_-prefixed environment variable set in
// the process environment on top of base, returning the result. An
// unset variable leaves base's value untouched; a set variable that
// fails to parse is reported in the returned error slice but every
// other binding is still applied, so one malformed knob does not take
// the rest down with it.
func FromEnv(base Config) (Config, []error) {
	c := base
	var errs []error
	for _, b := range bindings(&c) {
		raw, ok := os.LookupEnv(b.name)
		if !ok || raw == "" {
			continue
		}
		if err := b.apply(&c, raw); err != nil {
			errs = append(errs, err)
		}
	}
	return c, errs
}
