package routerlink

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/routerlink/bandwidth"
	"github.com/opd-ai/routerlink/limits"
	"github.com/opd-ai/routerlink/netdb"
	"github.com/opd-ai/routerlink/transport"
)

const (
	// DefaultKeyPoolSize is the number of pre-generated ephemeral key pairs.
	DefaultKeyPoolSize = 5
	// DefaultSessionCreationTimeout is how long a peer may go without a
	// session before its record is reclaimed.
	DefaultSessionCreationTimeout = 10 * time.Second
	// DefaultBandwidthInterval is how often the rate estimates are refreshed.
	DefaultBandwidthInterval = time.Second
)

// Port mapping strategies accepted by Options.PortMapping.
const (
	PortMappingNone   = "none"
	PortMappingUPnP   = "upnp"
	PortMappingNATPMP = "natpmp"
)

// Options contains configuration options for creating a Transports instance.
type Options struct {
	KeyPoolSize            int           `yaml:"key_pool_size"`
	SessionCreationTimeout time.Duration `yaml:"session_creation_timeout"`
	CleanupInterval        time.Duration `yaml:"cleanup_interval"`
	BandwidthInterval      time.Duration `yaml:"bandwidth_interval"`
	LowBandwidthLimit      uint64        `yaml:"low_bandwidth_limit"`
	MaxBacklog             int           `yaml:"max_backlog"`

	// EnableUPnP selects UPnP mapping when PortMapping is left at "none".
	EnableUPnP    bool   `yaml:"enable_upnp"`
	PortMapping   string `yaml:"port_mapping"`
	NATPMPGateway string `yaml:"natpmp_gateway"`

	StreamListen         string        `yaml:"stream_listen"`
	DatagramListen       string        `yaml:"datagram_listen"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	InboundHandshakeRate float64       `yaml:"inbound_handshake_rate"`
	DNSServer            string        `yaml:"dns_server"`

	// PublicHost is announced in our descriptor. Empty announces no
	// addresses, so peers can only learn about us through inbound sessions.
	PublicHost string `yaml:"public_host"`

	NetDBPath     string         `yaml:"netdb_path"`
	KeyFile       string         `yaml:"key_file"`
	Routers       []RouterConfig `yaml:"routers"`
	LogLevel      string         `yaml:"log_level"`
	MetricsListen string         `yaml:"metrics_listen"`
}

// RouterConfig seeds the router store with a known router.
type RouterConfig struct {
	// StaticKey is the base58 encoded static public key.
	StaticKey string          `yaml:"static_key"`
	Addresses []netdb.Address `yaml:"addresses"`
}

// NewOptions creates a new Options with default values.
func NewOptions() *Options {
	return &Options{
		KeyPoolSize:            DefaultKeyPoolSize,
		SessionCreationTimeout: DefaultSessionCreationTimeout,
		CleanupInterval:        3 * DefaultSessionCreationTimeout,
		BandwidthInterval:      DefaultBandwidthInterval,
		LowBandwidthLimit:      bandwidth.DefaultLowLimit,
		MaxBacklog:             limits.DefaultMaxBacklog,
		PortMapping:            PortMappingNone,
		StreamListen:           ":9150",
		DatagramListen:         ":9150",
		HandshakeTimeout:       transport.DefaultHandshakeTimeout,
		InboundHandshakeRate:   transport.DefaultInboundHandshakeRate,
		LogLevel:               "info",
	}
}

// LoadOptions reads a YAML file on top of the defaults.
func LoadOptions(path string) (*Options, error) {
	opts := NewOptions()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"function": "LoadOptions",
		"path":     path,
		"routers":  len(opts.Routers),
	}).Debug("Configuration loaded")

	return opts, nil
}

// Validate checks the options and fills in values derived from others.
func (o *Options) Validate() error {
	if o.KeyPoolSize < 1 {
		return errors.New("key_pool_size must be positive")
	}
	if o.SessionCreationTimeout <= 0 {
		return errors.New("session_creation_timeout must be positive")
	}
	if o.CleanupInterval <= 0 {
		o.CleanupInterval = 3 * o.SessionCreationTimeout
	}
	if o.BandwidthInterval <= 0 {
		return errors.New("bandwidth_interval must be positive")
	}
	if o.MaxBacklog < 1 {
		return errors.New("max_backlog must be positive")
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = transport.DefaultHandshakeTimeout
	}
	if o.InboundHandshakeRate <= 0 {
		o.InboundHandshakeRate = transport.DefaultInboundHandshakeRate
	}
	switch o.PortMapping {
	case "", PortMappingNone, PortMappingUPnP, PortMappingNATPMP, "nat-pmp":
	default:
		return fmt.Errorf("unknown port_mapping %q", o.PortMapping)
	}
	if _, err := logrus.ParseLevel(o.LogLevel); o.LogLevel != "" && err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

// MapperKind returns the port mapping strategy after applying EnableUPnP.
func (o *Options) MapperKind() string {
	if (o.PortMapping == "" || o.PortMapping == PortMappingNone) && o.EnableUPnP {
		return PortMappingUPnP
	}
	if o.PortMapping == "" {
		return PortMappingNone
	}
	return o.PortMapping
}
