package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNoGateway indicates no port-mapping gateway was found.
	ErrNoGateway = errors.New("no port mapping gateway found")
	// ErrUnsupportedProtocol indicates a protocol other than "tcp" or "udp".
	ErrUnsupportedProtocol = errors.New("unsupported mapping protocol")
)

const (
	mappingDescription = "routerlink"
	mappingLease       = time.Hour
)

// PortMapper opens listening ports on the local gateway.
type PortMapper interface {
	Map(ctx context.Context, proto string, port uint16) error
	Unmap(ctx context.Context, proto string, port uint16) error
	Close() error
}

// ExternalAddresser is implemented by mappers that can report the public
// address of the gateway.
type ExternalAddresser interface {
	ExternalIP(ctx context.Context) (netip.Addr, error)
}

// NoopMapper performs no mapping.
type NoopMapper struct{}

// Map does nothing.
func (NoopMapper) Map(context.Context, string, uint16) error { return nil }

// Unmap does nothing.
func (NoopMapper) Unmap(context.Context, string, uint16) error { return nil }

// Close does nothing.
func (NoopMapper) Close() error { return nil }

func normalizeProto(proto string) (string, error) {
	switch strings.ToLower(proto) {
	case "tcp":
		return "TCP", nil
	case "udp":
		return "UDP", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedProtocol, proto)
	}
}

// igdClient is the subset shared by the goupnp WAN connection clients.
type igdClient interface {
	AddPortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string,
		internalPort uint16, internalClient string, enabled bool, description string, leaseDuration uint32) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
}

// UPnPMapper maps ports through a UPnP Internet Gateway Device. The gateway
// is discovered on first use, preferring IGDv2 over IGDv1.
type UPnPMapper struct {
	mu       sync.Mutex
	client   igdClient
	localIP  string
	mappings map[string]uint16
}

// NewUPnPMapper creates a mapper. Discovery happens on the first Map.
func NewUPnPMapper() *UPnPMapper {
	return &UPnPMapper{mappings: make(map[string]uint16)}
}

func (u *UPnPMapper) discover(ctx context.Context) (igdClient, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.client != nil {
		return u.client, nil
	}

	if clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx); err == nil && len(clients) > 0 {
		u.client = clients[0]
	} else if clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		u.client = clients[0]
	} else if clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		u.client = clients[0]
	} else if clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		u.client = clients[0]
	} else if clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx); err == nil && len(clients) > 0 {
		u.client = clients[0]
	} else {
		return nil, ErrNoGateway
	}

	ip, err := localIPv4()
	if err != nil {
		u.client = nil
		return nil, err
	}
	u.localIP = ip.String()
	return u.client, nil
}

// Map forwards port on the gateway to this host.
func (u *UPnPMapper) Map(ctx context.Context, proto string, port uint16) error {
	p, err := normalizeProto(proto)
	if err != nil {
		return err
	}
	client, err := u.discover(ctx)
	if err != nil {
		return err
	}

	u.mu.Lock()
	localIP := u.localIP
	u.mu.Unlock()

	if err := client.AddPortMappingCtx(ctx, "", port, p, port, localIP, true,
		mappingDescription, uint32(mappingLease.Seconds())); err != nil {
		return fmt.Errorf("upnp map %s/%d: %w", p, port, err)
	}

	u.mu.Lock()
	u.mappings[fmt.Sprintf("%s/%d", p, port)] = port
	u.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "UPnPMapper.Map",
		"proto":    p,
		"port":     port,
		"client":   localIP,
	}).Info("UPnP port mapping added")
	return nil
}

// Unmap removes a mapping added by Map.
func (u *UPnPMapper) Unmap(ctx context.Context, proto string, port uint16) error {
	p, err := normalizeProto(proto)
	if err != nil {
		return err
	}
	u.mu.Lock()
	client := u.client
	delete(u.mappings, fmt.Sprintf("%s/%d", p, port))
	u.mu.Unlock()
	if client == nil {
		return nil
	}
	if err := client.DeletePortMappingCtx(ctx, "", port, p); err != nil {
		return fmt.Errorf("upnp unmap %s/%d: %w", p, port, err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address.
func (u *UPnPMapper) ExternalIP(ctx context.Context) (netip.Addr, error) {
	client, err := u.discover(ctx)
	if err != nil {
		return netip.Addr{}, err
	}
	s, err := client.GetExternalIPAddressCtx(ctx)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("upnp external address: %w", err)
	}
	return netip.ParseAddr(s)
}

// Close removes every remaining mapping.
func (u *UPnPMapper) Close() error {
	u.mu.Lock()
	client := u.client
	mappings := u.mappings
	u.mappings = make(map[string]uint16)
	u.mu.Unlock()
	if client == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var errs []error
	for key, port := range mappings {
		proto := strings.SplitN(key, "/", 2)[0]
		if err := client.DeletePortMappingCtx(ctx, "", port, proto); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NATPMPMapper maps ports with NAT-PMP against a configured gateway.
type NATPMPMapper struct {
	client *natpmp.Client

	mu       sync.Mutex
	mappings map[string]uint16
}

// NewNATPMPMapper creates a mapper talking to gateway.
func NewNATPMPMapper(gateway netip.Addr, timeout time.Duration) *NATPMPMapper {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &NATPMPMapper{
		client:   natpmp.NewClientWithTimeout(net.IP(gateway.AsSlice()), timeout),
		mappings: make(map[string]uint16),
	}
}

// Map requests a mapping of port to the same external port.
func (n *NATPMPMapper) Map(ctx context.Context, proto string, port uint16) error {
	p, err := normalizeProto(proto)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	lower := strings.ToLower(p)
	res, err := n.client.AddPortMapping(lower, int(port), int(port), int(mappingLease.Seconds()))
	if err != nil {
		return fmt.Errorf("nat-pmp map %s/%d: %w", p, port, err)
	}

	n.mu.Lock()
	n.mappings[fmt.Sprintf("%s/%d", lower, port)] = port
	n.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":      "NATPMPMapper.Map",
		"proto":         p,
		"port":          port,
		"external_port": res.MappedExternalPort,
		"lifetime":      res.PortMappingLifetimeInSeconds,
	}).Info("NAT-PMP port mapping added")
	return nil
}

// Unmap deletes a mapping by requesting a zero lifetime.
func (n *NATPMPMapper) Unmap(ctx context.Context, proto string, port uint16) error {
	p, err := normalizeProto(proto)
	if err != nil {
		return err
	}
	lower := strings.ToLower(p)
	n.mu.Lock()
	delete(n.mappings, fmt.Sprintf("%s/%d", lower, port))
	n.mu.Unlock()

	if _, err := n.client.AddPortMapping(lower, int(port), 0, 0); err != nil {
		return fmt.Errorf("nat-pmp unmap %s/%d: %w", p, port, err)
	}
	return nil
}

// ExternalIP asks the gateway for its public address.
func (n *NATPMPMapper) ExternalIP(ctx context.Context) (netip.Addr, error) {
	if err := ctx.Err(); err != nil {
		return netip.Addr{}, err
	}
	res, err := n.client.GetExternalAddress()
	if err != nil {
		return netip.Addr{}, fmt.Errorf("nat-pmp external address: %w", err)
	}
	return netip.AddrFrom4(res.ExternalIPAddress), nil
}

// Close removes every remaining mapping.
func (n *NATPMPMapper) Close() error {
	n.mu.Lock()
	mappings := n.mappings
	n.mappings = make(map[string]uint16)
	n.mu.Unlock()

	var errs []error
	for key, port := range mappings {
		proto := strings.SplitN(key, "/", 2)[0]
		if _, err := n.client.AddPortMapping(proto, int(port), 0, 0); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// localIPv4 returns the address this host uses for outbound traffic. No
// packet is sent.
func localIPv4() (netip.Addr, error) {
	conn, err := net.Dial("udp4", "192.0.2.1:9")
	if err != nil {
		return netip.Addr{}, fmt.Errorf("determine local address: %w", err)
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).AddrPort().Addr().Unmap(), nil
}

// NewPortMapper returns the mapper named by kind: "none", "upnp" or
// "natpmp". gateway is only used by "natpmp".
func NewPortMapper(kind string, gateway netip.Addr) (PortMapper, error) {
	switch strings.ToLower(kind) {
	case "", "none":
		return NoopMapper{}, nil
	case "upnp":
		return NewUPnPMapper(), nil
	case "natpmp", "nat-pmp":
		if !gateway.IsValid() {
			return nil, errors.New("nat-pmp requires a gateway address")
		}
		return NewNATPMPMapper(gateway, 0), nil
	default:
		return nil, fmt.Errorf("unknown port mapping %q", kind)
	}
}
