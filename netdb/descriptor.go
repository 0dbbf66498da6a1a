package netdb

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Style identifies which wire protocol an address belongs to.
type Style uint8

const (
	// StyleStream is the connection-oriented protocol.
	StyleStream Style = iota + 1
	// StyleDatagram is the packet-oriented protocol.
	StyleDatagram
)

// String returns the style name.
func (s Style) String() string {
	switch s {
	case StyleStream:
		return "stream"
	case StyleDatagram:
		return "datagram"
	default:
		return fmt.Sprintf("style(%d)", uint8(s))
	}
}

// MarshalText renders the style name so configuration files can spell it.
func (s Style) MarshalText() ([]byte, error) {
	switch s {
	case StyleStream, StyleDatagram:
		return []byte(s.String()), nil
	default:
		return nil, fmt.Errorf("unknown address style %d", uint8(s))
	}
}

// UnmarshalText accepts "stream" or "datagram".
func (s *Style) UnmarshalText(text []byte) error {
	switch string(text) {
	case "stream":
		*s = StyleStream
	case "datagram":
		*s = StyleDatagram
	default:
		return fmt.Errorf("unknown address style %q", text)
	}
	return nil
}

// Address is one published endpoint of a router.
type Address struct {
	Style Style  `cbor:"style" yaml:"style"`
	Host  string `cbor:"host" yaml:"host"`
	Port  uint16 `cbor:"port" yaml:"port"`
}

// String returns host:port.
func (a Address) String() string {
	return net.JoinHostPort(a.Host, strconv.Itoa(int(a.Port)))
}

// AddrPort returns the address as an IP endpoint. ok is false when Host is a
// hostname rather than a literal IP.
func (a Address) AddrPort() (netip.AddrPort, bool) {
	ip, err := netip.ParseAddr(a.Host)
	if err != nil {
		return netip.AddrPort{}, false
	}
	return netip.AddrPortFrom(ip.Unmap(), a.Port), true
}

// RouterDescriptor describes how to reach a router. Descriptors are shared by
// pointer and must not be modified after construction.
type RouterDescriptor struct {
	StaticKey [32]byte  `cbor:"static_key"`
	Addresses []Address `cbor:"addresses"`
	Caps      string    `cbor:"caps,omitempty"`
	Published time.Time `cbor:"published"`
}

// NewRouterDescriptor builds a descriptor published now.
func NewRouterDescriptor(staticKey [32]byte, addrs ...Address) *RouterDescriptor {
	return &RouterDescriptor{
		StaticKey: staticKey,
		Addresses: append([]Address(nil), addrs...),
		Published: time.Now().UTC(),
	}
}

// Identity returns the identity of the described router.
func (d *RouterDescriptor) Identity() Identity {
	return IdentityFromKey(d.StaticKey)
}

// StreamAddress returns the first stream address, if any.
func (d *RouterDescriptor) StreamAddress() (Address, bool) {
	for _, a := range d.Addresses {
		if a.Style == StyleStream && a.Host != "" && a.Port != 0 {
			return a, true
		}
	}
	return Address{}, false
}

// DatagramAddress returns the first datagram address with a literal IP.
// Datagram peers are never looked up by name.
func (d *RouterDescriptor) DatagramAddress() (Address, bool) {
	for _, a := range d.Addresses {
		if a.Style != StyleDatagram || a.Port == 0 {
			continue
		}
		if _, ok := a.AddrPort(); ok {
			return a, true
		}
	}
	return Address{}, false
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

// MarshalDescriptor encodes a descriptor for storage.
func MarshalDescriptor(d *RouterDescriptor) ([]byte, error) {
	data, err := encMode.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode descriptor: %w", err)
	}
	return data, nil
}

// UnmarshalDescriptor decodes a descriptor produced by MarshalDescriptor.
func UnmarshalDescriptor(data []byte) (*RouterDescriptor, error) {
	var d RouterDescriptor
	if err := decMode.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to decode descriptor: %w", err)
	}
	return &d, nil
}
