package link

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

const (
	DefaultHost       = "localhost"
	DefaultTCPPort    = 7000
	DefaultDevicePort = "simulation"
)

// Descriptor identifies a backend and a device port on it.
// Its string form is "host:tcpPort:devicePort"; anything after the third
// colon belongs to the device port id (USB paths use it).
type Descriptor struct {
	Host       string `json:"host"`
	TCPPort    int    `json:"tcp_port"`
	DevicePort string `json:"device_port"`
}

// DefaultDescriptor is localhost:7000:simulation.
func DefaultDescriptor() Descriptor {
	return Descriptor{Host: DefaultHost, TCPPort: DefaultTCPPort, DevicePort: DefaultDevicePort}
}

// ParseDescriptor parses s and falls back to DefaultDescriptor when s is malformed.
func ParseDescriptor(s string) Descriptor {
	d, err := ParseDescriptorStrict(s)
	if err != nil {
		return DefaultDescriptor()
	}
	return d
}

// ParseDescriptorStrict is ParseDescriptor without the fallback.
func ParseDescriptorStrict(s string) (Descriptor, error) {
	parts := strings.SplitN(strings.TrimSpace(s), ":", 3)
	if len(parts) != 3 {
		return Descriptor{}, fmt.Errorf("link: descriptor %q: want host:port:device", s)
	}
	if parts[0] == "" {
		return Descriptor{}, fmt.Errorf("link: descriptor %q: empty host", s)
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port <= 0 || port > 65535 {
		return Descriptor{}, fmt.Errorf("link: descriptor %q: bad tcp port %q", s, parts[1])
	}
	return Descriptor{Host: parts[0], TCPPort: port, DevicePort: parts[2]}, nil
}

func (d Descriptor) String() string {
	return d.Host + ":" + strconv.Itoa(d.TCPPort) + ":" + d.DevicePort
}

// Addr is the dialable host:port.
func (d Descriptor) Addr() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.TCPPort))
}

// Equal compares all three fields exactly.
func (d Descriptor) Equal(o Descriptor) bool {
	return d.Host == o.Host && d.TCPPort == o.TCPPort && d.DevicePort == o.DevicePort
}
