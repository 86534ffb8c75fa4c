// Package protocol implements the backend line codec.
// A message is one line: "#name;arg=value;arg=value" followed by EndOfMessage.
// Values are URL-escaped so they may carry separators.
package protocol

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

const (
	// Version is the protocol version announced in the handshake.
	Version = 5

	// EndOfMessage terminates every line on the wire.
	EndOfMessage = "\n"

	msgBegin = "#"
	argSep   = ";"
	valSep   = "="
)

// Command and event names used by the session itself.
const (
	CmdHandshake       = "mavinci"
	CmdConnect         = "connect"
	CmdRequestBackend  = "requestBackend"
	EvtBackend         = "recv_backend"
	EvtConnEstablished = "recv_connectionEstablished"
)

// ErrMalformed is returned for lines that are not codec messages.
var ErrMalformed = errors.New("protocol: malformed message")

// Arg is one named argument of a message. Order is significant.
type Arg struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Message is a decoded line.
type Message struct {
	Name string
	Args []Arg
}

// Get returns the first argument with the given name.
func (m Message) Get(name string) (string, bool) {
	for _, a := range m.Args {
		if a.Name == name {
			return a.Value, true
		}
	}
	return "", false
}

// GetAll returns every value for name, in wire order.
func (m Message) GetAll(name string) []string {
	var out []string
	for _, a := range m.Args {
		if a.Name == name {
			out = append(out, a.Value)
		}
	}
	return out
}

// Int returns the named argument parsed as a decimal integer.
func (m Message) Int(name string) (int, error) {
	raw, ok := m.Get(name)
	if !ok {
		return 0, fmt.Errorf("%w: %s: missing %q", ErrMalformed, m.Name, name)
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %q: %v", ErrMalformed, m.Name, name, err)
	}
	return n, nil
}

// ── Codec ─────────────────────────────────────────────────────────────────

// Codec turns commands into wire lines and wire lines into messages.
// It holds no state and is safe for concurrent use.
type Codec struct{}

// New returns a ready Codec.
func New() *Codec {
	return &Codec{}
}

// Encode renders a command without the EndOfMessage marker.
func (c *Codec) Encode(name string, args ...Arg) (string, error) {
	if name == "" || strings.ContainsAny(name, argSep+valSep+EndOfMessage) {
		return "", fmt.Errorf("protocol: invalid command name %q", name)
	}
	var b strings.Builder
	b.WriteString(msgBegin)
	b.WriteString(name)
	for _, a := range args {
		if a.Name == "" || strings.ContainsAny(a.Name, argSep+valSep+EndOfMessage) {
			return "", fmt.Errorf("protocol: %s: invalid argument name %q", name, a.Name)
		}
		b.WriteString(argSep)
		b.WriteString(a.Name)
		b.WriteString(valSep)
		b.WriteString(url.QueryEscape(a.Value))
	}
	return b.String(), nil
}

// Decode parses one line. Trailing "\r\n" is ignored.
func (c *Codec) Decode(line string) (Message, error) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, msgBegin) {
		return Message{}, fmt.Errorf("%w: missing %q prefix", ErrMalformed, msgBegin)
	}
	parts := strings.Split(line[len(msgBegin):], argSep)
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Message{}, fmt.Errorf("%w: empty name", ErrMalformed)
	}
	msg := Message{Name: name}
	for _, p := range parts[1:] {
		if p == "" {
			continue
		}
		k, v, ok := strings.Cut(p, valSep)
		if !ok || k == "" {
			return Message{}, fmt.Errorf("%w: %s: bad argument %q", ErrMalformed, name, p)
		}
		val, err := url.QueryUnescape(v)
		if err != nil {
			return Message{}, fmt.Errorf("%w: %s: %q: %v", ErrMalformed, name, k, err)
		}
		msg.Args = append(msg.Args, Arg{Name: k, Value: val})
	}
	return msg, nil
}

// ── Typed messages ────────────────────────────────────────────────────────

// Port is one device port offered by the backend.
type Port struct {
	ID         string `json:"id"`
	Compatible bool   `json:"compatible"`
}

// Announcement is the backend's periodic self-description.
type Announcement struct {
	ProtocolVersion int    `json:"protocol_version"`
	FTPPort         int    `json:"ftp_port"`
	Ports           []Port `json:"ports"`
}

// DecodeAnnouncement extracts an Announcement from a recv_backend message.
func DecodeAnnouncement(m Message) (Announcement, error) {
	if m.Name != EvtBackend {
		return Announcement{}, fmt.Errorf("%w: want %s, got %s", ErrMalformed, EvtBackend, m.Name)
	}
	version, err := m.Int("protocolVersion")
	if err != nil {
		return Announcement{}, err
	}
	ftpPort, err := m.Int("ftpPort")
	if err != nil {
		return Announcement{}, err
	}
	a := Announcement{ProtocolVersion: version, FTPPort: ftpPort}
	for _, raw := range m.GetAll("port") {
		flag, id, ok := strings.Cut(raw, ",")
		if !ok || (flag != "0" && flag != "1") {
			return Announcement{}, fmt.Errorf("%w: %s: bad port %q", ErrMalformed, m.Name, raw)
		}
		a.Ports = append(a.Ports, Port{ID: id, Compatible: flag == "1"})
	}
	return a, nil
}

// AnnouncementArgs renders a as recv_backend arguments.
func AnnouncementArgs(a Announcement) []Arg {
	args := []Arg{
		{Name: "protocolVersion", Value: strconv.Itoa(a.ProtocolVersion)},
		{Name: "ftpPort", Value: strconv.Itoa(a.FTPPort)},
	}
	for _, p := range a.Ports {
		flag := "0"
		if p.Compatible {
			flag = "1"
		}
		args = append(args, Arg{Name: "port", Value: flag + "," + p.ID})
	}
	return args
}

// DecodeConnectionEstablished returns the device port id acknowledged by the backend.
func DecodeConnectionEstablished(m Message) (string, error) {
	if m.Name != EvtConnEstablished {
		return "", fmt.Errorf("%w: want %s, got %s", ErrMalformed, EvtConnEstablished, m.Name)
	}
	port, ok := m.Get("port")
	if !ok {
		return "", fmt.Errorf("%w: %s: missing port", ErrMalformed, m.Name)
	}
	return port, nil
}
