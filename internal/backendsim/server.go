// Package backendsim is a fake backend speaking the line protocol. It answers
// the handshake with an announcement, acknowledges device selection and
// answers heartbeat polls; each reaction can be switched off to provoke the
// connector's watchdogs.
package backendsim

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/protocol"
)

// Options controls how the fake backend reacts.
type Options struct {
	Announcement protocol.Announcement

	// GreetLine is sent verbatim right after the handshake when non-empty.
	GreetLine string
	// Silent suppresses every reaction to the handshake.
	Silent bool
	// MuteConnect leaves device selection unacknowledged.
	MuteConnect bool
	// MuteHeartbeat leaves requestBackend polls unanswered.
	MuteHeartbeat bool
}

// DefaultAnnouncement is protocol 5, ftp port 9000 and one compatible
// "simulation" port.
func DefaultAnnouncement() protocol.Announcement {
	return protocol.Announcement{
		ProtocolVersion: protocol.Version,
		FTPPort:         9000,
		Ports:           []protocol.Port{{ID: "simulation", Compatible: true}},
	}
}

// Server is a running fake backend.
type Server struct {
	ln    net.Listener
	log   *zap.Logger
	codec *protocol.Codec

	mu       sync.Mutex
	opts     Options
	conns    map[net.Conn]struct{}
	received []protocol.Message
	accepted int
	notify   chan struct{}
	closed   bool

	wg sync.WaitGroup
}

// Start listens on addr ("127.0.0.1:0" picks a free port) and serves until Close.
func Start(addr string, opts Options, log *zap.Logger) (*Server, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("backendsim: listen %s: %w", addr, err)
	}
	s := &Server{
		ln:     ln,
		log:    log,
		codec:  protocol.New(),
		opts:   opts,
		conns:  make(map[net.Conn]struct{}),
		notify: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.acceptLoop()
	log.Info("backendsim: listening", zap.String("addr", ln.Addr().String()))
	return s, nil
}

// Addr is the listening address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Host is the listening host.
func (s *Server) Host() string {
	host, _, _ := net.SplitHostPort(s.Addr())
	return host
}

// Port is the listening TCP port.
func (s *Server) Port() int {
	_, port, _ := net.SplitHostPort(s.Addr())
	n, _ := strconv.Atoi(port)
	return n
}

// Update changes the reactions for subsequent messages.
func (s *Server) Update(fn func(*Options)) {
	s.mu.Lock()
	fn(&s.opts)
	s.mu.Unlock()
}

// Accepted is the number of connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// Received returns every decoded message so far, in arrival order.
func (s *Server) Received() []protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Message(nil), s.received...)
}

// Count is the number of received messages named name.
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.received {
		if m.Name == name {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n messages named name arrived or timeout passes.
func (s *Server) WaitFor(name string, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		got := 0
		for _, m := range s.received {
			if m.Name == name {
				got++
			}
		}
		ch := s.notify
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-ch:
		case <-deadline.C:
			return false
		}
	}
}

// SendRaw writes line plus the end-of-message marker to every open connection.
func (s *Server) SendRaw(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for c := range s.conns {
		_, werr := c.Write([]byte(line + protocol.EndOfMessage))
		err = multierr.Append(err, werr)
	}
	return err
}

// Send encodes a message and writes it to every open connection.
func (s *Server) Send(name string, args ...protocol.Arg) error {
	line, err := s.codec.Encode(name, args...)
	if err != nil {
		return err
	}
	return s.SendRaw(line)
}

// Announce sends the configured announcement to every open connection.
func (s *Server) Announce() error {
	s.mu.Lock()
	a := s.opts.Announcement
	s.mu.Unlock()
	return s.Send(protocol.EvtBackend, protocol.AnnouncementArgs(a)...)
}

// DropConnections closes every open connection but keeps listening.
func (s *Server) DropConnections() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	for c := range s.conns {
		err = multierr.Append(err, c.Close())
		delete(s.conns, c)
	}
	return err
}

// Close stops listening, drops every connection and waits for the handlers.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	err := s.ln.Close()
	err = multierr.Append(err, s.DropConnections())
	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				s.log.Warn("backendsim: accept", zap.Error(err))
			}
			return
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.accepted++
		s.mu.Unlock()

		s.wg.Add(1)
		go s.serve(conn)
	}
}

func (s *Server) serve(conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		_ = conn.Close()
	}()
	log := s.log.With(zap.String("peer", conn.RemoteAddr().String()))
	log.Debug("backendsim: client connected")

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 4096), 1<<20)
	for sc.Scan() {
		msg, err := s.codec.Decode(sc.Text())
		if err != nil {
			log.Debug("backendsim: undecodable line", zap.Error(err))
			continue
		}
		s.record(msg)
		if err := s.react(conn, msg); err != nil {
			log.Debug("backendsim: reply failed", zap.Error(err))
			return
		}
	}
	log.Debug("backendsim: client gone", zap.Error(sc.Err()))
}

func (s *Server) record(msg protocol.Message) {
	s.mu.Lock()
	s.received = append(s.received, msg)
	close(s.notify)
	s.notify = make(chan struct{})
	s.mu.Unlock()
}

func (s *Server) react(conn net.Conn, msg protocol.Message) error {
	s.mu.Lock()
	opts := s.opts
	opts.Announcement.Ports = append([]protocol.Port(nil), s.opts.Announcement.Ports...)
	s.mu.Unlock()

	var out []string
	switch msg.Name {
	case protocol.CmdHandshake:
		if opts.Silent {
			return nil
		}
		if opts.GreetLine != "" {
			out = append(out, opts.GreetLine)
		}
		out = append(out, s.announcement(opts.Announcement))
	case protocol.CmdConnect:
		if opts.MuteConnect {
			return nil
		}
		port, _ := msg.Get("port")
		line, err := s.codec.Encode(protocol.EvtConnEstablished, protocol.Arg{Name: "port", Value: port})
		if err != nil {
			return err
		}
		out = append(out, line)
	case protocol.CmdRequestBackend:
		if opts.MuteHeartbeat {
			return nil
		}
		out = append(out, s.announcement(opts.Announcement))
	}
	for _, line := range out {
		if _, err := conn.Write([]byte(line + protocol.EndOfMessage)); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) announcement(a protocol.Announcement) string {
	line, _ := s.codec.Encode(protocol.EvtBackend, protocol.AnnouncementArgs(a)...)
	return line
}
