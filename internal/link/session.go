package link

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/protocol"
)

// Session is a connection to one backend. All exported methods are safe for
// concurrent use.
//
// Every piece of mutable state below mu is only touched with mu held. Each
// connection attempt bumps gen; readers and watchdogs carry the gen they were
// started with and drop their work once it no longer matches.
type Session struct {
	cfg      Config
	log      *zap.Logger
	traffic  TrafficObserver
	codec    *protocol.Codec
	dispatch *protocol.Dispatcher
	dialer   net.Dialer
	now      func() time.Time

	notify *notifier

	mu         sync.Mutex
	gen        uint64
	attempt    uuid.UUID
	alog       *zap.Logger
	state      State
	conn       net.Conn
	host       string
	port       int
	device     string
	pending    string
	voluntary  bool
	dialCancel context.CancelFunc
	reader     *readerTask

	portList      *Watchdog
	deviceConnect *Watchdog
	heartbeat     *Watchdog

	portListSeen     bool
	lastAnnouncement time.Time
	lastRequest      time.Time
	dangling         int
	protocolVersion  int
	ftpPort          int
	ports            []protocol.Port
}

type readerTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns an unconnected Session. A nil handler is replaced by NopHandler.
func New(cfg Config, h Handler, log *zap.Logger) *Session {
	if h == nil {
		h = NopHandler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Session{
		cfg:      cfg.withDefaults(),
		log:      log,
		codec:    protocol.New(),
		dispatch: protocol.NewDispatcher(),
		notify:   newNotifier(h),
		now:      time.Now,
		alog:     log,
	}
	if t, ok := h.(TrafficObserver); ok {
		s.traffic = t
	}
	s.dispatch.Handle(protocol.EvtBackend, s.onAnnouncementLocked)
	s.dispatch.Handle(protocol.EvtConnEstablished, s.onDeviceConnectedLocked)
	return s
}

// ── Connect / Close ───────────────────────────────────────────────────────

// Connect opens the TCP link to host:port and sends the handshake. It returns
// once the handshake is written; port discovery and device selection continue
// in the background.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	return s.connect(ctx, host, port, "")
}

// ConnectDescriptor is Connect plus a deferred selection of d.DevicePort,
// replayed when the first announcement arrives.
func (s *Session) ConnectDescriptor(ctx context.Context, d Descriptor) error {
	return s.connect(ctx, d.Host, d.TCPPort, d.DevicePort)
}

func (s *Session) connect(ctx context.Context, host string, port int, device string) error {
	s.mu.Lock()
	for s.state != StateUnconnected {
		if s.state == StateConnectingTCP || s.isWriteableLocked() {
			reason := Reason(ReasonAlreadyConnected)
			s.alog.Warn("link: connect while already connected",
				zap.String("addr", net.JoinHostPort(host, strconv.Itoa(port))),
				zap.Stringer("state", s.state))
			s.notify.push(func(h Handler) { h.ConnectionLost(reason) })
			s.mu.Unlock()
			s.flush()
			return &LostError{Reason: reason, Err: ErrAlreadyConnected}
		}
		// A session that never became writeable is replaced. Its loss is
		// delivered before the new attempt starts.
		s.teardownLocked(LostReason{Kind: ReasonAlreadyConnected, Detail: DetailReplaced})
		s.mu.Unlock()
		s.flush()
		s.mu.Lock()
	}

	s.gen++
	gen := s.gen
	s.attempt = uuid.New()
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	s.alog = s.log.With(zap.String("attempt", s.attempt.String()), zap.String("addr", addr))
	s.voluntary = false
	s.host, s.port = host, port
	s.device = ""
	s.pending = device
	s.portListSeen = false
	s.lastAnnouncement = time.Time{}
	s.lastRequest = time.Time{}
	s.dangling = 0
	s.ports = nil
	s.setStateLocked(StateConnectingTCP)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	s.dialCancel = cancel
	s.mu.Unlock()

	conn, err := s.dialer.DialContext(dialCtx, "tcp", addr)
	cancel()

	s.mu.Lock()
	s.dialCancel = nil
	if gen != s.gen {
		// Close or a newer attempt won the race; it already reported.
		s.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return &LostError{Reason: Reason(ReasonUserDisconnected), Err: ErrNotConnected}
	}
	if err != nil {
		reason := SocketError(err.Error())
		s.alog.Warn("link: dial failed", zap.Error(err))
		s.teardownLocked(reason)
		s.mu.Unlock()
		s.flush()
		return &LostError{Reason: reason, Err: err}
	}
	s.conn = conn

	hello, _ := s.codec.Encode(protocol.CmdHandshake,
		protocol.Arg{Name: "version", Value: strconv.Itoa(protocol.Version)})
	if err := s.writeLocked(hello); err != nil {
		reason := SocketError(err.Error())
		s.teardownLocked(reason)
		s.mu.Unlock()
		s.flush()
		return &LostError{Reason: reason, Err: err}
	}

	s.setStateLocked(StateConnectedTCP)
	s.alog.Info("link: tcp connected")
	s.notify.push(func(h Handler) { h.OnConnectedTCP() })

	s.portList = NewWatchdog("portlist", s.cfg.PortListTimeout, func() {
		s.expire(gen, Reason(ReasonPortlistTimeout), func() bool { return !s.portListSeen })
	})
	s.portList.Start()
	s.startReaderLocked(gen)
	s.mu.Unlock()
	s.flush()
	return nil
}

// Close disconnects on the user's behalf. It reports UserDisconnected once if
// the session was connected; on an unconnected session it only releases
// leftovers. The line reader has exited when Close returns. The
// UserDisconnected notification has been delivered too, unless Close runs
// while a handler callback is in progress; it then follows that callback.
func (s *Session) Close() {
	s.mu.Lock()
	s.voluntary = true
	task := s.teardownLocked(Reason(ReasonUserDisconnected))
	s.mu.Unlock()
	if task != nil {
		<-task.done
	}
	s.flush()
}

// ── Device selection ──────────────────────────────────────────────────────

// SelectDevice asks the backend to connect devicePort. Before the port list
// has arrived the selection is deferred and replayed with the announcement.
func (s *Session) SelectDevice(devicePort string) error {
	s.mu.Lock()
	if s.state == StateUnconnected {
		s.mu.Unlock()
		return ErrNotConnected
	}
	if !s.portListSeen {
		s.pending = devicePort
		s.alog.Info("link: device selection deferred until port list", zap.String("port", devicePort))
		s.mu.Unlock()
		return nil
	}
	err := s.selectDeviceLocked(devicePort)
	s.mu.Unlock()
	s.flush()
	return err
}

func (s *Session) selectDeviceLocked(devicePort string) error {
	gen := s.gen
	s.pending = ""
	s.setStateLocked(StateConnectingDevice)
	s.alog.Info("link: connecting device", zap.String("port", devicePort))
	s.notify.push(func(h Handler) { h.OnConnectingDevice() })

	line, err := s.codec.Encode(protocol.CmdConnect, protocol.Arg{Name: "port", Value: devicePort})
	if err == nil {
		err = s.writeLocked(line)
	}
	if err != nil {
		s.teardownLocked(SocketError(err.Error()))
		return fmt.Errorf("link: select device %q: %w", devicePort, err)
	}

	if s.deviceConnect != nil {
		s.deviceConnect.Cancel()
	}
	s.deviceConnect = NewWatchdog("device_connect", s.cfg.DeviceConnectTimeout, func() {
		s.expire(gen, Reason(ReasonDeviceConnectingTimeout), func() bool {
			return s.state.Before(StateFullyConnected)
		})
	})
	s.deviceConnect.Start()
	return nil
}

// ── Inbound ───────────────────────────────────────────────────────────────

func (s *Session) startReaderLocked(gen uint64) {
	ctx, cancel := context.WithCancel(context.Background())
	task := &readerTask{cancel: cancel, done: make(chan struct{})}
	rd := &lineReader{
		conn:         s.conn,
		capacity:     s.cfg.LineBufferSize,
		readyTimeout: s.cfg.InputReadyTimeout,
		log:          s.alog,
		onLine: func(line string) {
			s.receive(gen, line)
		},
		onLost: func(reason LostReason, err error) {
			s.mu.Lock()
			if gen == s.gen && !s.voluntary {
				s.alog.Info("link: reader stopped", zap.Stringer("reason", reason), zap.Error(err))
				s.teardownLocked(reason)
			}
			s.mu.Unlock()
		},
	}
	s.reader = task
	go func() {
		defer close(task.done)
		rd.run(ctx)
	}()
}

func (s *Session) receive(gen uint64, line string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.alog.Debug("link: recv", zap.String("line", line))
	if s.traffic != nil {
		s.notify.push(func(Handler) { s.traffic.RawFromBackend(line) })
	}
	msg, err := s.codec.Decode(line)
	if err != nil {
		s.alog.Debug("link: undecodable line", zap.Error(err))
		return
	}
	if s.traffic != nil {
		s.notify.push(func(Handler) { s.traffic.Decoded(msg) })
	}
	s.dispatch.Dispatch(msg)
}

func (s *Session) onAnnouncementLocked(m protocol.Message) {
	a, err := protocol.DecodeAnnouncement(m)
	if err != nil {
		s.alog.Warn("link: bad announcement", zap.Error(err))
		return
	}
	s.lastAnnouncement = s.now()
	s.dangling = 0
	s.protocolVersion = a.ProtocolVersion
	s.ftpPort = a.FTPPort
	s.ports = append([]protocol.Port(nil), a.Ports...)
	if s.state == StateUnconnected {
		return
	}

	if !s.portListSeen && s.state.Before(StatePortListReceived) {
		s.portListSeen = true
		s.setStateLocked(StatePortListReceived)
		s.alog.Info("link: port list received", zap.Int("ports", len(a.Ports)),
			zap.Int("protocol_version", a.ProtocolVersion))
		s.notify.push(func(h Handler) { h.OnPortListReceived() })
	}
	if s.portList != nil {
		s.portList.Cancel()
		s.portList = nil
	}

	if s.pending != "" {
		pending := s.pending
		s.pending = ""
		if !s.cfg.AllowIncompatible {
			for _, p := range a.Ports {
				if !p.Compatible {
					s.alog.Warn("link: backend offers incompatible port", zap.String("port", p.ID))
					s.teardownLocked(Reason(ReasonWrongBackendRelease))
					return
				}
			}
		}
		if err := s.selectDeviceLocked(pending); err != nil {
			return
		}
	}

	if s.heartbeat == nil {
		gen := s.gen
		s.heartbeat = NewRepeatingWatchdog("heartbeat", s.cfg.HeartbeatInterval, func() bool {
			return s.poll(gen)
		})
		s.heartbeat.Start()
	}
}

func (s *Session) onDeviceConnectedLocked(m protocol.Message) {
	port, err := protocol.DecodeConnectionEstablished(m)
	if err != nil {
		s.alog.Warn("link: bad connection acknowledgement", zap.Error(err))
		return
	}
	if s.state != StateConnectingDevice {
		s.alog.Debug("link: unsolicited connection acknowledgement",
			zap.String("port", port), zap.Stringer("state", s.state))
		return
	}
	s.device = port
	s.setStateLocked(StateFullyConnected)
	if s.deviceConnect != nil {
		s.deviceConnect.Cancel()
		s.deviceConnect = nil
	}
	s.alog.Info("link: fully connected", zap.String("port", port))
	s.notify.push(func(h Handler) { h.OnFullyConnected() })
}

// ── Watchdog actions ──────────────────────────────────────────────────────

// expire tears the session down with reason if the watchdog still belongs to
// the current attempt and the awaited event is still pending.
func (s *Session) expire(gen uint64, reason LostReason, pending func() bool) {
	s.mu.Lock()
	if gen == s.gen && !s.voluntary && pending() {
		s.alog.Warn("link: watchdog expired", zap.Stringer("reason", reason))
		s.teardownLocked(reason)
	}
	s.mu.Unlock()
	s.flush()
}

// poll is one heartbeat tick. It returns false once the watchdog should stop.
func (s *Session) poll(gen uint64) bool {
	s.mu.Lock()
	if gen != s.gen || s.voluntary {
		s.mu.Unlock()
		return false
	}
	if s.state != StateFullyConnected {
		s.mu.Unlock()
		return true
	}
	now := s.now()
	if heartbeatExpired(s.cfg, s.lastAnnouncement, s.dangling, now) {
		s.alog.Warn("link: backend stopped answering",
			zap.Int("dangling", s.dangling),
			zap.Duration("since_last", now.Sub(s.lastAnnouncement)))
		s.teardownLocked(Reason(ReasonHeartbeatTimeout))
		s.mu.Unlock()
		s.flush()
		return false
	}
	s.dangling++
	s.lastRequest = now
	s.sendLocked(protocol.CmdRequestBackend)
	alive := gen == s.gen
	s.mu.Unlock()
	s.flush()
	return alive
}

// ── Outbound ──────────────────────────────────────────────────────────────

// Send encodes and writes an advisory command. Commands are dropped with a
// warning while the link is not writeable; the result reports whether the
// command went out.
func (s *Session) Send(name string, args ...protocol.Arg) bool {
	s.mu.Lock()
	ok := s.sendLocked(name, args...)
	s.mu.Unlock()
	s.flush()
	return ok
}

func (s *Session) sendLocked(name string, args ...protocol.Arg) bool {
	line, err := s.codec.Encode(name, args...)
	if err != nil {
		s.alog.Warn("link: encode command", zap.String("command", name), zap.Error(err))
		return false
	}
	if !s.isWriteableLocked() {
		s.alog.Warn("link: not writeable – dropping command", zap.String("command", name))
		return false
	}
	if err := s.writeLocked(line); err != nil {
		s.alog.Warn("link: send failed", zap.String("command", name), zap.Error(err))
		if !s.voluntary {
			s.teardownLocked(SocketError(err.Error()))
		}
		return false
	}
	return true
}

func (s *Session) writeLocked(line string) error {
	if s.conn == nil {
		return ErrNotConnected
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	if _, err := io.WriteString(s.conn, line+protocol.EndOfMessage); err != nil {
		return fmt.Errorf("link: write: %w", err)
	}
	s.alog.Debug("link: sent", zap.String("line", line))
	if s.traffic != nil {
		s.notify.push(func(Handler) { s.traffic.RawToBackend(line) })
	}
	return nil
}

// ── Teardown ──────────────────────────────────────────────────────────────

// teardownLocked is the only way back to StateUnconnected. It reports reason
// if the session was connected, then releases every resource of the current
// attempt. It returns the reader task so Close can wait for it.
func (s *Session) teardownLocked(reason LostReason) *readerTask {
	if s.state != StateUnconnected {
		s.alog.Info("link: connection lost", zap.Stringer("reason", reason), zap.Stringer("state", s.state))
		s.state = StateUnconnected
		s.notify.push(func(h Handler) { h.ConnectionLost(reason) })
	}

	s.gen++
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	for _, w := range []*Watchdog{s.portList, s.deviceConnect, s.heartbeat} {
		if w != nil {
			w.Cancel()
		}
	}
	s.portList, s.deviceConnect, s.heartbeat = nil, nil, nil

	task := s.reader
	s.reader = nil
	if task != nil {
		task.cancel()
	}
	if s.conn != nil {
		if err := shutdownConn(s.conn); err != nil {
			s.alog.Debug("link: socket shutdown", zap.Error(err))
		}
		s.conn = nil
	}
	s.device = ""
	s.pending = ""
	return task
}

// shutdownConn closes the read side, the write side and the socket. Each step
// runs even if an earlier one failed.
func shutdownConn(c net.Conn) error {
	var err error
	if hc, ok := c.(interface {
		CloseRead() error
		CloseWrite() error
	}); ok {
		err = multierr.Append(err, hc.CloseRead())
		err = multierr.Append(err, hc.CloseWrite())
	}
	if cerr := c.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
		err = multierr.Append(err, cerr)
	}
	return err
}

// ── Queries ───────────────────────────────────────────────────────────────

// State returns the current connector state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsWriteable reports whether advisory commands can be sent: the session is
// connected and a device port has been acknowledged.
func (s *Session) IsWriteable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isWriteableLocked()
}

func (s *Session) isWriteableLocked() bool {
	return s.state != StateUnconnected && s.conn != nil && s.device != ""
}

// Descriptor returns the backend address and the acknowledged device port.
func (s *Session) Descriptor() Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Descriptor{Host: s.host, TCPPort: s.port, DevicePort: s.device}
}

// BackendInfo holds what the last announcement said about the backend.
type BackendInfo struct {
	ProtocolVersion int             `json:"protocol_version"`
	FTPPort         int             `json:"ftp_port"`
	Ports           []protocol.Port `json:"ports"`
}

// BackendInfo returns the data of the last announcement.
func (s *Session) BackendInfo() BackendInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return BackendInfo{
		ProtocolVersion: s.protocolVersion,
		FTPPort:         s.ftpPort,
		Ports:           append([]protocol.Port(nil), s.ports...),
	}
}

// Snapshot is a point-in-time view of the session for status reporting.
type Snapshot struct {
	State            string            `json:"state"`
	Attempt          string            `json:"attempt,omitempty"`
	Descriptor       Descriptor        `json:"descriptor"`
	PendingDevice    string            `json:"pending_device,omitempty"`
	Writeable        bool              `json:"writeable"`
	Backend          BackendInfo       `json:"backend"`
	LastAnnouncement time.Time         `json:"last_announcement,omitempty"`
	LastRequest      time.Time         `json:"last_request,omitempty"`
	Dangling         int               `json:"dangling"`
	Watchdogs        map[string]string `json:"watchdogs"`
}

// Snapshot returns the current status.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := Snapshot{
		State:            s.state.String(),
		Descriptor:       Descriptor{Host: s.host, TCPPort: s.port, DevicePort: s.device},
		PendingDevice:    s.pending,
		Writeable:        s.isWriteableLocked(),
		LastAnnouncement: s.lastAnnouncement,
		LastRequest:      s.lastRequest,
		Dangling:         s.dangling,
		Backend: BackendInfo{
			ProtocolVersion: s.protocolVersion,
			FTPPort:         s.ftpPort,
			Ports:           append([]protocol.Port(nil), s.ports...),
		},
		Watchdogs: make(map[string]string, 3),
	}
	if s.attempt != uuid.Nil {
		snap.Attempt = s.attempt.String()
	}
	for _, w := range []*Watchdog{s.portList, s.deviceConnect, s.heartbeat} {
		if w != nil {
			snap.Watchdogs[w.Name()] = w.State().String()
		}
	}
	return snap
}

// Attempt returns the id of the current or last connection attempt.
func (s *Session) Attempt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.attempt == uuid.Nil {
		return ""
	}
	return s.attempt.String()
}

func (s *Session) setStateLocked(st State) {
	s.alog.Debug("link: state", zap.Stringer("from", s.state), zap.Stringer("to", st))
	s.state = st
}

// flush waits for the queued handler calls; see notifier.settle.
func (s *Session) flush() {
	s.notify.settle()
}
