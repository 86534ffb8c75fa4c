package backendsim

import (
	"bufio"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/meshcommons/backendlink/internal/protocol"
)

func dial(t *testing.T, s *Server) (net.Conn, *bufio.Reader) {
	t.Helper()
	conn, err := net.DialTimeout("tcp", s.Addr(), time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn, bufio.NewReader(conn)
}

func send(t *testing.T, conn net.Conn, name string, args ...protocol.Arg) {
	t.Helper()
	line, err := protocol.New().Encode(name, args...)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := conn.Write([]byte(line + protocol.EndOfMessage)); err != nil {
		t.Fatal(err)
	}
}

func readMsg(t *testing.T, conn net.Conn, r *bufio.Reader) protocol.Message {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := r.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.New().Decode(line[:len(line)-1])
	if err != nil {
		t.Fatalf("decode %q: %v", line, err)
	}
	return msg
}

func startServer(t *testing.T, opts Options) *Server {
	t.Helper()
	s, err := Start("127.0.0.1:0", opts, zaptest.NewLogger(t))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestHandshakeConnectAndHeartbeat(t *testing.T) {
	s := startServer(t, Options{Announcement: DefaultAnnouncement()})
	conn, r := dial(t, s)

	send(t, conn, protocol.CmdHandshake)
	a, err := protocol.DecodeAnnouncement(readMsg(t, conn, r))
	if err != nil {
		t.Fatal(err)
	}
	if a.ProtocolVersion != protocol.Version || len(a.Ports) != 1 || a.Ports[0].ID != "simulation" {
		t.Fatalf("announcement = %+v", a)
	}

	send(t, conn, protocol.CmdConnect, protocol.Arg{Name: "port", Value: "simulation"})
	port, err := protocol.DecodeConnectionEstablished(readMsg(t, conn, r))
	if err != nil || port != "simulation" {
		t.Fatalf("ack = %q, %v", port, err)
	}

	send(t, conn, protocol.CmdRequestBackend)
	if m := readMsg(t, conn, r); m.Name != protocol.EvtBackend {
		t.Fatalf("heartbeat answer = %s", m.Name)
	}

	if !s.WaitFor(protocol.CmdRequestBackend, 1, time.Second) {
		t.Fatal("heartbeat poll not recorded")
	}
	if s.Accepted() != 1 || s.Count(protocol.CmdHandshake) != 1 {
		t.Fatalf("accepted = %d, handshakes = %d", s.Accepted(), s.Count(protocol.CmdHandshake))
	}
}

func TestMutedReactions(t *testing.T) {
	s := startServer(t, Options{Announcement: DefaultAnnouncement(), GreetLine: "hello", MuteConnect: true})
	conn, r := dial(t, s)

	send(t, conn, protocol.CmdHandshake)
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if line, err := r.ReadString('\n'); err != nil || line != "hello\n" {
		t.Fatalf("greet line = %q, %v", line, err)
	}
	if m := readMsg(t, conn, r); m.Name != protocol.EvtBackend {
		t.Fatalf("after greet = %s", m.Name)
	}

	send(t, conn, protocol.CmdConnect, protocol.Arg{Name: "port", Value: "simulation"})
	if !s.WaitFor(protocol.CmdConnect, 1, time.Second) {
		t.Fatal("connect not recorded")
	}
	_ = conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	if line, err := r.ReadString('\n'); err == nil {
		t.Fatalf("muted connect answered with %q", line)
	}
}

func TestDropConnectionsKeepsListening(t *testing.T) {
	s := startServer(t, Options{Announcement: DefaultAnnouncement()})
	conn, r := dial(t, s)
	send(t, conn, protocol.CmdHandshake)
	readMsg(t, conn, r)

	if err := s.DropConnections(); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := r.ReadString('\n'); err == nil {
		t.Fatal("dropped connection still readable")
	}

	conn2, r2 := dial(t, s)
	send(t, conn2, protocol.CmdHandshake)
	if m := readMsg(t, conn2, r2); m.Name != protocol.EvtBackend {
		t.Fatalf("second client got %s", m.Name)
	}
	if s.Accepted() != 2 {
		t.Fatalf("accepted = %d", s.Accepted())
	}
}
