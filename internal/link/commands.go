package link

import (
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/meshcommons/backendlink/internal/protocol"
)

// Advisory commands. Each one goes through Send, so it is dropped with a
// warning while the link is not writeable, and each reports whether it was
// written.

// FlightPhase is the ordinal of an autopilot flight phase.
type FlightPhase int

func (s *Session) SetFlightPhase(p FlightPhase) bool {
	return s.Send("setFlightPhase", protocol.Arg{Name: "p", Value: strconv.Itoa(int(p))})
}

func (s *Session) RequestConfig() bool      { return s.Send("requestConfig") }
func (s *Session) RequestPlaneInfo() bool   { return s.Send("requestPlaneInfo") }
func (s *Session) RequestFlightPhase() bool { return s.Send("requestFlightPhase") }
func (s *Session) RequestBackend() bool     { return s.Send(protocol.CmdRequestBackend) }
func (s *Session) SaveConfig() bool         { return s.Send("saveConfig") }
func (s *Session) Shutdown() bool           { return s.Send("shutdown") }

// SendDebug sends one of the debug or expert commands ("dbgRTon",
// "expertRecalibrate", ...). Other names are refused without touching the link.
func (s *Session) SendDebug(name string, args ...protocol.Arg) bool {
	if !IsDebugCommand(name) {
		s.log.Warn("link: not a debug command", zap.String("command", name))
		return false
	}
	return s.Send(name, args...)
}

// IsDebugCommand reports whether name belongs to the debug/expert family.
func IsDebugCommand(name string) bool {
	return strings.HasPrefix(name, "dbg") || strings.HasPrefix(name, "expert")
}

// ── File primitives ───────────────────────────────────────────────────────

func (s *Session) GetFile(path string) bool           { return s.sendPath("getFile", path) }
func (s *Session) SendFile(path string) bool          { return s.sendPath("sendFile", path) }
func (s *Session) DeleteFile(path string) bool        { return s.sendPath("deleteFile", path) }
func (s *Session) MakeDir(path string) bool           { return s.sendPath("makeDir", path) }
func (s *Session) RequestDirListing(path string) bool { return s.sendPath("requestDirListing", path) }
func (s *Session) CancelReceiving(path string) bool   { return s.sendPath("cancelReceiving", path) }
func (s *Session) CancelSending(path string) bool     { return s.sendPath("cancelSending", path) }

func (s *Session) sendPath(name, path string) bool {
	return s.Send(name, protocol.Arg{Name: "path", Value: path})
}
