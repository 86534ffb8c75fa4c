package link

import (
	"errors"
	"fmt"
)

// ReasonKind classifies why a session went back to StateUnconnected.
type ReasonKind int

const (
	ReasonUserDisconnected ReasonKind = iota + 1
	ReasonAlreadyConnected
	ReasonSocketError
	ReasonPortlistTimeout
	ReasonDeviceConnectingTimeout
	ReasonWrongBackendRelease
	ReasonHeartbeatTimeout
	ReasonTCPConnectionLost
	ReasonReadTimeout
)

func (k ReasonKind) String() string {
	switch k {
	case ReasonUserDisconnected:
		return "user_disconnected"
	case ReasonAlreadyConnected:
		return "already_connected"
	case ReasonSocketError:
		return "socket_error"
	case ReasonPortlistTimeout:
		return "portlist_timeout"
	case ReasonDeviceConnectingTimeout:
		return "device_connecting_timeout"
	case ReasonWrongBackendRelease:
		return "wrong_backend_release"
	case ReasonHeartbeatTimeout:
		return "heartbeat_timeout"
	case ReasonTCPConnectionLost:
		return "tcp_connection_lost"
	case ReasonReadTimeout:
		return "read_timeout"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// DetailReplaced marks the ReasonAlreadyConnected loss of a connected but not
// yet writeable session that a new Connect tore down.
const DetailReplaced = "replaced"

// LostReason accompanies every transition back to StateUnconnected.
// Detail is set for ReasonSocketError and for DetailReplaced.
type LostReason struct {
	Kind   ReasonKind
	Detail string
}

// Reason returns a LostReason without detail.
func Reason(k ReasonKind) LostReason { return LostReason{Kind: k} }

// SocketError wraps an unclassified socket failure.
func SocketError(detail string) LostReason {
	return LostReason{Kind: ReasonSocketError, Detail: detail}
}

func (r LostReason) String() string {
	if r.Detail != "" {
		return r.Kind.String() + ": " + r.Detail
	}
	return r.Kind.String()
}

// EndsSession reports whether the session went back to StateUnconnected.
// Only a rejected Connect leaves the running session alone.
func (r LostReason) EndsSession() bool {
	return r.Kind != ReasonAlreadyConnected || r.Detail == DetailReplaced
}

// Voluntary reports whether the user asked for the disconnect.
func (r LostReason) Voluntary() bool { return r.Kind == ReasonUserDisconnected }

var (
	ErrAlreadyConnected = errors.New("link: already connected")
	ErrNotConnected     = errors.New("link: not connected")
)

// LostError is returned by Connect when the attempt fails synchronously.
// The same reason is also delivered to Handler.ConnectionLost.
type LostError struct {
	Reason LostReason
	Err    error
}

func (e *LostError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("link: %s: %v", e.Reason.Kind, e.Err)
	}
	return "link: " + e.Reason.String()
}

func (e *LostError) Unwrap() error { return e.Err }
