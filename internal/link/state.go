// Package link implements the backend link connector: a TCP session to a
// flight-controller backend with handshake, device-port discovery and
// selection, heartbeat polling and watchdog supervision.
package link

// State is the connector state. States are totally ordered; a session only
// moves forward on success and drops back to StateUnconnected on teardown.
type State int

const (
	StateUnconnected State = iota
	StateConnectingTCP
	StateConnectedTCP
	StateConnectingDevice
	StatePortListReceived
	StateFullyConnected
)

func (s State) String() string {
	switch s {
	case StateConnectingTCP:
		return "connecting_tcp"
	case StateConnectedTCP:
		return "connected_tcp"
	case StateConnectingDevice:
		return "connecting_device"
	case StatePortListReceived:
		return "portlist_received"
	case StateFullyConnected:
		return "fully_connected"
	default:
		return "unconnected"
	}
}

// Before reports whether s is strictly earlier than o in the ordering.
func (s State) Before(o State) bool { return s < o }
