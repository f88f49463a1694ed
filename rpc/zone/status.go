package zone

import "fmt"

// Status is a transport's connection state. Transitions are monotone:
// CONNECTING -> CONNECTED -> DISCONNECTING -> DISCONNECTED. Any attempted
// downgrade is a programming error (§4.4.3).
type Status int

const (
	StatusConnecting Status = iota
	StatusConnected
	StatusDisconnecting
	StatusDisconnected
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusDisconnecting:
		return "DISCONNECTING"
	case StatusDisconnected:
		return "DISCONNECTED"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}
