package comm

import "context"

// ConnectionType records which side opened a connection.
type ConnectionType int

const (
	ConnectionTypeClient ConnectionType = iota + 1
	ConnectionTypeServer
)

func (t ConnectionType) String() string {
	switch t {
	case ConnectionTypeClient:
		return "client"
	case ConnectionTypeServer:
		return "server"
	default:
		return "unknown"
	}
}

// ConnectionState is the lifecycle of a connection. It only moves forward.
type ConnectionState int32

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionConnected
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionConnected:
		return "connected"
	case ConnectionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Connection is what layers and service methods see of the link a message
// travels on.
type Connection interface {
	ID() string
	ConnectionType() ConnectionType
	State() ConnectionState
	Close(ctx context.Context) error
}

// SendContext is handed to layers on the outbound path.
type SendContext struct {
	Connection Connection
	Method     string
}

// ReceiveContext is handed to layers and service methods on the inbound path.
type ReceiveContext struct {
	Connection Connection
	Method     string
}
