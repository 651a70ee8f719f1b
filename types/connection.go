package types

// ConnectionState describes one connection-shaped resource. The streaming
// session and the health monitor each keep their own instance; they are
// never shared.
type ConnectionState string

const (
	ConnectionDisconnected ConnectionState = "disconnected"
	ConnectionConnecting   ConnectionState = "connecting"
	ConnectionConnected    ConnectionState = "connected"
	ConnectionError        ConnectionState = "error"
	ConnectionReconnecting ConnectionState = "reconnecting"
)
