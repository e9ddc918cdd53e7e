package comlink

// transport is the internal seam between a session and the socket that
// carries its bytes. Keeping it narrow lets tests and alternative channel
// primitives stand in for the WebSocket implementation.
type transport interface {
	// Send queues data for the client. Must be safe for concurrent use.
	Send(data []byte) error
	// Close closes the transport.
	Close() error
	// CloseGracefully notifies the peer (if supported) before closing.
	CloseGracefully() error
}
