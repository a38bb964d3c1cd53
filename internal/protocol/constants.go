package protocol

const (
	// MaxMessageBytes caps a single inbound transport message. Larger frames
	// are rejected by the websocket layer before decoding.
	MaxMessageBytes = 2 << 20

	// MinUserIDLen is the shortest userId accepted by identification.
	MinUserIDLen = 5
)
