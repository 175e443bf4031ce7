package modules

const (
	// MaxFileFeedChunkSize is the maximum number of content bytes a single
	// file feed request may ask for. Larger requests are rejected by peers.
	MaxFileFeedChunkSize = 51200

	// MaxPayloadSize is the maximum size of a message payload accepted by
	// the connection framework.
	MaxPayloadSize = 65535

	// CRIDSize is the fixed width of a content id on the wire.
	CRIDSize = 136
)

const (
	// MsgFileFeedRequest is the message type of a chunk request.
	MsgFileFeedRequest uint16 = 0x4036

	// MsgFileFeedResponse is the message type of a chunk response.
	MsgFileFeedResponse uint16 = 0x3938
)

const (
	// ExtendedInfoNodeBusy is attached to a response by a peer that is
	// temporarily unable to serve the chunk. Its 4 byte payload is the
	// peer's suggested backoff in milliseconds.
	ExtendedInfoNodeBusy uint8 = 1

	// ExtendedInfoNoSliceAvailable is attached to a response by a peer
	// that does not hold the requested slice. It carries no payload.
	ExtendedInfoNoSliceAvailable uint8 = 128
)
