package rtmp

// Message type ids.
const (
	MsgSetChunkSize  = 1
	MsgAbort         = 2
	MsgAck           = 3
	MsgUserControl   = 4
	MsgWindowAckSize = 5
	MsgSetPeerBW     = 6
	MsgAudio         = 8
	MsgVideo         = 9
	MsgAMF0Data      = 18
	MsgAMF0Command   = 20
)

// Chunk stream ids used by the publisher.
const (
	ChunkStreamProtocol = 2
	ChunkStreamCommand  = 3
	ChunkStreamVideo    = 4
	ChunkStreamMetadata = 5
	ChunkStreamAudio    = 6
)

// User control events.
const (
	eventPingRequest  = 6
	eventPingResponse = 7
)

const (
	Version          = 0x03
	HandshakeSize    = 1536
	DefaultChunkSize = 128
	// PublishChunkSize is announced with Set Chunk Size after connect.
	PublishChunkSize = 4096
	MaxChunkSize     = 0xFFFFFF

	ExtendedTimestamp = 0xFFFFFF

	DefaultPort = "1935"
)

const (
	fmtType0 = 0
	fmtType1 = 1
	fmtType2 = 2
	fmtType3 = 3
)
