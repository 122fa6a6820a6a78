package rtmp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrChunkStream = errors.New("invalid chunk stream")

// Message is one reassembled RTMP message.
type Message struct {
	ChunkStream uint32
	Type        uint8
	StreamID    uint32
	Timestamp   uint32
	Payload     []byte
}

type writerState struct {
	timestamp uint32
	streamID  uint32
	started   bool
}

// ChunkWriter splits messages into chunks. Each chunk stream tracks the
// previous timestamp: the first message uses a type 0 header, later ones a
// type 1 header carrying the delta, continuation chunks type 3.
type ChunkWriter struct {
	w         io.Writer
	chunkSize int
	streams   map[uint32]*writerState
	buf       []byte
}

func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{
		w:         w,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*writerState),
	}
}

func (cw *ChunkWriter) ChunkSize() int {
	return cw.chunkSize
}

// SetChunkSize changes the size used for subsequent messages. Announce it
// to the peer first with WriteSetChunkSize.
func (cw *ChunkWriter) SetChunkSize(n int) {
	cw.chunkSize = n
}

// WriteSetChunkSize sends Set Chunk Size and switches to n.
func (cw *ChunkWriter) WriteSetChunkSize(n int) error {
	if n < 1 || n > MaxChunkSize {
		return fmt.Errorf("chunk size %d out of range", n)
	}
	payload := binary.BigEndian.AppendUint32(nil, uint32(n))
	if err := cw.WriteMessage(ChunkStreamProtocol, MsgSetChunkSize, 0, 0, payload); err != nil {
		return err
	}
	cw.chunkSize = n
	return nil
}

func (cw *ChunkWriter) WriteMessage(csid uint32, typeID uint8, streamID uint32, timestamp uint32, payload []byte) error {
	if csid < 2 || csid > 65599 {
		return fmt.Errorf("chunk stream %d: %w", csid, ErrChunkStream)
	}
	if len(payload) > 0xFFFFFF {
		return fmt.Errorf("message of %d bytes exceeds 24-bit length", len(payload))
	}

	st := cw.streams[csid]
	if st == nil {
		st = &writerState{}
		cw.streams[csid] = st
	}

	format := byte(fmtType1)
	field := timestamp - st.timestamp
	if !st.started || st.streamID != streamID || timestamp < st.timestamp {
		format = fmtType0
		field = timestamp
	}
	extended := field >= ExtendedTimestamp

	b := cw.buf[:0]
	b = appendBasicHeader(b, format, csid)
	hdrField := field
	if extended {
		hdrField = ExtendedTimestamp
	}
	b = appendUint24(b, hdrField)
	b = appendUint24(b, uint32(len(payload)))
	b = append(b, typeID)
	if format == fmtType0 {
		b = binary.LittleEndian.AppendUint32(b, streamID)
	}
	if extended {
		b = binary.BigEndian.AppendUint32(b, field)
	}

	for off := 0; ; {
		n := min(cw.chunkSize, len(payload)-off)
		b = append(b, payload[off:off+n]...)
		off += n
		if off >= len(payload) {
			break
		}
		b = appendBasicHeader(b, fmtType3, csid)
		if extended {
			b = binary.BigEndian.AppendUint32(b, field)
		}
	}
	cw.buf = b

	if _, err := cw.w.Write(b); err != nil {
		return err
	}
	st.started = true
	st.timestamp = timestamp
	st.streamID = streamID
	return nil
}

func appendBasicHeader(b []byte, format byte, csid uint32) []byte {
	switch {
	case csid < 64:
		return append(b, format<<6|byte(csid))
	case csid < 320:
		return append(b, format<<6, byte(csid-64))
	default:
		v := csid - 64
		return append(b, format<<6|1, byte(v), byte(v>>8))
	}
}

func appendUint24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}

func uint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

type readerState struct {
	timestamp uint32
	delta     uint32
	length    uint32
	typeID    uint8
	streamID  uint32
	extended  bool
	seen      bool

	payload []byte
}

// ChunkReader reassembles messages from chunks. Set Chunk Size messages
// are applied as they are read.
type ChunkReader struct {
	r         io.Reader
	chunkSize uint32
	streams   map[uint32]*readerState
	hdr       [11]byte
}

func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{
		r:         r,
		chunkSize: DefaultChunkSize,
		streams:   make(map[uint32]*readerState),
	}
}

func (cr *ChunkReader) ChunkSize() int {
	return int(cr.chunkSize)
}

func (cr *ChunkReader) ReadMessage() (*Message, error) {
	for {
		msg, err := cr.readChunk()
		if err != nil {
			return nil, err
		}
		if msg == nil {
			continue
		}
		if msg.Type == MsgSetChunkSize && len(msg.Payload) >= 4 {
			size := binary.BigEndian.Uint32(msg.Payload) & 0x7FFFFFFF
			if size == 0 || size > MaxChunkSize {
				return nil, fmt.Errorf("peer chunk size %d out of range", size)
			}
			cr.chunkSize = size
		}
		return msg, nil
	}
}

func (cr *ChunkReader) readChunk() (*Message, error) {
	if _, err := io.ReadFull(cr.r, cr.hdr[:1]); err != nil {
		return nil, err
	}
	format := cr.hdr[0] >> 6
	csid := uint32(cr.hdr[0] & 0x3F)
	switch csid {
	case 0:
		if _, err := io.ReadFull(cr.r, cr.hdr[:1]); err != nil {
			return nil, err
		}
		csid = 64 + uint32(cr.hdr[0])
	case 1:
		if _, err := io.ReadFull(cr.r, cr.hdr[:2]); err != nil {
			return nil, err
		}
		csid = 64 + uint32(binary.LittleEndian.Uint16(cr.hdr[:2]))
	}

	st := cr.streams[csid]
	if st == nil {
		if format != fmtType0 {
			return nil, fmt.Errorf("chunk stream %d starts with type %d header: %w", csid, format, ErrChunkStream)
		}
		st = &readerState{}
		cr.streams[csid] = st
	}

	newMessage := len(st.payload) == 0
	var field uint32
	switch format {
	case fmtType0:
		if _, err := io.ReadFull(cr.r, cr.hdr[:11]); err != nil {
			return nil, err
		}
		field = uint24(cr.hdr[0:])
		st.length = uint24(cr.hdr[3:])
		st.typeID = cr.hdr[6]
		st.streamID = binary.LittleEndian.Uint32(cr.hdr[7:])
	case fmtType1:
		if _, err := io.ReadFull(cr.r, cr.hdr[:7]); err != nil {
			return nil, err
		}
		field = uint24(cr.hdr[0:])
		st.length = uint24(cr.hdr[3:])
		st.typeID = cr.hdr[6]
	case fmtType2:
		if _, err := io.ReadFull(cr.r, cr.hdr[:3]); err != nil {
			return nil, err
		}
		field = uint24(cr.hdr[0:])
	case fmtType3:
		if !st.seen {
			return nil, fmt.Errorf("chunk stream %d continues without header: %w", csid, ErrChunkStream)
		}
	}

	if format != fmtType3 {
		st.extended = field == ExtendedTimestamp
	}
	if st.extended {
		if _, err := io.ReadFull(cr.r, cr.hdr[:4]); err != nil {
			return nil, err
		}
		if format != fmtType3 {
			field = binary.BigEndian.Uint32(cr.hdr[:4])
		}
	}

	if newMessage {
		switch format {
		case fmtType0:
			st.timestamp = field
			st.delta = 0
		case fmtType1, fmtType2:
			st.delta = field
			st.timestamp += field
		case fmtType3:
			st.timestamp += st.delta
		}
		st.payload = make([]byte, 0, st.length)
	}
	st.seen = true

	n := min(cr.chunkSize, st.length-uint32(len(st.payload)))
	start := len(st.payload)
	st.payload = st.payload[:start+int(n)]
	if _, err := io.ReadFull(cr.r, st.payload[start:]); err != nil {
		return nil, err
	}
	if uint32(len(st.payload)) < st.length {
		return nil, nil
	}

	msg := &Message{
		ChunkStream: csid,
		Type:        st.typeID,
		StreamID:    st.streamID,
		Timestamp:   st.timestamp,
		Payload:     st.payload,
	}
	st.payload = nil
	return msg, nil
}
