package control

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// DefaultMaxMessageSize bounds one inbound frame.
const DefaultMaxMessageSize = 4 << 20

var (
	// ErrMalformedMessage marks a frame that was read whole but could not
	// be parsed; the stream stays usable.
	ErrMalformedMessage = errors.New("malformed control message")
	ErrMessageTooLarge  = errors.New("control message too large")
)

// MsgPump reads and writes control frames: a 4-byte big-endian length
// followed by "<type>=<json>".
type MsgPump struct {
	r       *bufio.Reader
	maxSize uint32

	wmu sync.Mutex
	w   io.Writer
}

func NewMsgPump(r io.Reader, w io.Writer) *MsgPump {
	return &MsgPump{
		r:       bufio.NewReader(r),
		w:       w,
		maxSize: DefaultMaxMessageSize,
	}
}

// ReadMessage blocks until a whole frame is read. io.EOF is returned
// unchanged when the peer closes between frames.
func (p *MsgPump) ReadMessage() (string, json.RawMessage, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(p.r, hdr[:]); err != nil {
		return "", nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > p.maxSize {
		return "", nil, fmt.Errorf("%w: %d bytes exceeds %d", ErrMessageTooLarge, size, p.maxSize)
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(p.r, data); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", nil, err
	}

	eq := bytes.IndexByte(data, '=')
	if eq <= 0 {
		return "", nil, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	body := json.RawMessage(data[eq+1:])
	if len(body) == 0 {
		body = json.RawMessage("{}")
	}
	if !json.Valid(body) {
		return string(data[:eq]), nil, fmt.Errorf("%w: invalid json body", ErrMalformedMessage)
	}
	return string(data[:eq]), body, nil
}

// WriteMessage frames v as JSON under type. Safe for concurrent use.
func (p *MsgPump) WriteMessage(typ string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}

	frame := make([]byte, 4, 4+len(typ)+1+len(body))
	binary.BigEndian.PutUint32(frame, uint32(len(typ)+1+len(body)))
	frame = append(frame, typ...)
	frame = append(frame, '=')
	frame = append(frame, body...)

	p.wmu.Lock()
	defer p.wmu.Unlock()
	_, err = p.w.Write(frame)
	return err
}
