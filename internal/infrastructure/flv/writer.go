package flv

import (
	"encoding/binary"
	"io"
)

const (
	flagAudio = 0x04
	flagVideo = 0x01
)

// Writer writes an FLV file: header, then tags each followed by its
// previous-tag-size field.
type Writer struct {
	w           io.Writer
	wroteHeader bool
	written     int64
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

func (fw *Writer) WriteHeader(hasVideo, hasAudio bool) error {
	var flags byte
	if hasAudio {
		flags |= flagAudio
	}
	if hasVideo {
		flags |= flagVideo
	}
	hdr := []byte{'F', 'L', 'V', 1, flags, 0, 0, 0, 9, 0, 0, 0, 0}
	n, err := fw.w.Write(hdr)
	fw.written += int64(n)
	fw.wroteHeader = err == nil
	return err
}

func (fw *Writer) WriteTag(t Tag) error {
	if !fw.wroteHeader {
		if err := fw.WriteHeader(true, true); err != nil {
			return err
		}
	}
	size := len(t.Data)
	buf := make([]byte, 11, 11+size+4)
	buf[0] = t.Type
	buf[1], buf[2], buf[3] = byte(size>>16), byte(size>>8), byte(size)
	buf[4], buf[5], buf[6] = byte(t.Timestamp>>16), byte(t.Timestamp>>8), byte(t.Timestamp)
	buf[7] = byte(t.Timestamp >> 24)
	// stream id is always 0
	buf = append(buf, t.Data...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(11+size))

	n, err := fw.w.Write(buf)
	fw.written += int64(n)
	return err
}

// Written returns the number of bytes written so far.
func (fw *Writer) Written() int64 {
	return fw.written
}
