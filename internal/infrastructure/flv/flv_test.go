package flv

import (
	"bytes"
	"context"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"rillmix/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var (
	testSPS = []byte{0x67, 0x42, 0xC0, 0x1F, 0xDA, 0x01}
	testPPS = []byte{0x68, 0xCE, 0x3C, 0x80}
	testIDR = []byte{0x65, 0x88, 0x84, 0x00}
	testP   = []byte{0x41, 0x9A, 0x02}
)

func annexB(nalus ...[]byte) []byte {
	var b []byte
	for _, n := range nalus {
		b = append(b, 0, 0, 0, 1)
		b = append(b, n...)
	}
	return b
}

// adtsFrame builds an AAC-LC 44.1 kHz stereo ADTS frame around payload.
func adtsFrame(payload []byte) []byte {
	l := 7 + len(payload)
	hdr := []byte{
		0xFF, 0xF1,
		0x50,
		0x80 | byte(l>>11&0x03),
		byte(l >> 3),
		byte(l&0x07)<<5 | 0x1F,
		0xFC,
	}
	return append(hdr, payload...)
}

func TestEncodeAMF0(t *testing.T) {
	b, err := EncodeAMF0("connect", 1, nil, Object{{Key: "app", Value: "live"}}, true)
	require.NoError(t, err)

	expected := []byte{0x02, 0x00, 0x07}
	expected = append(expected, "connect"...)
	expected = append(expected, 0x00, 0x3F, 0xF0, 0, 0, 0, 0, 0, 0)
	expected = append(expected, 0x05)
	expected = append(expected, 0x03, 0x00, 0x03, 'a', 'p', 'p', 0x02, 0x00, 0x04, 'l', 'i', 'v', 'e', 0x00, 0x00, 0x09)
	expected = append(expected, 0x01, 0x01)
	assert.Equal(t, expected, b)

	_, err = EncodeAMF0(struct{}{})
	assert.Error(t, err)
}

func TestDecodeAMF0(t *testing.T) {
	b, err := EncodeAMF0("_result", 4.0, nil, 1.0,
		ECMAArray{{Key: "level", Value: "status"}},
		map[string]interface{}{"b": false, "a": 2},
		[]interface{}{"x", 3})
	require.NoError(t, err)

	values, err := DecodeAMF0(b)
	require.NoError(t, err)
	require.Len(t, values, 7)
	assert.Equal(t, "_result", values[0])
	assert.Equal(t, 4.0, values[1])
	assert.Nil(t, values[2])
	assert.Equal(t, 1.0, values[3])
	assert.Equal(t, ECMAArray{{Key: "level", Value: "status"}}, values[4])

	obj, ok := values[5].(Object)
	require.True(t, ok)
	assert.Equal(t, "a", obj[0].Key, "map keys are sorted")
	v, ok := obj.Get("b")
	assert.True(t, ok)
	assert.Equal(t, false, v)
	assert.Equal(t, []interface{}{"x", 3.0}, values[6])

	_, err = DecodeAMF0([]byte{0x00, 0x01})
	assert.ErrorIs(t, err, ErrAMFMalformed)
	_, err = DecodeAMF0([]byte{0x7F})
	assert.ErrorIs(t, err, ErrAMFMalformed)
}

func TestParseAccessUnit(t *testing.T) {
	au, err := ParseAccessUnit(annexB([]byte{0x09, 0xF0}, testSPS, testPPS, testIDR))
	require.NoError(t, err)
	assert.Equal(t, testSPS, au.SPS)
	assert.Equal(t, testPPS, au.PPS)
	assert.True(t, au.KeyFrame)
	assert.Equal(t, [][]byte{testIDR}, au.NALUs)

	avcc, err := MarshalAVCC([][]byte{testP})
	require.NoError(t, err)
	au, err = ParseAccessUnit(avcc)
	require.NoError(t, err)
	assert.False(t, au.KeyFrame)
	assert.Equal(t, [][]byte{testP}, au.NALUs)
}

func TestAVCDecoderConfigurationRecord(t *testing.T) {
	record, err := AVCDecoderConfigurationRecord(testSPS, testPPS)
	require.NoError(t, err)

	expected := []byte{0x01, 0x42, 0xC0, 0x1F, 0xFF, 0xE1, 0x00, byte(len(testSPS))}
	expected = append(expected, testSPS...)
	expected = append(expected, 0x01, 0x00, byte(len(testPPS)))
	expected = append(expected, testPPS...)
	assert.Equal(t, expected, record)

	_, err = AVCDecoderConfigurationRecord(nil, testPPS)
	assert.ErrorIs(t, err, ErrNoParameterSets)
}

func TestParseADTS(t *testing.T) {
	frame := adtsFrame([]byte{1, 2, 3, 4})
	h, err := ParseADTS(frame)
	require.NoError(t, err)
	assert.True(t, h.ProtectionAbsent)
	assert.Equal(t, 1, h.Profile)
	assert.Equal(t, 44100, h.SampleRate())
	assert.Equal(t, 2, h.ChannelConfig)
	assert.Equal(t, 11, h.FrameLength)
	assert.Equal(t, 7, h.HeaderLength)

	asc, err := h.Config().Marshal()
	require.NoError(t, err)
	assert.Equal(t, []byte{0x12, 0x10}, asc)

	frames, _, err := SplitADTS(append(frame, adtsFrame([]byte{9})...))
	require.NoError(t, err)
	assert.Equal(t, [][]byte{{1, 2, 3, 4}, {9}}, frames)

	_, err = ParseADTS([]byte{0x12, 0x10, 0, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrNotADTS)
	_, err = ParseADTS(frame[:9])
	assert.ErrorIs(t, err, ErrNotADTS, "frame length beyond buffer")
}

func TestPackager_Video(t *testing.T) {
	p := NewPackager(Meta{Width: 1280, Height: 720, FrameRate: 25, SampleRate: 44100, Channels: 2}, true)

	_, err := p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecRawVideo})
	assert.ErrorIs(t, err, domain.ErrUnsupportedCodec)

	// Inter frame before any parameter set: only metadata goes out.
	tags, err := p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, PTS: 0, Data: annexB(testP)})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, uint8(TagScript), tags[0].Type)
	meta, err := DecodeAMF0(tags[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "@setDataFrame", meta[0])
	assert.Equal(t, "onMetaData", meta[1])

	tags, err = p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, PTS: 40, Data: annexB(testSPS, testPPS, testIDR)})
	require.NoError(t, err)
	require.Len(t, tags, 2)
	assert.Equal(t, []byte{0x17, 0x00, 0, 0, 0}, tags[0].Data[:5])
	assert.Equal(t, []byte{0x17, 0x01, 0, 0, 0, 0, 0, 0, byte(len(testIDR))}, tags[1].Data[:9])
	assert.Equal(t, uint32(40), tags[1].Timestamp)

	// Same parameter sets are not repeated.
	tags, err = p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, PTS: 80, Data: annexB(testSPS, testPPS, testP)})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, byte(0x27), tags[0].Data[0])

	p.Reset()
	tags, err = p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, PTS: 120, Data: annexB(testSPS, testPPS, testIDR)})
	require.NoError(t, err)
	assert.Len(t, tags, 3, "metadata and sequence header are resent after reset")
}

func TestPackager_Audio(t *testing.T) {
	p := NewPackager(Meta{SampleRate: 44100, Channels: 2}, false)

	tags, err := p.Package(&domain.Packet{Kind: domain.KindAudio, Codec: domain.CodecAAC, PTS: 23, Data: adtsFrame([]byte{7, 7})})
	require.NoError(t, err)
	require.Len(t, tags, 3)
	meta, err := DecodeAMF0(tags[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "onMetaData", meta[0])
	assert.Equal(t, []byte{0xAF, 0x00, 0x12, 0x10}, tags[1].Data)
	assert.Equal(t, []byte{0xAF, 0x01, 7, 7}, tags[2].Data)
	assert.Equal(t, uint32(23), tags[2].Timestamp)

	// Raw AAC with a matching layout reuses the config.
	tags, err = p.Package(&domain.Packet{Kind: domain.KindAudio, Codec: domain.CodecAAC, PTS: 46, Data: []byte{5}, SampleRate: 44100, Channels: 2})
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, []byte{0xAF, 0x01, 5}, tags[0].Data)

	_, err = p.Package(&domain.Packet{Kind: domain.KindAudio, Codec: domain.CodecAAC, Data: []byte{5}})
	assert.ErrorIs(t, err, domain.ErrInvalidFrame)
}

func TestPackager_RejectedFirstPacketKeepsHeaders(t *testing.T) {
	p := NewPackager(Meta{Width: 640, Height: 360, FrameRate: 25, SampleRate: 44100, Channels: 2}, true)

	_, err := p.Package(&domain.Packet{Kind: domain.KindAudio, Codec: domain.CodecAAC, Data: []byte{5}})
	require.ErrorIs(t, err, domain.ErrInvalidFrame)
	_, err = p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, Data: []byte{0, 0, 0, 9, 0x41}})
	require.Error(t, err)

	tags, err := p.Package(&domain.Packet{Kind: domain.KindVideo, Codec: domain.CodecH264, PTS: 40, Data: annexB(testSPS, testPPS, testIDR)})
	require.NoError(t, err)
	require.Len(t, tags, 3)
	assert.Equal(t, uint8(TagScript), tags[0].Type)
	assert.Equal(t, []byte{0x17, 0x00}, tags[1].Data[:2])
	assert.Equal(t, []byte{0x17, 0x01}, tags[2].Data[:2])
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	require.NoError(t, w.WriteTag(Tag{Type: TagVideo, Timestamp: 0x01020304, Data: []byte{0xAA, 0xBB, 0xCC}}))

	expected := []byte{'F', 'L', 'V', 1, 0x05, 0, 0, 0, 9, 0, 0, 0, 0}
	expected = append(expected, 9, 0, 0, 3, 0x02, 0x03, 0x04, 0x01, 0, 0, 0, 0xAA, 0xBB, 0xCC, 0, 0, 0, 14)
	assert.Equal(t, expected, buf.Bytes())
	assert.Equal(t, int64(len(expected)), w.Written())
}

func TestFileSender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rec", "out.flv")
	s, err := NewFileSender("file://"+path, Meta{Width: 64, Height: 48, SampleRate: 44100, Channels: 2}, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	assert.Equal(t, domain.StateStreaming, s.State())

	require.NoError(t, s.Send(context.Background(), &domain.Packet{Kind: domain.KindAudio, Codec: domain.CodecAAC, Data: adtsFrame([]byte{1})}))
	assert.ErrorIs(t, s.Send(context.Background(), &domain.Packet{Codec: domain.CodecPCMS16}), domain.ErrUnsupportedCodec)
	require.NoError(t, s.Close())
	assert.ErrorIs(t, s.Close(), domain.ErrClosed)
	assert.Equal(t, domain.StateClosed, s.State())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(data, []byte{'F', 'L', 'V', 1, 0x05}))
	assert.Equal(t, s.BytesWritten(), int64(len(data)))

	// First tag after the header is onMetaData; its previous-tag-size
	// trailer matches its length.
	tag := data[13:]
	assert.Equal(t, byte(TagScript), tag[0])
	size := int(tag[1])<<16 | int(tag[2])<<8 | int(tag[3])
	assert.Equal(t, uint32(11+size), binary.BigEndian.Uint32(tag[11+size:]))

	_, err = NewFileSender("rtmp://host/app/key", Meta{}, zaptest.NewLogger(t).Sugar())
	assert.ErrorIs(t, err, domain.ErrUnsupportedScheme)
}
