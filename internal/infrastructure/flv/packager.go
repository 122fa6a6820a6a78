package flv

import (
	"bytes"
	"fmt"

	"rillmix/internal/core/domain"
)

// FLV tag types, also the RTMP message type ids that carry them.
const (
	TagAudio  = 8
	TagVideo  = 9
	TagScript = 18
)

// Tag is one FLV tag body with its timestamp in milliseconds.
type Tag struct {
	Type      uint8
	Timestamp uint32
	Data      []byte
}

// Meta describes the published stream for onMetaData.
type Meta struct {
	Width        int
	Height       int
	FrameRate    float64
	VideoBitrate int
	AudioBitrate int
	SampleRate   int
	Channels     int
}

// MetadataBody encodes onMetaData. RTMP publishers wrap it in
// @setDataFrame, FLV files do not.
func MetadataBody(m Meta, setDataFrame bool) ([]byte, error) {
	props := ECMAArray{
		{Key: "width", Value: m.Width},
		{Key: "height", Value: m.Height},
		{Key: "framerate", Value: m.FrameRate},
		{Key: "videocodecid", Value: CodecIDAVC},
		{Key: "videodatarate", Value: m.VideoBitrate},
		{Key: "audiocodecid", Value: 10},
		{Key: "audiodatarate", Value: m.AudioBitrate},
		{Key: "audiosamplerate", Value: m.SampleRate},
		{Key: "audiosamplesize", Value: 16},
		{Key: "stereo", Value: m.Channels > 1},
		{Key: "encoder", Value: "rillmix"},
	}
	if setDataFrame {
		return EncodeAMF0("@setDataFrame", "onMetaData", props)
	}
	return EncodeAMF0("onMetaData", props)
}

// Packager turns encoded packets into FLV tags. It emits metadata once
// before any media and a codec configuration record before the first
// payload of each kind, repeated when the configuration changes.
type Packager struct {
	meta         Meta
	setDataFrame bool

	metaSent  bool
	avcConfig []byte
	aacConfig []byte
}

func NewPackager(meta Meta, setDataFrame bool) *Packager {
	return &Packager{meta: meta, setDataFrame: setDataFrame}
}

// Package converts pkt. Codecs other than H264 and AAC fail with
// domain.ErrUnsupportedCodec; a packet that cannot be packaged yet (no
// parameter sets seen) yields no tags and no error. State only advances
// when Package succeeds, so a rejected packet leaves the next one to
// carry the metadata and sequence headers.
func (p *Packager) Package(pkt *domain.Packet) ([]Tag, error) {
	switch pkt.Codec {
	case domain.CodecH264, domain.CodecAAC:
	default:
		return nil, fmt.Errorf("flv cannot carry %s: %w", pkt.Codec, domain.ErrUnsupportedCodec)
	}

	ts := uint32(pkt.DTS)
	if pkt.DTS == 0 && pkt.PTS != 0 {
		ts = uint32(pkt.PTS)
	}

	var tags []Tag
	if !p.metaSent {
		body, err := MetadataBody(p.meta, p.setDataFrame)
		if err != nil {
			return nil, err
		}
		tags = append(tags, Tag{Type: TagScript, Timestamp: 0, Data: body})
	}

	var media []Tag
	var err error
	if pkt.Codec == domain.CodecH264 {
		media, err = p.packageVideo(pkt, ts)
	} else {
		media, err = p.packageAudio(pkt, ts)
	}
	if err != nil {
		return nil, err
	}
	p.metaSent = true
	if len(media) == 0 {
		return tags, nil
	}
	return append(tags, media...), nil
}

func (p *Packager) packageVideo(pkt *domain.Packet, ts uint32) ([]Tag, error) {
	au, err := ParseAccessUnit(pkt.Data)
	if err != nil {
		return nil, err
	}

	var tags []Tag
	config := p.avcConfig
	if au.SPS != nil && au.PPS != nil {
		record, err := AVCDecoderConfigurationRecord(au.SPS, au.PPS)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(record, config) {
			config = record
			tags = append(tags, Tag{
				Type:      TagVideo,
				Timestamp: ts,
				Data:      VideoTagBody(FrameTypeKey, AVCPacketSequenceHeader, 0, record),
			})
		}
	}
	if config == nil || len(au.NALUs) == 0 {
		p.avcConfig = config
		return tags, nil
	}

	payload, err := MarshalAVCC(au.NALUs)
	if err != nil {
		return nil, err
	}
	p.avcConfig = config
	frameType := byte(FrameTypeInter)
	if au.KeyFrame || pkt.KeyFrame {
		frameType = FrameTypeKey
	}
	cts := int32(0)
	if pkt.DTS != 0 && pkt.PTS > pkt.DTS {
		cts = int32(pkt.PTS - pkt.DTS)
	}
	return append(tags, Tag{
		Type:      TagVideo,
		Timestamp: ts,
		Data:      VideoTagBody(frameType, AVCPacketNALU, cts, payload),
	}), nil
}

func (p *Packager) packageAudio(pkt *domain.Packet, ts uint32) ([]Tag, error) {
	frames := [][]byte{pkt.Data}
	conf := AACConfig(pkt.SampleRate, pkt.Channels)
	if IsADTS(pkt.Data) {
		var err error
		if frames, conf, err = SplitADTS(pkt.Data); err != nil {
			return nil, err
		}
	} else if pkt.SampleRate <= 0 || pkt.Channels <= 0 {
		return nil, fmt.Errorf("raw aac without layout: %w", domain.ErrInvalidFrame)
	}

	asc, err := conf.Marshal()
	if err != nil {
		return nil, fmt.Errorf("audio specific config: %w", err)
	}

	var tags []Tag
	if !bytes.Equal(asc, p.aacConfig) {
		p.aacConfig = asc
		tags = append(tags, Tag{
			Type:      TagAudio,
			Timestamp: ts,
			Data:      AudioTagBody(AACPacketSequenceHeader, asc),
		})
	}
	for _, f := range frames {
		tags = append(tags, Tag{Type: TagAudio, Timestamp: ts, Data: AudioTagBody(AACPacketRaw, f)})
	}
	return tags, nil
}

// Reset forgets what was sent, e.g. after a reconnect.
func (p *Packager) Reset() {
	p.metaSent = false
	p.avcConfig = nil
	p.aacConfig = nil
}
