package flv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

var ErrNoParameterSets = errors.New("h264 access unit without sps/pps")

// Video tag header values.
const (
	FrameTypeKey   = 1
	FrameTypeInter = 2
	CodecIDAVC     = 7

	AVCPacketSequenceHeader = 0
	AVCPacketNALU           = 1
)

// AccessUnit is an H264 access unit split for FLV packaging.
type AccessUnit struct {
	NALUs    [][]byte
	SPS      []byte
	PPS      []byte
	KeyFrame bool
}

// ParseAccessUnit accepts Annex-B or 4-byte length-prefixed data. Parameter
// sets and access unit delimiters are pulled out of NALUs.
func ParseAccessUnit(data []byte) (*AccessUnit, error) {
	var nalus [][]byte
	if bytes.HasPrefix(data, []byte{0, 0, 1}) || bytes.HasPrefix(data, []byte{0, 0, 0, 1}) {
		var annexb h264.AnnexB
		if err := annexb.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("annex-b: %w", err)
		}
		nalus = annexb
	} else {
		var avcc h264.AVCC
		if err := avcc.Unmarshal(data); err != nil {
			return nil, fmt.Errorf("avcc: %w", err)
		}
		nalus = avcc
	}

	au := &AccessUnit{}
	for _, nalu := range nalus {
		if len(nalu) == 0 {
			continue
		}
		switch h264.NALUType(nalu[0] & 0x1F) {
		case h264.NALUTypeSPS:
			au.SPS = nalu
		case h264.NALUTypePPS:
			au.PPS = nalu
		case h264.NALUTypeAccessUnitDelimiter:
		case h264.NALUTypeIDR:
			au.KeyFrame = true
			au.NALUs = append(au.NALUs, nalu)
		default:
			au.NALUs = append(au.NALUs, nalu)
		}
	}
	return au, nil
}

// AVCDecoderConfigurationRecord builds the AVC sequence header payload.
func AVCDecoderConfigurationRecord(sps, pps []byte) ([]byte, error) {
	if len(sps) < 4 || len(pps) == 0 {
		return nil, ErrNoParameterSets
	}
	b := make([]byte, 0, 11+len(sps)+len(pps))
	b = append(b,
		1,      // configurationVersion
		sps[1], // AVCProfileIndication
		sps[2], // profile_compatibility
		sps[3], // AVCLevelIndication
		0xFF,   // lengthSizeMinusOne = 3
		0xE1,   // one SPS
	)
	b = binary.BigEndian.AppendUint16(b, uint16(len(sps)))
	b = append(b, sps...)
	b = append(b, 1)
	b = binary.BigEndian.AppendUint16(b, uint16(len(pps)))
	return append(b, pps...), nil
}

// VideoTagBody prefixes payload with the AVC video tag header.
func VideoTagBody(frameType, packetType byte, cts int32, payload []byte) []byte {
	b := make([]byte, 5, 5+len(payload))
	b[0] = frameType<<4 | CodecIDAVC
	b[1] = packetType
	b[2] = byte(cts >> 16)
	b[3] = byte(cts >> 8)
	b[4] = byte(cts)
	return append(b, payload...)
}

// MarshalAVCC length-prefixes nalus.
func MarshalAVCC(nalus [][]byte) ([]byte, error) {
	return h264.AVCC(nalus).Marshal()
}
