package webrtc

import (
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
)

// H264 RTP payload types (RFC 6184).
const (
	naluTypeSTAPA = 24
	naluTypeFUA   = 28
)

// isKeyframePacket reports whether an H264 RTP payload starts or carries
// an IDR slice: a single IDR NAL unit, a STAP-A aggregate containing one,
// or the first fragment of an FU-A IDR.
func isKeyframePacket(payload []byte) bool {
	if len(payload) == 0 {
		return false
	}
	switch payload[0] & 0x1F {
	case byte(h264.NALUTypeIDR):
		return true
	case naluTypeSTAPA:
		for off := 1; off+2 < len(payload); {
			size := int(payload[off])<<8 | int(payload[off+1])
			off += 2
			if size == 0 || off+size > len(payload) {
				return false
			}
			if h264.NALUType(payload[off]&0x1F) == h264.NALUTypeIDR {
				return true
			}
			off += size
		}
		return false
	case naluTypeFUA:
		return len(payload) >= 2 && payload[1]&0x80 != 0 && h264.NALUType(payload[1]&0x1F) == h264.NALUTypeIDR
	default:
		return false
	}
}

// isKeyframeSample reports whether an Annex-B access unit holds an IDR.
func isKeyframeSample(data []byte) bool {
	var au h264.AnnexB
	if err := au.Unmarshal(data); err != nil {
		return false
	}
	for _, nalu := range au {
		if len(nalu) > 0 && h264.NALUType(nalu[0]&0x1F) == h264.NALUTypeIDR {
			return true
		}
	}
	return false
}
