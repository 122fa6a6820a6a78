package domain

// Per-input option keys.
const (
	OptX      = "x"
	OptY      = "y"
	OptZ      = "z"
	OptWidth  = "w"
	OptHeight = "h"
	OptHidden = "hidden"
	OptMuted  = "muted"
)

// Muxer-wide option keys.
const (
	OptBgColor   = "bgcolor"
	OptAudioOnly = "audio_only"
)

// Per-output option keys, bitrates in kbit/s.
const (
	OptVideoBitrate = "vb"
	OptAudioBitrate = "ab"
)

const (
	DefaultBgColor      = 0x333333
	DefaultVideoBitrate = 1000
	DefaultAudioBitrate = 64
)
