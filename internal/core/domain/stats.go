package domain

import "time"

type OutputState string

const (
	StateDisconnected OutputState = "disconnected"
	StateHandshaking  OutputState = "handshaking"
	StateStreaming    OutputState = "streaming"
	StateReconnecting OutputState = "reconnect-backoff"
	StateClosed       OutputState = "closed"
)

type InputStats struct {
	ID                InputID `json:"id"`
	URL               string  `json:"url,omitempty"`
	Hidden            bool    `json:"hidden"`
	Muted             bool    `json:"muted"`
	Width             int     `json:"width"`
	Height            int     `json:"height"`
	VideoQueue        int     `json:"video_queue"`
	AudioQueue        int     `json:"audio_queue"`
	VideoFrames       uint64  `json:"video_frames"`
	AudioFrames       uint64  `json:"audio_frames"`
	VideoDropped      uint64  `json:"video_dropped"`
	AudioBytesDropped uint64  `json:"audio_bytes_dropped"`
}

type OutputStats struct {
	ID          OutputID    `json:"id"`
	URL         string      `json:"url,omitempty"`
	State       OutputState `json:"state"`
	Queue       int         `json:"queue"`
	PacketsSent uint64      `json:"packets_sent"`
	BytesSent   uint64      `json:"bytes_sent"`
	Dropped     uint64      `json:"dropped"`
	Reconnects  uint64      `json:"reconnects"`
}

type MixerStats struct {
	Width               int           `json:"width"`
	Height              int           `json:"height"`
	VideoFramesComposed uint64        `json:"video_frames_composed"`
	AudioFramesMixed    uint64        `json:"audio_frames_mixed"`
	Uptime              time.Duration `json:"uptime"`
	Inputs              []InputStats  `json:"inputs"`
	Outputs             []OutputStats `json:"outputs"`
}
