package ffmpeg

import (
	"errors"
	"fmt"
)

// ErrUnknownPreset is returned for a preset name outside the fixed set.
var ErrUnknownPreset = errors.New("unknown preset")

// Preset is one point on the quality/speed trade-off. Every preset produces
// H.264/AAC in fragmented MP4 with capped resolution and frame rate.
type Preset struct {
	Name        string `json:"name"`
	Description string `json:"description"`

	X264Preset  string `json:"x264Preset"`
	NVENCPreset string `json:"nvencPreset"`
	Profile     string `json:"profile"`
	Level       string `json:"level"`

	VideoBitrate string `json:"videoBitrate"`
	MaxRate      string `json:"maxRate"`
	BufSize      string `json:"bufSize"`
	AudioBitrate string `json:"audioBitrate"`

	MaxWidth  int `json:"maxWidth"`
	MaxHeight int `json:"maxHeight"`
	FrameRate int `json:"frameRate"`
	GOP       int `json:"gop"`
}

// Preset names.
const (
	PresetQuality  = "quality"
	PresetBalanced = "balanced"
	PresetSpeed    = "speed"
)

var presets = []Preset{
	{
		Name:         PresetQuality,
		Description:  "Favor picture quality; slower to start",
		X264Preset:   "fast",
		NVENCPreset:  "p5",
		Profile:      "main",
		Level:        "3.1",
		VideoBitrate: "2500k",
		MaxRate:      "3000k",
		BufSize:      "6000k",
		AudioBitrate: "128k",
		MaxWidth:     1280,
		MaxHeight:    720,
		FrameRate:    30,
		GOP:          60,
	},
	{
		Name:         PresetBalanced,
		Description:  "Balanced quality and start-up latency",
		X264Preset:   "veryfast",
		NVENCPreset:  "p4",
		Profile:      "main",
		Level:        "3.1",
		VideoBitrate: "1500k",
		MaxRate:      "2000k",
		BufSize:      "4000k",
		AudioBitrate: "96k",
		MaxWidth:     1280,
		MaxHeight:    720,
		FrameRate:    25,
		GOP:          50,
	},
	{
		Name:         PresetSpeed,
		Description:  "Fastest start; lowest bitrate and baseline profile",
		X264Preset:   "ultrafast",
		NVENCPreset:  "p1",
		Profile:      "baseline",
		Level:        "3.0",
		VideoBitrate: "1200k",
		MaxRate:      "1500k",
		BufSize:      "3000k",
		AudioBitrate: "96k",
		MaxWidth:     1280,
		MaxHeight:    720,
		FrameRate:    25,
		GOP:          30,
	},
}

// Presets returns the available presets, best quality first.
func Presets() []Preset {
	out := make([]Preset, len(presets))
	copy(out, presets)
	return out
}

// LookupPreset returns the preset with the given name.
func LookupPreset(name string) (Preset, error) {
	for _, p := range presets {
		if p.Name == name {
			return p, nil
		}
	}
	return Preset{}, fmt.Errorf("%w: %q", ErrUnknownPreset, name)
}

// scaleFilter caps the output size while keeping aspect ratio and even dimensions.
func (p Preset) scaleFilter() string {
	return p.scaleWith("scale")
}

// cudaScaleFilter scales frames that stay in device memory.
func (p Preset) cudaScaleFilter() string {
	return p.scaleWith("scale_cuda")
}

func (p Preset) scaleWith(filter string) string {
	return fmt.Sprintf("%s=w='min(%d,iw)':h='min(%d,ih)':force_original_aspect_ratio=decrease:force_divisible_by=2",
		filter, p.MaxWidth, p.MaxHeight)
}
