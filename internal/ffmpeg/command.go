package ffmpeg

import (
	"strconv"
	"strings"
)

// CommandBuilder builds ffmpeg argument lists with a fluent API.
type CommandBuilder struct {
	globalArgs []string
	inputArgs  []string
	input      string
	filters    []string
	outputArgs []string
	output     string
	logLevel   string
}

// NewCommandBuilder creates a builder with error-level logging.
func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{logLevel: "error"}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// Stats keeps periodic "time=" status lines on stderr even at low log levels.
func (b *CommandBuilder) Stats() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin", "-stats")
	return b
}

// HWAccel sets the decode acceleration method. "", "none" and "auto" are ignored.
func (b *CommandBuilder) HWAccel(accel string) *CommandBuilder {
	if accel != "" && accel != HWAccelNone && accel != HWAccelAuto {
		b.inputArgs = append(b.inputArgs, "-hwaccel", accel)
	}
	return b
}

// HWAccelOutputFormat keeps decoded frames on the device.
func (b *CommandBuilder) HWAccelOutputFormat(format string) *CommandBuilder {
	if format != "" {
		b.inputArgs = append(b.inputArgs, "-hwaccel_output_format", format)
	}
	return b
}

// Reconnect enables reconnection for remote http(s) inputs.
func (b *CommandBuilder) Reconnect() *CommandBuilder {
	b.inputArgs = append(b.inputArgs,
		"-reconnect", "1",
		"-reconnect_streamed", "1",
		"-reconnect_delay_max", "5")
	return b
}

// InputArgs adds arbitrary input arguments.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// VideoFilter adds a video filter to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filters = append(b.filters, filter)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// VideoPreset sets the encoder speed preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-preset", preset)
	return b
}

// RateControl sets target bitrate and VBV constraints.
func (b *CommandBuilder) RateControl(bitrate, maxRate, bufSize string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:v", bitrate)
	if maxRate != "" {
		b.outputArgs = append(b.outputArgs, "-maxrate", maxRate)
	}
	if bufSize != "" {
		b.outputArgs = append(b.outputArgs, "-bufsize", bufSize)
	}
	return b
}

// FrameRate caps the output frame rate and fixes the keyframe interval.
func (b *CommandBuilder) FrameRate(fps, gop int) *CommandBuilder {
	if fps > 0 {
		b.outputArgs = append(b.outputArgs, "-r", strconv.Itoa(fps))
	}
	if gop > 0 {
		g := strconv.Itoa(gop)
		b.outputArgs = append(b.outputArgs, "-g", g, "-keyint_min", g)
	}
	return b
}

// AudioAAC encodes stereo 44.1kHz AAC at the given bitrate.
func (b *CommandBuilder) AudioAAC(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-c:a", "aac",
		"-b:a", bitrate,
		"-ar", "44100",
		"-ac", "2")
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// FragmentedMP4 selects an MP4 muxer that can be written to a pipe and
// played while still growing: an empty moov up front and a fragment per
// keyframe.
func (b *CommandBuilder) FragmentedMP4() *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "mp4",
		"-movflags", "frag_keyframe+empty_moov+default_base_moof")
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build returns the argument list, excluding the binary.
func (b *CommandBuilder) Build() []string {
	args := make([]string, 0, 8+len(b.globalArgs)+len(b.inputArgs)+len(b.outputArgs))
	args = append(args, b.globalArgs...)
	args = append(args, "-loglevel", b.logLevel, "-y")
	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)
	if len(b.filters) > 0 {
		args = append(args, "-vf", strings.Join(b.filters, ","))
	}
	args = append(args, b.outputArgs...)
	args = append(args, b.output)
	return args
}

// EncodeArgs builds the full argument list for one transcode to stdout.
// With cuda selected frames stay on the GPU from decode through scaling to
// h264_nvenc; other methods only accelerate decoding and frames are
// downloaded for libx264.
func EncodeArgs(input string, preset Preset, hwaccel string) []string {
	b := NewCommandBuilder().HideBanner().Stats().LogLevel("error")

	if isRemote(input) {
		b.Reconnect()
	}
	b.InputArgs("-fflags", "+genpts", "-analyzeduration", "1000000", "-probesize", "5000000")

	if hwaccel == HWAccelCUDA {
		b.HWAccel(HWAccelCUDA).
			HWAccelOutputFormat(HWAccelCUDA).
			Input(input).
			VideoFilter(preset.cudaScaleFilter()).
			VideoCodec("h264_nvenc").
			VideoPreset(preset.NVENCPreset).
			OutputArgs("-rc", "vbr", "-cq", "23", "-profile:v", preset.Profile)
	} else {
		b.HWAccel(hwaccel).
			Input(input).
			VideoFilter(preset.scaleFilter()).
			VideoCodec("libx264").
			VideoPreset(preset.X264Preset).
			OutputArgs("-tune", "zerolatency", "-profile:v", preset.Profile, "-level", preset.Level, "-pix_fmt", "yuv420p")
	}

	return b.RateControl(preset.VideoBitrate, preset.MaxRate, preset.BufSize).
		FrameRate(preset.FrameRate, preset.GOP).
		AudioAAC(preset.AudioBitrate).
		FragmentedMP4().
		Output("pipe:1").
		Build()
}

func isRemote(input string) bool {
	return strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://")
}
