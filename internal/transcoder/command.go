package transcoder

import (
	"strconv"
	"strings"

	"github.com/kballard/go-shellquote"

	"hlg-transcoder/pkg/models"
)

// HLG color tags. Every code path emits these unchanged.
const (
	ColorPrimaries = "bt2020"
	ColorTransfer  = "arib-std-b67"
	ColorMatrix    = "bt2020nc"
)

// CPUEncoder returns the software encoder for codec.
func CPUEncoder(codec models.Codec) string {
	if codec == models.CodecH264 {
		return EncoderX264
	}
	return EncoderX265
}

// BuildArgs returns the ffmpeg argument vector (without the binary) that
// transcodes req.Source into output. An empty or unknown encoder selects the
// CPU encoder for the request's codec.
func BuildArgs(req models.TranscodeRequest, output, encoder string) []string {
	args := []string{
		"-hide_banner",
		clobberFlag(req.Overwrite),
		"-i", req.Source,
		"-map", "0:v:0",
		"-map", "0:a?",
	}

	if info, ok := lookupEncoder(req.Codec, encoder); ok && encoder != "" {
		args = append(args, hardwareVideoArgs(req, info)...)
	} else {
		args = append(args, softwareVideoArgs(req)...)
	}

	args = append(args,
		"-tag:v", containerTag(req.Codec),
		"-c:a", "aac",
		"-b:a", req.AudioBitrate,
		"-movflags", "+faststart",
	)
	if req.FPS > 0 {
		args = append(args, "-r", formatFPS(req.FPS))
	}
	return append(args, output)
}

func clobberFlag(overwrite bool) string {
	if overwrite {
		return "-y"
	}
	return "-n"
}

func softwareVideoArgs(req models.TranscodeRequest) []string {
	colors := "colorprim=" + ColorPrimaries + ":transfer=" + ColorTransfer + ":colormatrix=" + ColorMatrix
	crf := strconv.Itoa(req.CRF)

	if req.Codec == models.CodecH264 {
		return []string{
			"-c:v", EncoderX264,
			"-preset", string(req.Preset),
			"-crf", crf,
			"-pix_fmt", "yuv420p",
			"-x264-params", "profile=high:level=5.1:" + colors,
		}
	}
	return []string{
		"-c:v", EncoderX265,
		"-preset", string(req.Preset),
		"-crf", crf,
		"-pix_fmt", "yuv420p10le",
		"-x265-params", "profile=main10:level=5.1:" + colors,
	}
}

func hardwareVideoArgs(req models.TranscodeRequest, info encoderInfo) []string {
	crf := strconv.Itoa(req.CRF)
	preset := strings.ToLower(string(req.Preset))

	pixFmt := "yuv420p10le"
	if req.Codec == models.CodecH264 {
		pixFmt = "yuv420p"
	}

	var args []string
	switch info.vendor {
	case vendorNVIDIA:
		args = []string{"-c:v", info.name, "-preset", preset, "-cq", crf, "-pix_fmt", pixFmt}
	case vendorAMD:
		// AMF has no CRF; pinning qmin and qmax emulates constant quality.
		amfFmt := "p010le"
		if req.Codec == models.CodecH264 {
			amfFmt = "nv12"
		}
		args = []string{
			"-c:v", info.name,
			"-quality", "quality",
			"-rc", "cqp",
			"-qmin", crf,
			"-qmax", crf,
			"-pix_fmt", amfFmt,
		}
	case vendorIntel:
		args = []string{"-c:v", info.name, "-preset", preset, "-crf", crf, "-pix_fmt", pixFmt}
	case vendorApple:
		args = []string{"-c:v", info.name, "-quality", "medium", "-crf", crf, "-pix_fmt", pixFmt}
	}

	return append(args,
		"-color_primaries", ColorPrimaries,
		"-color_trc", ColorTransfer,
		"-colorspace", ColorMatrix,
	)
}

func containerTag(codec models.Codec) string {
	if codec == models.CodecH264 {
		return "avc1"
	}
	return "hvc1"
}

func formatFPS(fps float64) string {
	return strconv.FormatFloat(fps, 'f', -1, 64)
}

// CommandLine renders the invocation with shell-safe quoting for display.
// It is never executed through a shell.
func CommandLine(bin string, args []string) string {
	return shellquote.Join(append([]string{bin}, args...)...)
}
