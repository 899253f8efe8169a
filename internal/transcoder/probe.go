package transcoder

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"hlg-transcoder/pkg/models"
)

// Hardware encoder identifiers as listed by `ffmpeg -encoders`.
const (
	EncoderHEVCNVENC        = "hevc_nvenc"
	EncoderHEVCAMF          = "hevc_amf"
	EncoderHEVCQSV          = "hevc_qsv"
	EncoderHEVCVideoToolbox = "hevc_videotoolbox"

	EncoderH264NVENC        = "h264_nvenc"
	EncoderH264AMF          = "h264_amf"
	EncoderH264QSV          = "h264_qsv"
	EncoderH264VideoToolbox = "h264_videotoolbox"

	EncoderX265 = "libx265"
	EncoderX264 = "libx264"
)

const (
	BrandNVIDIA = "NVIDIA"
	BrandIntel  = "Intel"
	BrandAMD    = "AMD"
	BrandApple  = "Apple Silicon"
)

type vendor int

const (
	vendorNVIDIA vendor = iota
	vendorIntel
	vendorAMD
	vendorApple
)

type encoderInfo struct {
	name   string
	brand  string
	vendor vendor
}

// encoderTables is ordered by brand priority.
var encoderTables = map[models.Codec][]encoderInfo{
	models.CodecHEVC: {
		{EncoderHEVCNVENC, BrandNVIDIA, vendorNVIDIA},
		{EncoderHEVCQSV, BrandIntel, vendorIntel},
		{EncoderHEVCAMF, BrandAMD, vendorAMD},
		{EncoderHEVCVideoToolbox, BrandApple, vendorApple},
	},
	models.CodecH264: {
		{EncoderH264NVENC, BrandNVIDIA, vendorNVIDIA},
		{EncoderH264QSV, BrandIntel, vendorIntel},
		{EncoderH264AMF, BrandAMD, vendorAMD},
		{EncoderH264VideoToolbox, BrandApple, vendorApple},
	},
}

// Older builds and saved settings use these names.
var encoderAliases = map[string]string{
	"h265_nvenc": EncoderHEVCNVENC,
	"nvenc_hevc": EncoderHEVCNVENC,
	"nvenc_h264": EncoderH264NVENC,
	"nvenc":      EncoderH264NVENC,
}

// CanonicalEncoder maps legacy names onto the identifiers used here.
func CanonicalEncoder(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canon, ok := encoderAliases[name]; ok {
		return canon
	}
	return name
}

func lookupEncoder(codec models.Codec, name string) (encoderInfo, bool) {
	name = CanonicalEncoder(name)
	for _, info := range encoderTables[codec] {
		if info.name == name {
			return info, true
		}
	}
	return encoderInfo{}, false
}

// IsHardwareEncoder reports whether name is a known hardware encoder for codec.
func IsHardwareEncoder(codec models.Codec, name string) bool {
	_, ok := lookupEncoder(codec, name)
	return ok
}

// BrandOf returns the vendor brand of a hardware encoder, or "CPU".
func BrandOf(codec models.Codec, name string) string {
	if info, ok := lookupEncoder(codec, name); ok {
		return info.brand
	}
	return "CPU"
}

// EncoderTable lists the hardware encoders known for codec in priority order.
func EncoderTable(codec models.Codec) []models.EncoderCandidate {
	var out []models.EncoderCandidate
	for _, info := range encoderTables[codec] {
		out = append(out, models.EncoderCandidate{Encoder: info.name, Brand: info.brand, Codec: codec})
	}
	return out
}

// Prober reports which hardware encoders the transcoder offers. The returned
// list is always safe to use: on failure it is empty and err says why.
type Prober interface {
	Probe(ctx context.Context, codec models.Codec) ([]models.EncoderCandidate, error)
}

const defaultProbeTimeout = 15 * time.Second

// FFmpegProber asks `ffmpeg -encoders` on every call.
type FFmpegProber struct {
	FFmpegPath string
	Timeout    time.Duration
}

func NewFFmpegProber(ffmpegPath string) *FFmpegProber {
	return &FFmpegProber{FFmpegPath: ffmpegPath, Timeout: defaultProbeTimeout}
}

func (p *FFmpegProber) Probe(ctx context.Context, codec models.Codec) ([]models.EncoderCandidate, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Command: ffmpeg -hide_banner -encoders
	cmd := exec.CommandContext(ctx, p.FFmpegPath, "-hide_banner", "-encoders")
	var out bytes.Buffer
	cmd.Stdout = &out

	if err := cmd.Run(); err != nil {
		return []models.EncoderCandidate{}, fmt.Errorf("ffmpeg encoder listing failed: %w", err)
	}
	return ParseEncoders(out.Bytes(), codec), nil
}

// ParseEncoders extracts known hardware encoders for codec from
// `ffmpeg -encoders` output, in the order they appear.
func ParseEncoders(listing []byte, codec models.Codec) []models.EncoderCandidate {
	found := []models.EncoderCandidate{}
	seen := map[string]bool{}

	scanner := bufio.NewScanner(bytes.NewReader(listing))
	for scanner.Scan() {
		// " V....D hevc_nvenc   NVIDIA NVENC hevc encoder (codec hevc)"
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		info, ok := lookupEncoder(codec, fields[1])
		if !ok || seen[info.name] {
			continue
		}
		seen[info.name] = true
		found = append(found, models.EncoderCandidate{Encoder: info.name, Brand: info.brand, Codec: codec})
	}
	return found
}

// FallbackChain orders the encoders to try: the requested one first when it
// is available, then the remaining available encoders by brand priority.
func FallbackChain(codec models.Codec, requested string, available []models.EncoderCandidate) []string {
	requested = CanonicalEncoder(requested)

	var chain []string
	seen := map[string]bool{}
	for _, c := range available {
		if c.Encoder == requested {
			chain = append(chain, requested)
			seen[requested] = true
			break
		}
	}

	rest := make([]encoderInfo, 0, len(available))
	for _, c := range available {
		info, ok := lookupEncoder(codec, c.Encoder)
		if !ok || seen[info.name] {
			continue
		}
		seen[info.name] = true
		rest = append(rest, info)
	}
	sort.SliceStable(rest, func(i, j int) bool { return rest[i].vendor < rest[j].vendor })
	for _, info := range rest {
		chain = append(chain, info.name)
	}
	return chain
}

// PreferredEncoder picks the encoder for automatic GPU mode: the last
// successful one if still available, else the highest-priority available
// encoder. It returns "" when nothing is available.
func PreferredEncoder(codec models.Codec, available []models.EncoderCandidate, last string) string {
	if last != "" {
		last = CanonicalEncoder(last)
		for _, c := range available {
			if c.Encoder == last {
				return last
			}
		}
	}
	chain := FallbackChain(codec, "", available)
	if len(chain) == 0 {
		return ""
	}
	return chain[0]
}
