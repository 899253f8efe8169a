package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Codec is the output video codec family.
type Codec string

const (
	CodecHEVC Codec = "hevc"
	CodecH264 Codec = "h264"
)

// ParseCodec accepts the canonical names plus the common aliases h265/avc.
func ParseCodec(s string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "hevc", "h265", "h.265":
		return CodecHEVC, nil
	case "h264", "avc", "h.264":
		return CodecH264, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidCodec, s)
}

// Display is the human label used in status lines.
func (c Codec) Display() string {
	if c == CodecH264 {
		return "H.264 (AVC)"
	}
	return "H.265 (HEVC)"
}

// Preset is an x264/x265 speed preset.
type Preset string

// Presets lists every supported preset ordered from fastest to slowest.
var Presets = []Preset{
	"ultrafast", "superfast", "veryfast", "faster", "fast",
	"medium", "slow", "slower", "veryslow", "placebo",
}

const DefaultPreset Preset = "medium"

func ParsePreset(s string) (Preset, error) {
	p := Preset(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Presets {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPreset, s)
}

const (
	MinCRF = 0
	MaxCRF = 51

	DefaultSuffix = "_hlg_phone"
)

var (
	ErrInvalidCRF    = errors.New("crf must be between 0 and 51")
	ErrInvalidCodec  = errors.New("codec must be hevc or h264")
	ErrInvalidPreset = errors.New("unknown preset")
	ErrNamingPolicy  = errors.New("exactly one of keep-original and custom name must be selected")
	ErrMissingSource = errors.New("source path is empty")
	ErrMissingOutput = errors.New("output directory is empty")
)

// NamingPolicy controls how output file names are derived. KeepOriginal and
// CustomName are mutually exclusive; Suffix is applied last when non-empty.
type NamingPolicy struct {
	KeepOriginal bool   `mapstructure:"keep_original_name" yaml:"keep_original_name" json:"keep_original_name"`
	CustomName   string `mapstructure:"custom_name" yaml:"custom_name" json:"custom_name,omitempty"`
	AddTimestamp bool   `mapstructure:"add_timestamp" yaml:"add_timestamp" json:"add_timestamp"`
	Suffix       string `mapstructure:"suffix" yaml:"suffix" json:"suffix"`
}

// UsesCustomName reports whether the custom text takes precedence.
func (n NamingPolicy) UsesCustomName() bool {
	return !n.KeepOriginal && strings.TrimSpace(n.CustomName) != ""
}

// TranscodeRequest describes one file's job. Source is filled per file by the
// scheduler; everything else is shared across a batch.
type TranscodeRequest struct {
	Source       string       `json:"source"`
	OutputDir    string       `json:"output_dir"`
	Codec        Codec        `json:"codec"`
	CRF          int          `json:"crf"`
	Preset       Preset       `json:"preset"`
	FPS          float64      `json:"fps,omitempty"` // 0 keeps the source frame rate
	AudioBitrate string       `json:"audio_bitrate"`
	Overwrite    bool         `json:"overwrite"`
	SkipExisting bool         `json:"skip_existing"`
	DryRun       bool         `json:"dry_run"`
	Naming       NamingPolicy `json:"naming"`
	HWEncoder    string       `json:"hw_encoder,omitempty"` // empty selects the CPU encoder
}

// WithSource returns a copy of the template bound to one input file.
func (r TranscodeRequest) WithSource(path string) TranscodeRequest {
	r.Source = path
	return r
}

// Validate checks the template fields. The source path is not checked so a
// batch template can be validated before discovery.
func (r TranscodeRequest) Validate() error {
	if r.CRF < MinCRF || r.CRF > MaxCRF {
		return fmt.Errorf("%w (got %d)", ErrInvalidCRF, r.CRF)
	}
	if r.Codec != CodecHEVC && r.Codec != CodecH264 {
		return fmt.Errorf("%w: %q", ErrInvalidCodec, r.Codec)
	}
	if _, err := ParsePreset(string(r.Preset)); err != nil {
		return err
	}
	if r.OutputDir == "" {
		return ErrMissingOutput
	}
	if r.FPS < 0 {
		return fmt.Errorf("fps must not be negative (got %g)", r.FPS)
	}
	if strings.TrimSpace(r.AudioBitrate) == "" {
		return errors.New("audio bitrate is empty")
	}
	custom := strings.TrimSpace(r.Naming.CustomName) != ""
	if r.Naming.KeepOriginal == custom {
		return ErrNamingPolicy
	}
	return nil
}

// EncoderCandidate is a hardware encoder reported by the transcoder.
type EncoderCandidate struct {
	Encoder string `json:"encoder"`
	Brand   string `json:"brand"`
	Codec   Codec  `json:"codec"`
}

func (c EncoderCandidate) Display() string {
	return fmt.Sprintf("%s (%s)", c.Brand, c.Encoder)
}

// OutcomeStatus is the result class of a single file.
type OutcomeStatus string

const (
	OutcomeOK         OutcomeStatus = "ok"
	OutcomeOKFallback OutcomeStatus = "ok-fallback"
	OutcomeSkipped    OutcomeStatus = "skipped"
	OutcomeFailed     OutcomeStatus = "failed"
	OutcomeError      OutcomeStatus = "error"
	OutcomeStopped    OutcomeStatus = "stopped"
)

// TranscodeOutcome is the per-file result returned by the executor.
type TranscodeOutcome struct {
	File     string        `json:"file"`
	Output   string        `json:"output,omitempty"`
	Status   OutcomeStatus `json:"status"`
	Message  string        `json:"message"`
	ExitCode int           `json:"exit_code,omitempty"`
	Encoder  string        `json:"encoder,omitempty"`
}

// Succeeded is true for ok and ok-fallback.
func (o TranscodeOutcome) Succeeded() bool {
	return o.Status == OutcomeOK || o.Status == OutcomeOKFallback
}

// FileStatus maps the outcome onto the per-file display vocabulary.
func (o TranscodeOutcome) FileStatus() FileStatus {
	switch o.Status {
	case OutcomeOK, OutcomeOKFallback:
		return FileDone
	case OutcomeSkipped:
		return FileSkipped
	case OutcomeStopped:
		return FileWaiting
	default:
		return FileFailed
	}
}

// BatchResult aggregates the outcomes of one batch.
type BatchResult struct {
	OK       int                `json:"ok"`
	Failed   int                `json:"failed"`
	Skipped  int                `json:"skipped"`
	Stopped  int                `json:"stopped,omitempty"`
	Outcomes []TranscodeOutcome `json:"outcomes,omitempty"`
	Elapsed  time.Duration      `json:"elapsed_ns"`
}

// Total counts every file the batch accounted for.
func (b BatchResult) Total() int {
	return b.OK + b.Failed + b.Skipped + b.Stopped
}

// Add folds one outcome into the counters. Callers serialize access.
func (b *BatchResult) Add(o TranscodeOutcome) {
	switch o.Status {
	case OutcomeOK, OutcomeOKFallback:
		b.OK++
	case OutcomeSkipped:
		b.Skipped++
	case OutcomeStopped:
		b.Stopped++
	default:
		b.Failed++
	}
	b.Outcomes = append(b.Outcomes, o)
}

// Merge sums the counters of other into b. Outcomes are not copied.
func (b *BatchResult) Merge(other BatchResult) {
	b.OK += other.OK
	b.Failed += other.Failed
	b.Skipped += other.Skipped
	b.Stopped += other.Stopped
	b.Elapsed += other.Elapsed
}

// BatchReport is posted to the completion webhook.
type BatchReport struct {
	BatchID    string    `json:"batch_id"`
	Kind       string    `json:"kind"` // "batch" or "queue"
	Input      string    `json:"input,omitempty"`
	OutputDir  string    `json:"output_dir,omitempty"`
	Codec      Codec     `json:"codec,omitempty"`
	OK         int       `json:"ok"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Stopped    int       `json:"stopped"`
	ElapsedMS  int64     `json:"elapsed_ms"`
	FinishedAt time.Time `json:"finished_at"`
}

// HardwareStats is a point-in-time CPU and memory sample.
type HardwareStats struct {
	CPUPercent float64 `json:"cpu_percent"`
	RAMPercent float64 `json:"ram_percent"`
	// Busy is set when the machine is saturated; more workers will not help.
	Busy bool `json:"busy"`
}
