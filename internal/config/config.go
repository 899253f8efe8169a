package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"hlg-transcoder/pkg/models"
)

const (
	DefaultConfigFile = "hlgphone.yml"
	EnvPrefix         = "HLG"
)

var ErrMissingPaths = errors.New("--input and --output are required")

// Config holds every setting of one CLI run.
type Config struct {
	Input        string  `mapstructure:"input"`
	Output       string  `mapstructure:"output"`
	Recursive    bool    `mapstructure:"recursive"`
	CRF          int     `mapstructure:"crf"`
	Preset       string  `mapstructure:"preset"`
	FPS          float64 `mapstructure:"fps"`
	KeepFPS      bool    `mapstructure:"keep_fps"`
	AudioBitrate string  `mapstructure:"audio_bitrate"`
	Overwrite    bool    `mapstructure:"overwrite"`
	SkipExisting bool    `mapstructure:"skip_existing"`
	DryRun       bool    `mapstructure:"dry_run"`
	Threads      int     `mapstructure:"threads"`
	Test         bool    `mapstructure:"test"`

	Codec      string `mapstructure:"codec"`
	GPU        bool   `mapstructure:"gpu"`
	GPUEncoder string `mapstructure:"gpu_encoder"`

	Name      string `mapstructure:"name"`
	Timestamp bool   `mapstructure:"timestamp"`
	Suffix    string `mapstructure:"suffix"`

	FFmpeg     string `mapstructure:"ffmpeg"`
	Settings   string `mapstructure:"settings"`
	Jobs       string `mapstructure:"jobs"`
	WebhookURL string `mapstructure:"webhook_url"`
	LogLevel   string `mapstructure:"log_level"`
	SystemInfo bool   `mapstructure:"system_info"`

	HeartbeatSec int `mapstructure:"heartbeat_seconds"`
}

// NewFlagSet declares the command-line surface. Flag names use dashes; the
// matching config and env keys use underscores.
func NewFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SortFlags = false

	fs.StringP("input", "i", "", "input file or directory")
	fs.StringP("output", "o", "", "output directory")
	fs.BoolP("recursive", "r", false, "scan the input directory recursively")
	fs.Int("crf", 18, "quality, 0-51, lower is better and bigger")
	fs.String("preset", string(models.DefaultPreset), "encoder preset, ultrafast..placebo")
	fs.Float64("fps", 60, "force the output frame rate")
	fs.Bool("keep-fps", false, "keep the source frame rate")
	fs.String("audio-bitrate", "192k", "AAC audio bitrate")
	fs.Bool("overwrite", false, "re-encode when the output exists")
	fs.Bool("skip-existing", true, "skip files whose output exists")
	fs.Bool("dry-run", false, "print commands without running them")
	fs.Int("threads", 4, "parallel files, 0 uses the physical core count")
	fs.Bool("test", false, "skip the ffmpeg lookup and only show what would run")

	fs.String("codec", string(models.CodecHEVC), "output codec, hevc or h264")
	fs.Bool("gpu", false, "use a hardware encoder when one is available")
	fs.String("gpu-encoder", "", "request a specific hardware encoder, e.g. hevc_nvenc")

	fs.String("name", "", "custom output name instead of the source name")
	fs.Bool("timestamp", false, "append a timestamp to output names")
	fs.String("suffix", models.DefaultSuffix, "suffix appended to output names")

	fs.String("ffmpeg", "", "path to the ffmpeg binary")
	fs.String("settings", "", "path of the persisted settings file")
	fs.String("jobs", "", "YAML file with a queue of batches")
	fs.String("webhook", "", "URL notified after every batch")
	fs.String("log-level", "info", "trace, debug, info, warn or error")
	fs.Bool("system-info", false, "print the encoder and system report and exit")
	fs.Int("heartbeat-seconds", 30, "progress log interval, 0 disables it")
	fs.StringP("config", "c", "", "config file (default ./"+DefaultConfigFile+")")
	return fs
}

// Load merges defaults, the YAML config file, HLG_* environment variables
// and command-line flags, in increasing precedence.
func Load(args []string) (*Config, error) {
	// 1. .env feeds the environment layer.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	// 2. Parse flags.
	fs := NewFlagSet("hlgphone")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	setDefaults(v)

	// 3. Read the config file. An explicit --config must exist.
	path, _ := fs.GetString("config")
	explicit := path != ""
	if !explicit {
		path = DefaultConfigFile
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	// 4. Environment.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// 5. Flags win, but only when set explicitly.
	var bindErr error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Name == "config" {
			return
		}
		if err := v.BindPFlag(flagKey(f.Name), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return nil, bindErr
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

func flagKey(name string) string {
	if name == "webhook" {
		return "webhook_url"
	}
	return strings.ReplaceAll(name, "-", "_")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("crf", 18)
	v.SetDefault("preset", string(models.DefaultPreset))
	v.SetDefault("fps", 60.0)
	v.SetDefault("audio_bitrate", "192k")
	v.SetDefault("skip_existing", true)
	v.SetDefault("threads", 4)
	v.SetDefault("codec", string(models.CodecHEVC))
	v.SetDefault("suffix", models.DefaultSuffix)
	v.SetDefault("log_level", "info")
	v.SetDefault("heartbeat_seconds", 30)
}

// Validate applies the configuration checks that do not touch the
// filesystem. Jobs and system-info runs do not need input/output.
func (c *Config) Validate() error {
	if c.Jobs == "" && !c.SystemInfo && (c.Input == "" || c.Output == "") {
		return ErrMissingPaths
	}
	if c.Threads < 0 {
		return fmt.Errorf("threads must not be negative (got %d)", c.Threads)
	}
	if c.HeartbeatSec < 0 {
		return fmt.Errorf("heartbeat_seconds must not be negative (got %d)", c.HeartbeatSec)
	}
	if c.Input == "" && c.Output == "" {
		return nil
	}
	_, err := c.Request("")
	return err
}

// Request builds the per-batch request template. hwEncoder is the already
// resolved hardware encoder, or "" for CPU encoding.
func (c *Config) Request(hwEncoder string) (models.TranscodeRequest, error) {
	codec, err := models.ParseCodec(c.Codec)
	if err != nil {
		return models.TranscodeRequest{}, err
	}
	preset, err := models.ParsePreset(c.Preset)
	if err != nil {
		return models.TranscodeRequest{}, err
	}
	fps := c.FPS
	if c.KeepFPS {
		fps = 0
	}
	req := models.TranscodeRequest{
		OutputDir:    c.Output,
		Codec:        codec,
		CRF:          c.CRF,
		Preset:       preset,
		FPS:          fps,
		AudioBitrate: c.AudioBitrate,
		Overwrite:    c.Overwrite,
		SkipExisting: c.SkipExisting,
		DryRun:       c.DryRun || c.Test,
		Naming: models.NamingPolicy{
			KeepOriginal: strings.TrimSpace(c.Name) == "",
			CustomName:   c.Name,
			AddTimestamp: c.Timestamp,
			Suffix:       c.Suffix,
		},
		HWEncoder: hwEncoder,
	}
	if err := req.Validate(); err != nil {
		return models.TranscodeRequest{}, err
	}
	return req, nil
}

// WantsHardware reports whether hardware encoding was asked for.
func (c *Config) WantsHardware() bool {
	return c.GPU || c.GPUEncoder != ""
}
