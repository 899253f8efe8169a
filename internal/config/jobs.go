package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Job is one entry of a queue file. Unset fields inherit the run's Config.
type Job struct {
	Label        string   `yaml:"label"`
	Input        string   `yaml:"input"`
	Output       string   `yaml:"output"`
	Recursive    *bool    `yaml:"recursive"`
	CRF          *int     `yaml:"crf"`
	Preset       *string  `yaml:"preset"`
	FPS          *float64 `yaml:"fps"`
	KeepFPS      *bool    `yaml:"keep_fps"`
	AudioBitrate *string  `yaml:"audio_bitrate"`
	Overwrite    *bool    `yaml:"overwrite"`
	SkipExisting *bool    `yaml:"skip_existing"`
	Threads      *int     `yaml:"threads"`
	Codec        *string  `yaml:"codec"`
	GPU          *bool    `yaml:"gpu"`
	GPUEncoder   *string  `yaml:"gpu_encoder"`
	Name         *string  `yaml:"name"`
	Timestamp    *bool    `yaml:"timestamp"`
	Suffix       *string  `yaml:"suffix"`
}

type jobFile struct {
	Jobs []Job `yaml:"jobs"`
}

// LoadJobFile reads a queue file of the form
//
//	jobs:
//	  - input: /media/a
//	    output: /out/a
//	    codec: h264
//
// Unknown keys are rejected.
func LoadJobFile(path string) ([]Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()
	return DecodeJobs(f)
}

func DecodeJobs(r io.Reader) ([]Job, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var jf jobFile
	if err := dec.Decode(&jf); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("job file is empty")
		}
		return nil, fmt.Errorf("decode job file: %w", err)
	}
	for i, j := range jf.Jobs {
		if j.Input == "" || j.Output == "" {
			return nil, fmt.Errorf("job %d: input and output are required", i+1)
		}
	}
	if len(jf.Jobs) == 0 {
		return nil, errors.New("job file lists no jobs")
	}
	return jf.Jobs, nil
}

// Apply overlays the job onto base and returns the merged copy.
func (j Job) Apply(base Config) Config {
	c := base
	c.Input = j.Input
	c.Output = j.Output
	c.Jobs = ""
	set(&c.Recursive, j.Recursive)
	set(&c.CRF, j.CRF)
	set(&c.Preset, j.Preset)
	set(&c.FPS, j.FPS)
	set(&c.KeepFPS, j.KeepFPS)
	set(&c.AudioBitrate, j.AudioBitrate)
	set(&c.Overwrite, j.Overwrite)
	set(&c.SkipExisting, j.SkipExisting)
	set(&c.Threads, j.Threads)
	set(&c.Codec, j.Codec)
	set(&c.GPU, j.GPU)
	set(&c.GPUEncoder, j.GPUEncoder)
	set(&c.Name, j.Name)
	set(&c.Timestamp, j.Timestamp)
	set(&c.Suffix, j.Suffix)
	return c
}

func set[T any](dst *T, v *T) {
	if v != nil {
		*dst = *v
	}
}
