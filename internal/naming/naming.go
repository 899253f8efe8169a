// Package naming derives output file names from a request's naming policy.
package naming

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"hlg-transcoder/pkg/models"
)

const (
	// Extension is appended by OutputPath, never by Resolve.
	Extension = ".mp4"

	timestampLayout = "20060102_150405"
)

// Sequence locates a file inside its batch. Index is zero-based.
type Sequence struct {
	Index int
	Total int
}

// Single is the sequence of a one-file batch.
var Single = Sequence{Index: 0, Total: 1}

// Resolver computes base names. Now is injectable for tests.
type Resolver struct {
	Now func() time.Time
}

func NewResolver() *Resolver {
	return &Resolver{Now: time.Now}
}

func (r *Resolver) now() time.Time {
	if r == nil || r.Now == nil {
		return time.Now()
	}
	return r.Now()
}

// Resolve returns the output base name without extension.
func (r *Resolver) Resolve(req models.TranscodeRequest, seq Sequence) string {
	stamp := r.now().Format(timestampLayout)
	policy := req.Naming

	var base string
	custom := policy.UsesCustomName()
	switch {
	case custom:
		base = customBase(policy.CustomName)
	case policy.KeepOriginal:
		base = stem(req.Source)
	}
	if base == "" {
		base = "video_" + stamp
	}
	if custom && seq.Total > 1 {
		base = fmt.Sprintf("%s_%04d", base, seq.Index+1)
	}

	if policy.AddTimestamp {
		base += "_" + stamp
	}
	if policy.Suffix != "" {
		base += policy.Suffix
	}
	return base
}

// OutputPath joins the directory, base name and container extension.
func OutputPath(dir, base string) string {
	return filepath.Join(dir, base+Extension)
}

func customBase(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasSuffix(strings.ToLower(text), Extension) {
		text = text[:len(text)-len(Extension)]
	}
	// Separators would escape the output directory.
	text = strings.NewReplacer("/", "_", `\`, "_").Replace(text)
	return strings.TrimSpace(text)
}

func stem(path string) string {
	name := filepath.Base(path)
	if name == "." || name == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(name, filepath.Ext(name))
}
