package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"hlg-transcoder/internal/monitor"
	"hlg-transcoder/pkg/models"
)

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	failStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	skipStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	panelStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	labelStyle   = lipgloss.NewStyle().Width(16).Foreground(lipgloss.Color("245"))
	commandStyle = mutedStyle
)

// printer serializes terminal output; parallel workers report concurrently.
type printer struct {
	mu  sync.Mutex
	out io.Writer
}

func newPrinter(out io.Writer) *printer {
	return &printer{out: out}
}

func (p *printer) println(s string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, s)
}

// Status styles one status-sink line by its leading verb.
func (p *printer) Status(line string) {
	p.println(styleStatus(line))
}

func styleStatus(line string) string {
	switch {
	case strings.HasPrefix(line, "$ "):
		return commandStyle.Render(line)
	case strings.HasPrefix(line, "OK"):
		return okStyle.Render(line)
	case strings.HasPrefix(line, "FAILED"), strings.HasPrefix(line, "ERROR"):
		return failStyle.Render(line)
	case strings.HasPrefix(line, "SKIP"), strings.HasPrefix(line, "STOPPED"):
		return skipStyle.Render(line)
	case strings.HasPrefix(line, "Encoder "), strings.HasPrefix(line, "All hardware"), strings.HasPrefix(line, "Requested encoder"):
		return warnStyle.Render(line)
	}
	return line
}

func (p *printer) Outcome(out models.TranscodeOutcome) {
	if out.Message != "" {
		p.Status(out.Message)
	}
}

func (p *printer) Progress(done, total int) {
	p.println(mutedStyle.Render(fmt.Sprintf("[%d/%d]", done, total)))
}

func (p *printer) Title(s string) {
	p.println(titleStyle.Render(s))
}

func (p *printer) Error(err error) {
	p.println(failStyle.Render("Error: ") + err.Error())
}

func (p *printer) Summary(title string, res models.BatchResult) {
	rows := []string{
		titleStyle.Render(title),
		row("Total", fmt.Sprint(res.Total())),
		row("OK", okStyle.Render(fmt.Sprint(res.OK))),
		row("Skipped", skipStyle.Render(fmt.Sprint(res.Skipped))),
		row("Failed", countStyle(res.Failed, failStyle).Render(fmt.Sprint(res.Failed))),
	}
	if res.Stopped > 0 {
		rows = append(rows, row("Stopped", skipStyle.Render(fmt.Sprint(res.Stopped))))
	}
	rows = append(rows, row("Elapsed", res.Elapsed.Round(time.Second).String()))
	p.println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func (p *printer) SystemReport(r monitor.SystemReport) {
	rows := []string{
		titleStyle.Render("System"),
		row("ffmpeg", r.FFmpegPath),
		row("version", r.FFmpegVersion),
		row("CPU", r.CPUModel),
		row("cores", fmt.Sprintf("%d physical, %d logical", r.PhysicalCores, r.LogicalCores)),
		row("memory", fmt.Sprintf("%.1f GiB", float64(r.TotalRAM)/(1<<30))),
		row("OS", r.OS),
		"",
		titleStyle.Render("Hardware encoders"),
	}
	codecs := make([]string, 0, len(r.Encoders))
	for c := range r.Encoders {
		codecs = append(codecs, string(c))
	}
	sort.Strings(codecs)
	for _, c := range codecs {
		list := r.Encoders[models.Codec(c)]
		names := make([]string, 0, len(list))
		for _, cand := range list {
			names = append(names, cand.Display())
		}
		value := mutedStyle.Render("none, CPU only")
		if len(names) > 0 {
			value = okStyle.Render(strings.Join(names, ", "))
		}
		rows = append(rows, row(models.Codec(c).Display(), value))
	}
	if r.ProbeErr != nil {
		rows = append(rows, failStyle.Render("probe failed: "+r.ProbeErr.Error()))
	}
	p.println(panelStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...)))
}

func row(label, value string) string {
	return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), value)
}

func countStyle(n int, nonZero lipgloss.Style) lipgloss.Style {
	if n == 0 {
		return lipgloss.NewStyle()
	}
	return nonZero
}
