package cli

import (
	"io"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"
)

var (
	colorPass   = lipgloss.AdaptiveColor{Light: "#86b300", Dark: "#c2d94c"}
	colorWarn   = lipgloss.AdaptiveColor{Light: "#f2ae49", Dark: "#ffb454"}
	colorFail   = lipgloss.AdaptiveColor{Light: "#f07171", Dark: "#f07178"}
	colorMuted  = lipgloss.AdaptiveColor{Light: "#828c99", Dark: "#6c7680"}
	colorAccent = lipgloss.AdaptiveColor{Light: "#399ee6", Dark: "#59c2ff"}
)

const (
	iconPass = "✓"
	iconWarn = "⚠"
	iconFail = "✗"
)

// painter styles output only when it goes to a terminal.
type painter struct {
	on bool

	pass, warn, fail, muted, accent, header lipgloss.Style
}

func newPainter(w io.Writer) *painter {
	p := &painter{on: isTerminal(w)}
	p.pass = lipgloss.NewStyle().Foreground(colorPass)
	p.warn = lipgloss.NewStyle().Foreground(colorWarn)
	p.fail = lipgloss.NewStyle().Foreground(colorFail)
	p.muted = lipgloss.NewStyle().Foreground(colorMuted)
	p.accent = lipgloss.NewStyle().Foreground(colorAccent)
	p.header = lipgloss.NewStyle().Bold(true).Foreground(colorAccent)
	return p
}

func (p *painter) render(s lipgloss.Style, text string) string {
	if !p.on {
		return text
	}
	return s.Render(text)
}

func (p *painter) Pass(text string) string   { return p.render(p.pass, text) }
func (p *painter) Warn(text string) string   { return p.render(p.warn, text) }
func (p *painter) Fail(text string) string   { return p.render(p.fail, text) }
func (p *painter) Muted(text string) string  { return p.render(p.muted, text) }
func (p *painter) Accent(text string) string { return p.render(p.accent, text) }
func (p *painter) Header(text string) string { return p.render(p.header, text) }

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w any) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
