package styles

import (
	"fmt"

	"github.com/charmbracelet/lipgloss/v2"
	"github.com/charmbracelet/x/exp/charmtone"

	"github.com/Ana06/capa/internal/analysis"
	"github.com/Ana06/capa/internal/features"
)

var (
	Address  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	Selected = lipgloss.NewStyle().Foreground(lipgloss.Color("170"))
	Header   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("252"))
	Failure  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))

	kindStyles = map[string]lipgloss.Style{
		"api":            lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		"string":         lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Zest.Hex())),
		"number":         lipgloss.NewStyle().Foreground(lipgloss.Color("204")),
		"offset":         lipgloss.NewStyle().Foreground(lipgloss.Color("141")),
		"mnemonic":       lipgloss.NewStyle().Foreground(lipgloss.Color("250")),
		"characteristic": lipgloss.NewStyle().Foreground(lipgloss.Color(charmtone.Guac.Hex())).Bold(true),
	}
)

// Kind returns the style for a feature kind.
func Kind(kind string) lipgloss.Style {
	if s, ok := kindStyles[kind]; ok {
		return s
	}
	return lipgloss.NewStyle()
}

// FeatureText renders a feature for humans: mangled API names are
// demangled and destinations are appended.
func FeatureText(l features.Located) string {
	text := l.Feature.String()
	if api, ok := l.Feature.(features.API); ok {
		text = "api(" + analysis.DisplayName(api.Name) + ")"
	}
	if l.HasDest {
		text += fmt.Sprintf(" -> %#x", l.Dest)
	}
	return text
}

// FeatureLine renders "va  feature" with colour unless plain is set.
func FeatureLine(l features.Located, plain bool) string {
	addr := fmt.Sprintf("0x%08x", l.VA)
	text := FeatureText(l)
	if plain {
		return addr + "  " + text
	}
	return Address.Render(addr) + "  " + Kind(l.Feature.Kind()).Render(text)
}
